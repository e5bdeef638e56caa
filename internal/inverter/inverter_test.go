package inverter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ecowatt/gateway/internal/codec"
)

func TestReadRoundTrip(t *testing.T) {
	want := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xCD, 0xC5}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inverter/read" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "test-key" {
			t.Fatalf("missing/incorrect Authorization header")
		}
		var body struct{ Frame string }
		json.NewDecoder(r.Body).Decode(&body)
		if body.Frame != codec.EncodeHex([]byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A}) {
			t.Fatalf("unexpected request frame %s", body.Frame)
		}
		json.NewEncoder(w).Encode(struct{ Frame string }{Frame: codec.EncodeHex(want)})
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL, APIKey: "test-key", HTTP: srv.Client()}
	got, err := c.Read(context.Background(), []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestWriteSurfacesHTTPStatusAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL, APIKey: "k", HTTP: srv.Client()}
	_, err := c.Write(context.Background(), []byte{0x11, 0x06, 0x00, 0x08, 0x00, 0x32})
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
