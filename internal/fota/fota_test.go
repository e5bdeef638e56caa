package fota

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ecowatt/gateway/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir() + "/fota.db")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) FetchRange(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	if offset > int64(len(f.data)) {
		offset = int64(len(f.data))
	}
	return io.NopCloser(bytes.NewReader(f.data[offset:])), nil
}

func signedManifest(t *testing.T, priv *ecdsa.PrivateKey, fwURL string, data []byte) Manifest {
	t.Helper()
	sum := sha256.Sum256(data)
	m := Manifest{
		JobID:       7,
		FwURL:       fwURL,
		FwSize:      int64(len(data)),
		ShaExpected: hex.EncodeToString(sum[:]),
	}
	payload, err := m.SignedPayload()
	if err != nil {
		t.Fatalf("SignedPayload: %v", err)
	}
	digest := sha256.Sum256(payload)
	der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(der)
	return m
}

func TestRunSucceedsWithValidSignatureAndHash(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	fwData := bytes.Repeat([]byte{0xAB}, 9000)
	manifest := signedManifest(t, priv, "https://fw.example.com/firmware-v1.2.0.bin", fwData)

	st := newTestStore(t)
	slotPath := t.TempDir() + "/slot.bin"
	mgr := New(st, &fakeFetcher{data: fwData}, func(jobID uint32) (BootSlot, error) {
		return NewFileBootSlot(slotPath)
	}, t.TempDir()+"/fota_log.json", &priv.PublicKey, nil, discardLogger())

	result := mgr.Run(context.Background(), manifest, "1.1.0")
	if !result.Success {
		t.Fatalf("Run() failed: reason=%v", result.Reason)
	}
	if result.Log.FinalStatus != "SUCCESS" {
		t.Fatalf("final status = %q, want SUCCESS", result.Log.FinalStatus)
	}
	if len(result.Log.Events) < 2 {
		t.Fatalf("expected at least FOTA_START and FOTA_SUCCESS events, got %+v", result.Log.Events)
	}
	if result.Log.Events[0].Msg != "FOTA_START" {
		t.Fatalf("first event = %q, want FOTA_START", result.Log.Events[0].Msg)
	}
	last := result.Log.Events[len(result.Log.Events)-1]
	if last.Msg != "FOTA_SUCCESS" {
		t.Fatalf("last event = %q, want FOTA_SUCCESS", last.Msg)
	}

	persisted, err := st.LoadFotaState()
	if err != nil {
		t.Fatalf("LoadFotaState: %v", err)
	}
	if persisted.Offset != 0 {
		t.Fatalf("offset after success = %d, want 0", persisted.Offset)
	}
}

func TestRunFailsOnBadSignature(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	fwData := []byte("firmware bytes")
	manifest := signedManifest(t, other, "https://fw.example.com/firmware-v2.0.0.bin", fwData)

	st := newTestStore(t)
	mgr := New(st, &fakeFetcher{data: fwData}, func(jobID uint32) (BootSlot, error) {
		return NewFileBootSlot(t.TempDir() + "/slot.bin")
	}, t.TempDir()+"/fota_log.json", &priv.PublicKey, nil, discardLogger())

	result := mgr.Run(context.Background(), manifest, "1.0.0")
	if result.Success {
		t.Fatal("expected failure on bad signature")
	}
	if result.Reason != ReasonSignatureInvalid {
		t.Fatalf("reason = %v, want SignatureInvalid", result.Reason)
	}
}

func TestRunFailsOnHashMismatchAndClearsOffset(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	fwData := []byte("firmware bytes")
	manifest := signedManifest(t, priv, "https://fw.example.com/firmware-v3.0.0.bin", fwData)
	// tamper with the served data so it won't match ShaExpected.
	tampered := append([]byte{}, fwData...)
	tampered[0] ^= 0xFF

	st := newTestStore(t)
	if err := st.SaveFotaState(&store.FotaState{JobID: manifest.JobID, Offset: 4}); err != nil {
		t.Fatalf("SaveFotaState: %v", err)
	}
	slotPath := t.TempDir() + "/slot.bin"
	mgr := New(st, &fakeFetcher{data: tampered}, func(jobID uint32) (BootSlot, error) {
		return NewFileBootSlot(slotPath)
	}, t.TempDir()+"/fota_log.json", &priv.PublicKey, nil, discardLogger())

	result := mgr.Run(context.Background(), manifest, "1.0.0")
	if result.Success {
		t.Fatal("expected hash mismatch failure")
	}
	if result.Reason != ReasonHashMismatch {
		t.Fatalf("reason = %v, want HashMismatch", result.Reason)
	}

	persisted, err := st.LoadFotaState()
	if err != nil {
		t.Fatalf("LoadFotaState: %v", err)
	}
	if persisted.Offset != 0 {
		t.Fatalf("offset after hash mismatch = %d, want 0 (no resume)", persisted.Offset)
	}
}

func TestTargetVersionExtraction(t *testing.T) {
	m := Manifest{FwURL: "https://fw.example.com/firmware-v1.2.0.bin"}
	if got := m.TargetVersion(); got != "1.2.0" {
		t.Fatalf("TargetVersion() = %q, want 1.2.0", got)
	}
}

func TestShouldStartOnNewerJobID(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveFotaState(&store.FotaState{JobID: 3, Offset: 0}); err != nil {
		t.Fatalf("SaveFotaState: %v", err)
	}
	mgr := New(st, nil, nil, "", nil, nil, discardLogger())

	start, err := mgr.ShouldStart(Manifest{JobID: 4})
	if err != nil {
		t.Fatalf("ShouldStart: %v", err)
	}
	if !start {
		t.Fatal("expected start for a newer job_id")
	}

	start, err = mgr.ShouldStart(Manifest{JobID: 2})
	if err != nil {
		t.Fatalf("ShouldStart: %v", err)
	}
	if start {
		t.Fatal("expected no start for an older job_id with no partial offset")
	}
}

func TestShouldStartOnResumedSameJob(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveFotaState(&store.FotaState{JobID: 3, Offset: 1024}); err != nil {
		t.Fatalf("SaveFotaState: %v", err)
	}
	mgr := New(st, nil, nil, "", nil, nil, discardLogger())

	start, err := mgr.ShouldStart(Manifest{JobID: 3})
	if err != nil {
		t.Fatalf("ShouldStart: %v", err)
	}
	if !start {
		t.Fatal("expected start for same job_id with a nonzero persisted offset")
	}
}

func TestHTTPErrorSurfacesStatusCode(t *testing.T) {
	err := &HTTPError{Code: 503}
	if got := err.Error(); got != fmt.Sprintf("fota: http error %d", 503) {
		t.Fatalf("unexpected error string: %q", got)
	}
}
