// Package inverter is the downstream HTTP client for the Modbus-over-HTTP
// API fronting the solar inverter, per §6: the physical Modbus transport
// is itself wrapped behind an HTTP read/write API rather than a serial
// port.
package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ecowatt/gateway/internal/codec"
	"github.com/ecowatt/gateway/internal/retry"
)

// Client is the narrow transport interface the scheduler's read/write
// tasks depend on, so tests can substitute a fake without standing up an
// HTTP server.
type Client interface {
	Read(ctx context.Context, frame []byte) ([]byte, error)
	Write(ctx context.Context, frame []byte) ([]byte, error)
}

// HTTPClient is the production Client, wrapping the two Modbus-over-HTTP
// endpoints of §6.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type frameRequest struct {
	Frame string `json:"frame"`
}

type frameResponse struct {
	Frame string `json:"frame"`
}

func (c *HTTPClient) Read(ctx context.Context, frame []byte) ([]byte, error) {
	return c.post(ctx, "/api/inverter/read", frame)
}

func (c *HTTPClient) Write(ctx context.Context, frame []byte) ([]byte, error) {
	return c.post(ctx, "/api/inverter/write", frame)
}

func (c *HTTPClient) post(ctx context.Context, path string, frame []byte) ([]byte, error) {
	reqBody, err := json.Marshal(frameRequest{Frame: codec.EncodeHex(frame)})
	if err != nil {
		return nil, retry.New(retry.InvalidResponse, "marshal inverter request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "build inverter request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, retry.New(retry.HttpTimeout, "inverter request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "read inverter response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.New(retry.HttpFailed, fmt.Sprintf("inverter http status %d", resp.StatusCode), nil)
	}

	var parsed frameResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retry.New(retry.InvalidResponse, "decode inverter response", err)
	}
	decoded, err := codec.DecodeHex(parsed.Frame)
	if err != nil {
		return nil, retry.New(retry.InvalidResponse, "decode inverter frame hex", err)
	}
	return decoded, nil
}
