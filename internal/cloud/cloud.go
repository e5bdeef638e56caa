// Package cloud is the upstream HTTP client for the four cloud-facing
// endpoints of §6: telemetry upload, config ack, command result, and the
// FOTA log. It is a thin net/http wrapper, not a business-logic layer.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ecowatt/gateway/internal/retry"
)

// Client is the narrow interface internal/telemetry, internal/demux, and
// internal/fota depend on, so tests can substitute a fake.
type Client interface {
	UploadTelemetry(ctx context.Context, body []byte, nonce uint32, mac string) ([]byte, error)
	PostConfigAck(ctx context.Context, accepted, rejected, unchanged []string) error
	PostCommandResult(ctx context.Context, result CommandResultPayload) error
	PostFotaLog(ctx context.Context, payload any) error
}

// CommandResultPayload mirrors the `command_result` body of §6.
type CommandResultPayload struct {
	Status       string `json:"status"`
	ExecutedAt   string `json:"executed_at"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HTTPClient is the production Client.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *HTTPClient) UploadTelemetry(ctx context.Context, body []byte, nonce uint32, mac string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/cloud/write", bytes.NewReader(body))
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "build telemetry request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", c.APIKey)
	req.Header.Set("X-Nonce", fmt.Sprintf("%d", nonce))
	req.Header.Set("X-MAC", mac)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, retry.New(retry.HttpTimeout, "telemetry upload failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "read telemetry response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.New(retry.HttpFailed, fmt.Sprintf("telemetry upload http status %d", resp.StatusCode), nil)
	}
	return respBody, nil
}

func (c *HTTPClient) PostConfigAck(ctx context.Context, accepted, rejected, unchanged []string) error {
	body := struct {
		ConfigAck struct {
			Accepted  []string `json:"accepted"`
			Rejected  []string `json:"rejected"`
			Unchanged []string `json:"unchanged"`
		} `json:"config_ack"`
	}{}
	body.ConfigAck.Accepted = accepted
	body.ConfigAck.Rejected = rejected
	body.ConfigAck.Unchanged = unchanged
	return c.postJSON(ctx, "/api/config_ack", body)
}

func (c *HTTPClient) PostCommandResult(ctx context.Context, result CommandResultPayload) error {
	body := struct {
		CommandResult CommandResultPayload `json:"command_result"`
	}{CommandResult: result}
	return c.postJSON(ctx, "/api/cloud/command_result", body)
}

func (c *HTTPClient) PostFotaLog(ctx context.Context, payload any) error {
	return c.postJSON(ctx, "/api/fota/log", payload)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return retry.New(retry.InvalidResponse, "marshal "+path+" body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return retry.New(retry.HttpFailed, "build "+path+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return retry.New(retry.HttpTimeout, path+" request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return retry.New(retry.HttpFailed, fmt.Sprintf("%s http status %d", path, resp.StatusCode), nil)
	}
	return nil
}
