// Package telemetry composes the upload pipeline of §4.5: envelope,
// CRC, AES-256-CBC encryption, Base64 framing, nonce advance, HMAC, and
// POST.
package telemetry

import (
	"context"
	"fmt"

	"github.com/ecowatt/gateway/internal/cloud"
	"github.com/ecowatt/gateway/internal/codec"
	"github.com/ecowatt/gateway/internal/crc"
	"github.com/ecowatt/gateway/internal/cryptoutil"
	"github.com/ecowatt/gateway/internal/nonce"
	"github.com/ecowatt/gateway/internal/retry"
)

// MethodFlag distinguishes raw vs. aggregated compression in the envelope
// byte of §4.5 step 1.
type MethodFlag byte

const (
	MethodRaw        MethodFlag = 0x00
	MethodAggregated MethodFlag = 0x01
)

// Pipeline runs the upload pipeline end to end.
type Pipeline struct {
	key    [32]byte
	psk    string
	nonces *nonce.Manager
	cloud  cloud.Client
	policy *retry.Policy
}

// New derives the AES key from the upload PSK (§4.5 step 3) and builds a
// Pipeline.
func New(psk string, nonces *nonce.Manager, cloudClient cloud.Client) *Pipeline {
	return &Pipeline{
		key:    cryptoutil.DeriveKey([]byte(psk)),
		psk:    psk,
		nonces: nonces,
		cloud:  cloudClient,
		policy: retry.DefaultPolicy(),
	}
}

// Upload builds the secured envelope from a compressed frame and POSTs it,
// returning the raw ACK response body for the demultiplexer.
func (p *Pipeline) Upload(ctx context.Context, compressed []byte, method MethodFlag) ([]byte, error) {
	envelope := append([]byte{byte(method)}, compressed...)
	envelope = crc.Append(envelope)

	iv, ciphertext, err := cryptoutil.EncryptAESCBC(p.key, envelope)
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "encrypt envelope", err)
	}

	wirePayload := append(append([]byte{}, iv...), ciphertext...)
	b64 := codec.EncodeBase64(wirePayload)

	n, err := p.nonces.Next()
	if err != nil {
		return nil, fmt.Errorf("advance nonce: %w", err)
	}
	mac := cryptoutil.HMACSHA256Hex([]byte(p.psk), []byte(b64))

	var resp []byte
	err = p.policy.Do(ctx, func(attempt int) error {
		r, err := p.cloud.UploadTelemetry(ctx, wirePayload, n, mac)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Policy exposes the upload retry policy for the scheduler's periodic
// health check (§4.11).
func (p *Pipeline) Policy() *retry.Policy { return p.policy }
