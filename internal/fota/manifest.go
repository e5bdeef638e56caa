package fota

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ecowatt/gateway/internal/cryptoutil"
)

// Manifest is the FOTA job descriptor delivered in an upload ACK's `fota`
// field, per §4.9.
type Manifest struct {
	JobID       uint32 `json:"job_id"`
	FwURL       string `json:"fw_url"`
	FwSize      int64  `json:"fw_size"`
	ShaExpected string `json:"sha_expected"`
	Signature   string `json:"signature"`
}

// signedFields mirrors Manifest minus Signature: the ECDSA signature
// covers canonical JSON of every field except itself (§4.9).
type signedFields struct {
	JobID       uint32 `json:"job_id"`
	FwURL       string `json:"fw_url"`
	FwSize      int64  `json:"fw_size"`
	ShaExpected string `json:"sha_expected"`
}

// SignedPayload returns the canonical JSON bytes the signature was
// computed over.
func (m Manifest) SignedPayload() ([]byte, error) {
	return json.Marshal(signedFields{
		JobID:       m.JobID,
		FwURL:       m.FwURL,
		FwSize:      m.FwSize,
		ShaExpected: m.ShaExpected,
	})
}

var versionPattern = regexp.MustCompile(`-v(\d+\.\d+\.\d+)\.bin$`)

// TargetVersion extracts the "to" version from a `*-vX.Y.Z.bin` URL
// pattern for the FOTA_START log event (§4.9).
func (m Manifest) TargetVersion() string {
	match := versionPattern.FindStringSubmatch(m.FwURL)
	if match == nil {
		return "unknown"
	}
	return match[1]
}

// VerifySignature checks the manifest's ECDSA P-256 signature over its
// canonical payload, per §4.9 step 2.
func VerifySignature(m Manifest, pub *ecdsa.PublicKey) (bool, error) {
	payload, err := m.SignedPayload()
	if err != nil {
		return false, fmt.Errorf("marshal signed payload: %w", err)
	}
	der, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return cryptoutil.VerifyECDSASHA256(pub, payload, der), nil
}
