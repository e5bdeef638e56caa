// Package codec implements the two byte<->text conversions the core needs
// at its JSON and network-framing boundaries: hex for the Modbus-over-HTTP
// frames (§4.4/§6) and Base64 for the upload envelope (§4.5 step 7).
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHex renders data as upper-case hex, matching the wire convention of
// §4.4 ("serialized in upper-case hex").
func EncodeHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// DecodeHex parses a hex string (case-insensitive, even length) into bytes.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("codec: odd-length hex string (%d chars)", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: decode hex: %w", err)
	}
	return b, nil
}

// EncodeBase64 is the standard (RFC 4648) Base64 encoding used to frame the
// IV||ciphertext network payload (§4.5 step 7).
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 inverts EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: decode base64: %w", err)
	}
	return b, nil
}
