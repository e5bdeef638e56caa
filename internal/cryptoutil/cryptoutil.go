// Package cryptoutil implements the primitives the telemetry pipeline and
// the FOTA engine need: SHA-256, HMAC-SHA-256, AES-256-CBC with PKCS#7
// padding, and ECDSA P-256 signature verification (§4.5, §4.9). None of the
// example repos in the corpus import a third-party crypto library — stdlib
// crypto/* is the idiomatic choice for these primitives (see DESIGN.md).
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// DeriveKey computes the AES-256 key from the pre-shared key, per §4.5
// step 3: key = SHA-256(UPLOAD_PSK).
func DeriveKey(psk []byte) [32]byte {
	return sha256.Sum256(psk)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the lower-case hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	d := sha256.Sum256(data)
	return hex.EncodeToString(d[:])
}

// HMACSHA256Hex returns the lower-case hex HMAC-SHA-256 of message under
// key, per §4.5 step 9.
func HMACSHA256Hex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 performs a constant-time comparison of a received
// lower-case hex MAC against the MAC computed over message under key.
func VerifyHMACSHA256(key, message []byte, receivedHex string) bool {
	want, err := hex.DecodeString(receivedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), want)
}

// pkcs7Pad pads data to a multiple of blockSize using PKCS#7 padding: n
// padding bytes each carrying the value n (see GLOSSARY).
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad strips and validates PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: invalid padded length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("cryptoutil: invalid padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("cryptoutil: corrupt padding")
		}
	}
	return data[:n-padLen], nil
}

// EncryptAESCBC PKCS#7-pads plaintext, generates a fresh random 16-byte IV,
// and encrypts under AES-256-CBC with key. It returns the IV and the
// ciphertext separately; the caller concatenates them per §4.5 step 6.
func EncryptAESCBC(key [32]byte, plaintext []byte) (iv []byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

// DecryptAESCBC inverts EncryptAESCBC given the IV and ciphertext.
func DecryptAESCBC(key [32]byte, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cryptoutil: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: ciphertext length %d is not a non-zero multiple of %d", len(ciphertext), aes.BlockSize)
	}

	padded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

// ParseECDSAPublicKeyPEM parses a PEM-encoded P-256 public key, as embedded
// in firmware build constants per §6.
func ParseECDSAPublicKeyPEM(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptoutil: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptoutil: public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("cryptoutil: public key curve is not P-256")
	}
	return ecKey, nil
}

// VerifyECDSASHA256 verifies an ASN.1 DER ECDSA signature over the SHA-256
// digest of message, used by the FOTA engine to check a manifest's
// signature (§4.9 step 2).
func VerifyECDSASHA256(pub *ecdsa.PublicKey, message, derSignature []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], derSignature)
}

// ConstantTimeEqualHex compares two hex strings for equality ignoring case,
// the comparison of the FOTA SHA-256 check in §4.9 step 5
// ("case-insensitive hex"); internal/fota itself makes that comparison with
// strings.EqualFold. It is not a substitute for HMAC comparison — the FOTA hash check
// is an integrity check, not an authentication check, so plain
// case-insensitive comparison (rather than constant time) is correct here.
func ConstantTimeEqualHex(a, b string) bool {
	return bytes.EqualFold([]byte(a), []byte(b))
}
