package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// HMACSHA256 computes the HMAC-SHA256 digest of data under key, returned
// hex-free as raw bytes; callers base64- or hex-encode as their wire
// format requires (the envelope format base64-encodes auth hashes).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMACSHA256 reports whether mac is the correct HMAC-SHA256 of data
// under key, using a constant-time comparison to avoid timing side
// channels on auth_hash checks.
func VerifyHMACSHA256(key, data, mac []byte) bool {
	return hmac.Equal(HMACSHA256(key, data), mac)
}

// EncodeB64 base64-encodes b using standard encoding, matching the
// envelope format's base64(ciphertext) / base64(authParamsJSON) fields.
func EncodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeB64 reverses EncodeB64.
func DecodeB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

// RandomBytes reads n cryptographically random bytes from the OS CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// GeneratePerItemKey returns a fresh 512-bit random key split in half into
// the content-encryption key (ek) and content-authentication key (ak).
func GeneratePerItemKey() (ek, ak []byte, err error) {
	raw, err := RandomBytes(64)
	if err != nil {
		return nil, nil, err
	}
	return raw[:32], raw[32:], nil
}

// GenerateSalt returns a fresh 16-byte random salt suitable for PBKDF2 key
// derivation (an account's auth_params).
func GenerateSalt() ([]byte, error) {
	return RandomBytes(16)
}
