package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidPadding is returned by DecryptCBC when the PKCS#7 padding on a
// decrypted block is malformed — almost always a sign of a wrong key or a
// tampered ciphertext rather than a legitimate empty-payload edge case.
var ErrInvalidPadding = errors.New("crypto: invalid pkcs7 padding")

// GenerateIV returns a fresh random initialization vector sized for
// AES (16 bytes, the AES block size).
func GenerateIV() ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// EncryptCBC encrypts plaintext under key using AES-CBC with the given iv,
// PKCS#7-padding plaintext to a multiple of the block size first. key must
// be 16, 24, or 32 bytes (AES-128/192/256).
func EncryptCBC(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts ciphertext under key using AES-CBC with the given iv
// and strips PKCS#7 padding. Returns ErrInvalidPadding if the padding is
// malformed (wrong key, corrupted ciphertext, or tampering).
func DecryptCBC(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of block size", ErrInvalidPadding, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n || padLen > aes.BlockSize {
		return nil, ErrInvalidPadding
	}
	if !bytes.Equal(data[n-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrInvalidPadding
	}
	return data[:n-padLen], nil
}
