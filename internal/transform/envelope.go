// Package transform is the item transformer: it converts between an
// Item's plaintext content and the versioned encrypted envelope stored at
// rest and carried over the wire.
//
// Three envelope formats are read. Format "000" is unencrypted
// base64-JSON, used only by a handful of pre-encryption accounts. Format
// "001" (legacy) AES-CBC-encrypts content directly under the account's
// root key with a zero IV and no per-item key; its authenticity is
// carried out-of-band as the item-level auth_hash rather than embedded in
// the envelope string. Format "002" wraps a freshly generated per-item
// key pair (ek, ak) under the root key and uses that pair to encrypt
// content; "003" is identical to "002" except the embedded UUID is
// authenticated as part of the MAC input, closing a tamper vector where
// an envelope could be replayed onto a different item's EncItemKey slot.
// New items are always written as "003"; "000", "001", and "002" are
// read-only legacy paths.
package transform

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/wrenfield/notekeep/internal/crypto"
)

const (
	versionPlaintext = "000"
	versionLegacy    = "001"
	versionKeyed     = "002"
	versionCurrent   = "003"
)

// legacyIVSize is the AES block size: version 001 envelopes always use an
// all-zero IV rather than a generated one.
const legacyIVSize = 16

func zeroIV() []byte { return make([]byte, legacyIVSize) }

// stripLegacyTag removes a version "001" tag from s if present. Some
// legacy enc_item_key values predate the tagging scheme entirely and
// carry no prefix at all, so the tag is optional here.
func stripLegacyTag(s string) string {
	return strings.TrimPrefix(s, versionLegacy)
}

// decodeLegacyCiphertext strips an optional "001" tag and base64-decodes
// the remainder into raw AES-CBC ciphertext.
func decodeLegacyCiphertext(s string) ([]byte, error) {
	ct, err := crypto.DecodeB64(stripLegacyTag(s))
	if err != nil {
		return nil, fmt.Errorf("%w: bad legacy ciphertext encoding: %v", ErrDecryption, err)
	}
	return ct, nil
}

// ErrDecryption is returned when an envelope cannot be decrypted: wrong
// key, malformed envelope, or MAC mismatch.
var ErrDecryption = errors.New("transform: decryption failed")

// ErrTamper is returned when an envelope decrypts successfully under the
// MAC but its embedded UUID does not match the item slot it was read from,
// indicating the ciphertext was moved from a different item's record.
var ErrTamper = errors.New("transform: uuid mismatch, possible tamper")

// envelope is the parsed form of a colon-joined encrypted string:
// "<version>:<uuid>:<base64 iv>:<base64 ciphertext>:<base64 mac>".
type envelope struct {
	version    string
	uuid       string
	iv         []byte
	ciphertext []byte
	mac        []byte
}

func (e envelope) encode() string {
	return strings.Join([]string{
		e.version,
		e.uuid,
		crypto.EncodeB64(e.iv),
		crypto.EncodeB64(e.ciphertext),
		crypto.EncodeB64(e.mac),
	}, ":")
}

func parseEnvelope(s string) (envelope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return envelope{}, fmt.Errorf("%w: malformed envelope (%d parts)", ErrDecryption, len(parts))
	}
	iv, err := crypto.DecodeB64(parts[2])
	if err != nil {
		return envelope{}, fmt.Errorf("%w: bad iv encoding: %v", ErrDecryption, err)
	}
	ct, err := crypto.DecodeB64(parts[3])
	if err != nil {
		return envelope{}, fmt.Errorf("%w: bad ciphertext encoding: %v", ErrDecryption, err)
	}
	mac, err := crypto.DecodeB64(parts[4])
	if err != nil {
		return envelope{}, fmt.Errorf("%w: bad mac encoding: %v", ErrDecryption, err)
	}
	return envelope{version: parts[0], uuid: parts[1], iv: iv, ciphertext: ct, mac: mac}, nil
}

// macInput builds the bytes authenticated by the envelope's MAC. Format
// 003 binds the uuid into the MAC input; 001/002 bind version, iv and
// ciphertext but not the uuid, matching what legacy envelopes actually
// authenticated.
func macInput(version, uuid string, iv, ciphertext []byte) []byte {
	var sb strings.Builder
	sb.WriteString(version)
	sb.WriteByte(':')
	if version == versionCurrent {
		sb.WriteString(uuid)
		sb.WriteByte(':')
	}
	sb.WriteString(base64.StdEncoding.EncodeToString(iv))
	sb.WriteByte(':')
	sb.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	return []byte(sb.String())
}

// sealString encrypts plaintext under (ek, ak) and returns the encoded
// envelope string for uuid at the current format version.
func sealString(uuid, plaintext string, ek, ak []byte) (string, error) {
	iv, err := crypto.GenerateIV()
	if err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ct, err := crypto.EncryptCBC([]byte(plaintext), ek, iv)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	mac := crypto.HMACSHA256(ak, macInput(versionCurrent, uuid, iv, ct))
	e := envelope{version: versionCurrent, uuid: uuid, iv: iv, ciphertext: ct, mac: mac}
	return e.encode(), nil
}

// openString decrypts an encoded envelope, verifying its MAC under ak and,
// for version 003, that the embedded uuid matches expectUUID.
func openString(encoded, expectUUID string, ek, ak []byte) (string, error) {
	e, err := parseEnvelope(encoded)
	if err != nil {
		return "", err
	}
	if !crypto.VerifyHMACSHA256(ak, macInput(e.version, e.uuid, e.iv, e.ciphertext), e.mac) {
		return "", ErrDecryption
	}
	if e.version == versionCurrent && e.uuid != expectUUID {
		return "", ErrTamper
	}
	pt, err := crypto.DecryptCBC(e.ciphertext, ek, e.iv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(pt), nil
}
