package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wrenfield/notekeep/internal/crypto"
	"github.com/wrenfield/notekeep/item"
)

// EncryptedPayload is the wire/storage shape of an item: content and the
// per-item key are both opaque encrypted strings, only ever produced or
// consumed by a Transformer. AuthHash and AuthParams are only ever
// populated for legacy "001" items, where the content MAC is carried on
// the item record instead of embedded in the envelope string; current
// "003" payloads leave both empty.
type EncryptedPayload struct {
	UUID        string     `json:"uuid"`
	ContentType string     `json:"content_type"`
	Content     string     `json:"content"`
	EncItemKey  string     `json:"enc_item_key"`
	AuthHash    string     `json:"auth_hash,omitempty"`
	AuthParams  string     `json:"auth_params,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Deleted     bool       `json:"deleted"`
}

// Transformer encrypts Items into EncryptedPayloads and back, using the
// account's root key pair to wrap a freshly generated per-item key for
// every item it encrypts.
type Transformer struct {
	uuids *crypto.UUIDGenerator
}

// New returns a Transformer.
func New() *Transformer {
	return &Transformer{uuids: crypto.NewUUIDGenerator()}
}

// Encrypt produces the EncryptedPayload for itm, generating a per-item key
// pair and wrapping it under (rootMK, rootAK). itm itself is not mutated.
func (t *Transformer) Encrypt(itm *item.Item, rootMK, rootAK []byte) (*EncryptedPayload, error) {
	ek, ak, err := crypto.GeneratePerItemKey()
	if err != nil {
		return nil, fmt.Errorf("generate per-item key: %w", err)
	}

	contentJSON, err := json.Marshal(itm.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	contentEnvelope, err := sealString(itm.UUID, string(contentJSON), ek, ak)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	keyPayload := itemKeyPayload{EK: crypto.EncodeB64(ek), AK: crypto.EncodeB64(ak)}
	keyJSON, err := json.Marshal(keyPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal item key: %w", err)
	}
	keyEnvelope, err := sealString(itm.UUID, string(keyJSON), rootMK, rootAK)
	if err != nil {
		return nil, fmt.Errorf("wrap item key: %w", err)
	}

	return &EncryptedPayload{
		UUID:        itm.UUID,
		ContentType: itm.ContentType,
		Content:     contentEnvelope,
		EncItemKey:  keyEnvelope,
		CreatedAt:   itm.CreatedAt,
		UpdatedAt:   itm.UpdatedAt,
		Deleted:     itm.Deleted,
	}, nil
}

// itemKeyPayload is the plaintext JSON shape wrapped inside EncItemKey.
type itemKeyPayload struct {
	EK string `json:"ek"`
	AK string `json:"ak"`
}

// Decrypt reverses Encrypt. On a decryption or tamper failure it does not
// return an error: instead it returns an Item with ErrorDecrypting set and
// ErrorDecryptingValueChanged true, so a single bad item never aborts an
// entire sync batch. The returned error is non-nil only for malformed
// input that isn't a decryption failure at all (e.g. a payload with an
// empty UUID).
//
// The content envelope's own tag picks the decryption path: "000" is
// unencrypted base64 JSON, "001" is the legacy zero-IV root-key format,
// anything else is parsed as a "002"/"003" keyed envelope.
func (t *Transformer) Decrypt(payload *EncryptedPayload, rootMK, rootAK []byte) (*item.Item, error) {
	if payload.UUID == "" {
		return nil, fmt.Errorf("transform: payload missing uuid")
	}

	switch {
	case strings.HasPrefix(payload.Content, versionPlaintext):
		return t.decryptPlaintext(payload), nil
	case strings.HasPrefix(payload.Content, versionLegacy):
		return t.decryptLegacy(payload, rootMK, rootAK), nil
	default:
		return t.decryptKeyed(payload, rootMK, rootAK), nil
	}
}

func newDecryptedItem(payload *EncryptedPayload) *item.Item {
	return &item.Item{
		UUID:        payload.UUID,
		ContentType: payload.ContentType,
		CreatedAt:   payload.CreatedAt,
		UpdatedAt:   payload.UpdatedAt,
		Deleted:     payload.Deleted,
		EncItemKey:  payload.EncItemKey,
	}
}

func failDecrypt(itm *item.Item) *item.Item {
	itm.ErrorDecrypting = true
	itm.ErrorDecryptingValueChanged = true
	return itm
}

// decryptPlaintext handles the "000" unencrypted format: the content is
// base64-encoded JSON with no encryption or authentication at all.
func (t *Transformer) decryptPlaintext(payload *EncryptedPayload) *item.Item {
	itm := newDecryptedItem(payload)
	raw, err := crypto.DecodeB64(strings.TrimPrefix(payload.Content, versionPlaintext))
	if err != nil {
		return failDecrypt(itm)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return failDecrypt(itm)
	}
	itm.Content = content
	return itm
}

// decryptLegacy handles the "001" format: content is AES-CBC-encrypted
// directly under the account root key pair with a zero IV, with no
// per-item key and no uuid binding. Authenticity is carried on the item
// record as AuthHash = HMAC-SHA256(ciphertext, rootAK) rather than
// embedded in the envelope string. enc_item_key for a 001 item is unused
// (there is no per-item key to unwrap); content is decrypted straight
// under rootMK.
func (t *Transformer) decryptLegacy(payload *EncryptedPayload, rootMK, rootAK []byte) *item.Item {
	itm := newDecryptedItem(payload)

	ct, err := decodeLegacyCiphertext(payload.Content)
	if err != nil {
		return failDecrypt(itm)
	}

	if payload.AuthHash != "" {
		mac, err := crypto.DecodeB64(payload.AuthHash)
		if err != nil || !crypto.VerifyHMACSHA256(rootAK, ct, mac) {
			return failDecrypt(itm)
		}
	}

	plain, err := crypto.DecryptCBC(ct, rootMK, zeroIV())
	if err != nil {
		return failDecrypt(itm)
	}

	var content map[string]any
	if err := json.Unmarshal(plain, &content); err != nil {
		return failDecrypt(itm)
	}
	itm.Content = content
	return itm
}

// decryptKeyed handles the "002"/"003" formats: a per-item key pair is
// unwrapped from enc_item_key under the root key pair, then used to open
// the content envelope.
func (t *Transformer) decryptKeyed(payload *EncryptedPayload, rootMK, rootAK []byte) *item.Item {
	itm := newDecryptedItem(payload)

	keyPlain, err := openString(payload.EncItemKey, payload.UUID, rootMK, rootAK)
	if err != nil {
		return failDecrypt(itm)
	}
	var kp itemKeyPayload
	if err := json.Unmarshal([]byte(keyPlain), &kp); err != nil {
		return failDecrypt(itm)
	}
	ek, err1 := crypto.DecodeB64(kp.EK)
	ak, err2 := crypto.DecodeB64(kp.AK)
	if err1 != nil || err2 != nil {
		return failDecrypt(itm)
	}

	contentPlain, err := openString(payload.Content, payload.UUID, ek, ak)
	if err != nil {
		return failDecrypt(itm)
	}

	var content map[string]any
	if err := json.Unmarshal([]byte(contentPlain), &content); err != nil {
		return failDecrypt(itm)
	}

	itm.Content = content
	itm.ErrorDecrypting = false
	return itm
}
