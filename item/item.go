// Package item defines the Item entity that flows through every notekeep
// subsystem: the model manager's in-memory graph, the sync manager's wire
// protocol, and the singleton manager's uniqueness index.
package item

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"dario.cat/mergo"

	"github.com/wrenfield/notekeep/predicate"
)

// ReferenceKind distinguishes the two reference edges carried inside an
// item's content.
type ReferenceKind int

const (
	// ReferenceRegular is a content.references[] entry: a normal edge the
	// item's own type declares meaning for.
	ReferenceRegular ReferenceKind = iota
	// ReferenceAppData is an edge recorded under content.appData, used by
	// app-specific relationships that aren't part of the generic content
	// schema (e.g. a note's pinned-tag reference).
	ReferenceAppData
)

// Reference is one forward edge from an item to another, by UUID.
type Reference struct {
	UUID           string
	ContentType    string
	Kind           ReferenceKind
	ReferenceType  string // app-defined sub-kind, e.g. "TagToItem"
}

// appDataKey is the content key under which client-only bookkeeping lives:
// client-side timestamps, pinned/archived flags, and app-specific reference
// edges that don't belong in the generic content schema.
const appDataKey = "appData"

// referencesKey is the content key holding the []Reference edge list.
const referencesKey = "references"

// ReferencesKey exports referencesKey for callers outside this package
// that need to compare content while ignoring reference-only differences
// (sync conflict resolution: a UUID alternation or a concurrent edit can
// change only the reference list without the rest of the content diverging).
const ReferencesKey = referencesKey

// clientUpdatedAtKey is the appData key holding the item's
// client-observed last-modified instant, distinct from the server
// UpdatedAt timestamp.
const clientUpdatedAtKey = "client_updated_at"

// Item is a single encrypted-at-rest record in the sync graph: a note, a
// tag, or any other content-addressable entity the host application
// defines. Content is intentionally untyped (map[string]any) so that
// content_type-specific shapes can be registered and interpreted by a
// TypeRegistry (see registry.go) without this package knowing about them.
type Item struct {
	UUID        string
	ContentType string
	Content     map[string]any

	CreatedAt *time.Time
	UpdatedAt *time.Time

	Deleted bool
	Dummy   bool

	// Dirty marks the item as having local changes not yet confirmed saved
	// by the server. DirtyCount increments on every SetDirty(true, ...) call
	// and resets to 0 on SetDirty(false, ...), so a sync round trip can
	// snapshot it at dispatch and compare at return to tell whether an
	// independent edit landed while the request was in flight. DirtiedDate
	// records when the item most recently went dirty.
	Dirty       bool
	DirtyCount  int
	DirtiedDate *time.Time

	// ErrorDecrypting is set when the transformer could not decrypt this
	// item's payload (wrong key, tamper, or corruption).
	// ErrorDecryptingValueChanged is set together with ErrorDecrypting on
	// every failed decrypt; the transformer does not compare it against the
	// item's previous ErrorDecrypting value.
	ErrorDecrypting             bool
	ErrorDecryptingValueChanged bool

	// EncItemKey is the item's own base64 wrapped content+auth key pair,
	// encrypted under the root/account key. AuthHash and AuthParams carry
	// the legacy (format 001) item-level content MAC and its auth parameters.
	EncItemKey string
	AuthHash   string
	AuthParams string

	// ReferencingObjects lists the UUIDs of items that hold a Reference
	// pointing at this item. It is a derived back-edge index maintained by
	// the model manager, not serialized to the wire.
	ReferencingObjects []string
}

// New constructs an Item with a zero-value Content map ready for mutation.
func New(uuid, contentType string) *Item {
	return &Item{
		UUID:        uuid,
		ContentType: contentType,
		Content:     make(map[string]any),
	}
}

// SetDirty marks the item dirty (or clears the flag, resetting DirtyCount
// to 0) and, when updateClientDate is true, stamps
// content.appData.client_updated_at with now so peers can tell apart a
// dirtying edit from a mere flag flip.
func (i *Item) SetDirty(dirty bool, updateClientDate bool) {
	i.Dirty = dirty
	if !dirty {
		i.DirtyCount = 0
		return
	}
	now := time.Now()
	i.DirtiedDate = &now
	i.DirtyCount++
	if updateClientDate {
		i.setAppData(clientUpdatedAtKey, time.Now().Format(time.RFC3339Nano))
	}
}

// ClientUpdatedAt returns the client-observed last-modified instant stored
// in content.appData, or nil if never set.
func (i *Item) ClientUpdatedAt() *time.Time {
	raw, ok := i.appData()[clientUpdatedAtKey]
	if !ok {
		return nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (i *Item) appData() map[string]any {
	raw, ok := i.Content[appDataKey]
	if !ok {
		return map[string]any{}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

func (i *Item) setAppData(key string, value any) {
	m, ok := i.Content[appDataKey].(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	m[key] = value
	i.Content[appDataKey] = m
}

// References returns every forward edge recorded in content.references,
// each with Kind ReferenceRegular. Edges under content.appData are not read.
func (i *Item) References() []Reference {
	var out []Reference
	if raw, ok := i.Content[referencesKey].([]any); ok {
		for _, entry := range raw {
			if ref, ok := decodeReference(entry, ReferenceRegular); ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

func decodeReference(entry any, kind ReferenceKind) (Reference, bool) {
	m, ok := entry.(map[string]any)
	if !ok {
		return Reference{}, false
	}
	uuid, _ := m["uuid"].(string)
	if uuid == "" {
		return Reference{}, false
	}
	contentType, _ := m["content_type"].(string)
	refType, _ := m["reference_type"].(string)
	return Reference{UUID: uuid, ContentType: contentType, Kind: kind, ReferenceType: refType}, true
}

// AddItemAsRelationship appends a reference edge to target if one does not
// already exist, and marks the item dirty.
func (i *Item) AddItemAsRelationship(target *Item, referenceType string) {
	for _, ref := range i.References() {
		if ref.UUID == target.UUID {
			return
		}
	}
	raw, _ := i.Content[referencesKey].([]any)
	raw = append(raw, map[string]any{
		"uuid":           target.UUID,
		"content_type":   target.ContentType,
		"reference_type": referenceType,
	})
	i.Content[referencesKey] = raw
	i.SetDirty(true, true)
}

// RemoveItemAsRelationship drops any reference edge pointing at
// targetUUID, and marks the item dirty if one was removed.
func (i *Item) RemoveItemAsRelationship(targetUUID string) {
	raw, ok := i.Content[referencesKey].([]any)
	if !ok {
		return
	}
	out := raw[:0]
	removed := false
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			if uuid, _ := m["uuid"].(string); uuid == targetUUID {
				removed = true
				continue
			}
		}
		out = append(out, entry)
	}
	if removed {
		i.Content[referencesKey] = out
		i.SetDirty(true, true)
	}
}

// RewriteReference updates any content.references entry pointing at
// oldUUID to point at newUUID instead, preserving its content_type and
// reference_type, and marks the item dirty since its serialized content
// changed. Used when a referenced item's UUID is alternated out from
// under it. A no-op if i holds no reference to oldUUID.
func (i *Item) RewriteReference(oldUUID, newUUID string) {
	raw, ok := i.Content[referencesKey].([]any)
	if !ok {
		return
	}
	changed := false
	for idx, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if uuid, _ := m["uuid"].(string); uuid == oldUUID {
			raw[idx] = map[string]any{
				"uuid":           newUUID,
				"content_type":   m["content_type"],
				"reference_type": m["reference_type"],
			}
			changed = true
		}
	}
	if changed {
		i.Content[referencesKey] = raw
		i.SetDirty(true, true)
	}
}

// defaultIgnoredAppDataKeys are appData keys excluded from ContentEqual by
// default: the client edit clock, which never by itself reflects a
// meaningful content change. The rest of appData (pinned/archived flags,
// app-specific reference edges) still participates in the comparison.
var defaultIgnoredAppDataKeys = map[string]bool{
	clientUpdatedAtKey: true,
}

// ContentEqual reports whether i and other have equivalent content, after
// discarding any top-level keys the caller names and filtering
// defaultIgnoredAppDataKeys out of each side's appData map. Used by the
// model manager to tell a changed incoming item from an unchanged one,
// and by sync conflict resolution to tell a reference-only
// divergence apart from a real content conflict.
func (i *Item) ContentEqual(other *Item, ignoreKeys ...string) bool {
	ignore := make(map[string]bool, len(ignoreKeys))
	for _, k := range ignoreKeys {
		ignore[k] = true
	}
	a := stripKeys(i.Content, ignore)
	b := stripKeys(other.Content, ignore)
	stripIgnoredAppData(a)
	stripIgnoredAppData(b)
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(canonicalJSON(aj)) == string(canonicalJSON(bj))
}

func stripKeys(m map[string]any, ignore map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if ignore[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// stripIgnoredAppData removes defaultIgnoredAppDataKeys from content's
// appData map in place, dropping the appData key entirely if nothing is
// left once the clock is removed.
func stripIgnoredAppData(content map[string]any) {
	raw, ok := content[appDataKey].(map[string]any)
	if !ok {
		return
	}
	filtered := make(map[string]any, len(raw))
	for k, v := range raw {
		if defaultIgnoredAppDataKeys[k] {
			continue
		}
		filtered[k] = v
	}
	if len(filtered) == 0 {
		delete(content, appDataKey)
		return
	}
	content[appDataKey] = filtered
}

// canonicalJSON re-marshals JSON-decoded-then-encoded bytes through a
// sorted-key map so structurally equal content compares equal regardless
// of original key order.
func canonicalJSON(b []byte) []byte {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return b
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return b
	}
	return out
}

func sortedValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(x))
		for _, k := range keys {
			out[k] = sortedValue(x[k])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for idx, e := range x {
			out[idx] = sortedValue(e)
		}
		return out
	default:
		return v
	}
}

// ContentCopy returns a deep copy of i.Content via a JSON round trip. Used
// to freeze a snapshot of content before a conflict-duplicating operation
// mutates the original.
func (i *Item) ContentCopy() (map[string]any, error) {
	return CloneContent(i.Content)
}

// CloneContent returns a deep copy of content via a JSON round trip, for
// callers that need to snapshot or duplicate a content map that isn't
// attached to an *Item yet (e.g. a decrypted server item materialized as
// a conflict duplicate).
func CloneContent(content map[string]any) (map[string]any, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateFromJSON deep-merges incoming content on top of i.Content: scalar
// and map fields are merged key by key, and any array field present in
// incoming replaces the corresponding array wholesale rather than being
// element-wise merged, matching how a downloaded item payload overwrites
// local content.
func (i *Item) UpdateFromJSON(incoming map[string]any) error {
	if i.Content == nil {
		i.Content = make(map[string]any)
	}
	return mergo.Merge(&i.Content, incoming, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue)
}

// ContentHash returns the hex-encoded SHA-256 of i's canonicalized content,
// a cheap fingerprint for comparing content without a full ContentEqual
// traversal.
func (i *Item) ContentHash() string {
	b, err := json.Marshal(i.Content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonicalJSON(b))
	return hex.EncodeToString(sum[:])
}

// asPredicateData flattens the fields a predicate.Expr can address: the
// item's content plus a handful of top-level metadata fields under
// reserved keys, so predicates can filter on content_type, uuid, or
// timestamps alongside arbitrary content.keypath lookups.
func (i *Item) asPredicateData() map[string]any {
	data := make(map[string]any, len(i.Content)+4)
	for k, v := range i.Content {
		data[k] = v
	}
	data["content_type"] = i.ContentType
	data["uuid"] = i.UUID
	if i.CreatedAt != nil {
		data["created_at"] = *i.CreatedAt
	}
	if i.UpdatedAt != nil {
		data["updated_at"] = *i.UpdatedAt
	}
	return data
}

// SatisfiesPredicate evaluates expr against i's content and metadata.
func (i *Item) SatisfiesPredicate(expr predicate.Expr) bool {
	return predicate.Evaluate(i.asPredicateData(), expr)
}
