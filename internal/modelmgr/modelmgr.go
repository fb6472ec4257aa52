// Package modelmgr is the model manager: the in-memory item graph every
// other subsystem reads and writes through. It owns the UUID-indexed item
// arena, resolves forward/back reference edges as items stream in any
// order, and fans out change notifications to registered observers
// without ever letting an observer's own mutations reenter the dispatch
// that is currently running.
package modelmgr

import (
	"sort"
	"sync"

	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/timer"
)

// ChangeObserver is notified after a batch of items has been mapped into
// the collection. inserted holds items newly added this batch; changed
// holds items that already existed and were updated; deleted holds items
// now marked Deleted.
type ChangeObserver func(inserted, changed, deleted []*item.Item, source ChangeSource)

// ChangeSource distinguishes why a batch of changes occurred, so an
// observer can decide whether it needs to react (e.g. the singleton
// manager only cares about LocalSource creates and RemoteSource batches).
type ChangeSource int

const (
	// LocalSource changes were made directly through CreateItem/SaveItems.
	LocalSource ChangeSource = iota
	// RemoteSource changes arrived from a sync response.
	RemoteSource
)

// missedReference records a reference to a not-yet-seen target, keyed so
// that it can be resolved the moment the target item arrives.
type missedReference struct {
	targetUUID string
	holderUUID string
}

func missedKey(targetUUID, holderUUID string) string {
	return targetUUID + ":" + holderUUID
}

// ModelManager is the item arena: a UUID-indexed map of every item the
// client currently knows about, plus the bookkeeping needed to resolve
// reference edges arriving out of order and to fan out change
// notifications without reentrancy.
type ModelManager struct {
	mu       sync.Mutex
	items    map[string]*item.Item
	registry *item.TypeRegistry
	clock    timer.Timer

	// missedReferences tracks forward edges whose target hasn't arrived
	// yet, keyed by "target:holder" so an exact edge can be removed once
	// resolved. byTarget indexes the same entries by target UUID alone so
	// that when a target item arrives every holder waiting on it can be
	// found in one lookup instead of scanning the whole table.
	missedReferences map[string]missedReference
	byTarget         map[string][]string // targetUUID -> []missedKey

	observers         []ChangeObserver
	uuidChangeObservers []UUIDChangeObserver
	dispatchScheduled  bool
	pendingInserted    []*item.Item
	pendingChanged     []*item.Item
	pendingDeleted     []*item.Item
	pendingSource      ChangeSource
}

// UUIDChangeObserver is notified when AlternateUUID re-issues an item's
// UUID. A singleton manager's cached lookups or a host application's
// cached singleton reference should invalidate on this call, since the
// pointer they held is about to stop being addressable by its old UUID.
type UUIDChangeObserver func(oldUUID, newUUID string)

// New constructs an empty ModelManager. registry supplies per-content-type
// Capabilities (singleton predicates, extra ignored content keys); clock
// is the host timer used to defer observer dispatch off the calling
// stack.
func New(registry *item.TypeRegistry, clock timer.Timer) *ModelManager {
	return &ModelManager{
		items:            make(map[string]*item.Item),
		registry:         registry,
		clock:            clock,
		missedReferences: make(map[string]missedReference),
		byTarget:         make(map[string][]string),
	}
}

// Subscribe registers o to be notified after every future batch of
// changes. Observers are invoked in registration order.
func (m *ModelManager) Subscribe(o ChangeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// SubscribeUUIDChange registers o to be notified whenever AlternateUUID
// re-issues an item's UUID.
func (m *ModelManager) SubscribeUUIDChange(o UUIDChangeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuidChangeObservers = append(m.uuidChangeObservers, o)
}

// Find returns the item with the given uuid, or nil if unknown.
func (m *ModelManager) Find(uuid string) *item.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[uuid]
}

// All returns every known, non-deleted item.
func (m *ModelManager) All() []*item.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*item.Item, 0, len(m.items))
	for _, it := range m.items {
		if !it.Deleted {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// DirtyItems returns every known item with Dirty set, used by the sync
// manager to build an upload batch.
func (m *ModelManager) DirtyItems() []*item.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*item.Item
	for _, it := range m.items {
		if it.Dirty {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// CreateItem inserts a brand-new local item into the collection and
// schedules a LocalSource notification.
func (m *ModelManager) CreateItem(it *item.Item) {
	m.mu.Lock()
	m.items[it.UUID] = it
	m.resolveMissedReferencesForLocked(it.UUID)
	m.indexReferencesLocked(it)
	m.pendingInserted = append(m.pendingInserted, it)
	m.pendingSource = LocalSource
	m.scheduleDispatchLocked()
	m.mu.Unlock()
}

// MapItems merges a batch of items arriving from sync into the
// collection: new UUIDs are inserted, known UUIDs are updated in place so
// existing pointers (and anything an observer cached) stay valid. A known
// item that is currently Dirty is left untouched instead of being
// overwritten — the client's in-flight edit wins over whatever the server
// reported, and the item stays queued to upload on the next cycle. Returns
// the inserted, changed and deleted slices for the caller's own
// bookkeeping (the sync manager does not use them); a single
// scheduleDispatchLocked call still fires for the whole batch.
func (m *ModelManager) MapItems(incoming []*item.Item, source ChangeSource) (inserted, changed, deleted []*item.Item) {
	return m.mapItems(incoming, source, false)
}

// MapItemsAuthoritative is like MapItems but overwrites a known item even
// if it is currently Dirty. Used by conflict resolution, which has
// already decided — by its own rules, not by simple recency — that the
// incoming copy must take the original UUID.
func (m *ModelManager) MapItemsAuthoritative(incoming []*item.Item, source ChangeSource) (inserted, changed, deleted []*item.Item) {
	return m.mapItems(incoming, source, true)
}

func (m *ModelManager) mapItems(incoming []*item.Item, source ChangeSource, force bool) (inserted, changed, deleted []*item.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range incoming {
		existing, known := m.items[it.UUID]
		if !known {
			m.items[it.UUID] = it
			m.resolveMissedReferencesForLocked(it.UUID)
			m.indexReferencesLocked(it)
			inserted = append(inserted, it)
		} else {
			if !force && existing.Dirty {
				continue
			}
			caps := m.registry.CapabilitiesFor(it.ContentType)
			contentUnchanged := existing.ContentEqual(it, caps.IsolatedContentKeys...)
			*existing = *it
			m.resolveMissedReferencesForLocked(it.UUID)
			m.indexReferencesLocked(existing)
			switch {
			case existing.Deleted:
				deleted = append(deleted, existing)
			case !contentUnchanged:
				changed = append(changed, existing)
			}
			continue
		}
		if it.Deleted {
			deleted = append(deleted, it)
		}
	}

	m.pendingInserted = append(m.pendingInserted, inserted...)
	m.pendingChanged = append(m.pendingChanged, changed...)
	m.pendingDeleted = append(m.pendingDeleted, deleted...)
	m.pendingSource = source
	m.scheduleDispatchLocked()
	return inserted, changed, deleted
}

// indexReferencesLocked records every forward edge it declares as a
// missed reference if the target isn't known yet, and otherwise updates
// the target's ReferencingObjects back-edge immediately.
func (m *ModelManager) indexReferencesLocked(it *item.Item) {
	for _, ref := range it.References() {
		target, ok := m.items[ref.UUID]
		if !ok {
			key := missedKey(ref.UUID, it.UUID)
			if _, exists := m.missedReferences[key]; !exists {
				mr := missedReference{targetUUID: ref.UUID, holderUUID: it.UUID}
				m.missedReferences[key] = mr
				m.byTarget[ref.UUID] = append(m.byTarget[ref.UUID], key)
			}
			continue
		}
		addBackEdge(target, it.UUID)
	}
}

// resolveMissedReferencesForLocked is called after uuid arrives in the
// collection: every holder that was waiting on uuid gets its back-edge
// recorded and the missed-reference entry cleared.
func (m *ModelManager) resolveMissedReferencesForLocked(uuid string) {
	keys := m.byTarget[uuid]
	if len(keys) == 0 {
		return
	}
	target := m.items[uuid]
	for _, key := range keys {
		mr, ok := m.missedReferences[key]
		if !ok {
			continue
		}
		addBackEdge(target, mr.holderUUID)
		delete(m.missedReferences, key)
	}
	delete(m.byTarget, uuid)
}

func addBackEdge(target *item.Item, holderUUID string) {
	for _, existing := range target.ReferencingObjects {
		if existing == holderUUID {
			return
		}
	}
	target.ReferencingObjects = append(target.ReferencingObjects, holderUUID)
}

func removeBackEdge(target *item.Item, holderUUID string) {
	out := target.ReferencingObjects[:0]
	for _, existing := range target.ReferencingObjects {
		if existing != holderUUID {
			out = append(out, existing)
		}
	}
	target.ReferencingObjects = out
}

// rekeyMissedReferencesHolderLocked re-keys every still-unresolved forward
// edge recorded against oldHolder so it resolves against newHolder
// instead, once oldHolder's identity has moved (UUID alternation).
func (m *ModelManager) rekeyMissedReferencesHolderLocked(oldHolder, newHolder string) {
	for key, mr := range m.missedReferences {
		if mr.holderUUID != oldHolder {
			continue
		}
		delete(m.missedReferences, key)
		newKey := missedKey(mr.targetUUID, newHolder)
		m.missedReferences[newKey] = missedReference{targetUUID: mr.targetUUID, holderUUID: newHolder}
		keys := m.byTarget[mr.targetUUID]
		for i, k := range keys {
			if k == key {
				keys[i] = newKey
			}
		}
		m.byTarget[mr.targetUUID] = keys
	}
}

// scheduleDispatchLocked arranges a single deferred call to dispatch via
// the host timer, coalescing any further changes made before that
// callback runs into the same notification. Must be called with mu held.
func (m *ModelManager) scheduleDispatchLocked() {
	if m.dispatchScheduled {
		return
	}
	m.dispatchScheduled = true
	m.clock.SetTimeout(0, m.dispatch)
}

// dispatch runs on the timer, outside of any caller's stack, so an
// observer that itself calls CreateItem/MapItems cannot reenter the
// dispatch currently in progress — it merely schedules another one.
func (m *ModelManager) dispatch() {
	m.mu.Lock()
	inserted := m.pendingInserted
	changed := m.pendingChanged
	deleted := m.pendingDeleted
	source := m.pendingSource
	observers := append([]ChangeObserver(nil), m.observers...)
	m.pendingInserted = nil
	m.pendingChanged = nil
	m.pendingDeleted = nil
	m.dispatchScheduled = false
	m.mu.Unlock()

	if len(inserted) == 0 && len(changed) == 0 && len(deleted) == 0 {
		return
	}
	for _, o := range observers {
		o(inserted, changed, deleted, source)
	}
}

// DuplicateAsConflict clones original's content into a brand-new item
// with a freshly generated UUID, stamps content.conflict_of with
// original's UUID, marks it dirty so it uploads on the next cycle, and
// inserts it into the collection. The new item's content is a frozen
// snapshot taken before the caller applies the incoming change to
// original, so neither version of the edit is lost.
func (m *ModelManager) DuplicateAsConflict(original *item.Item, newUUID string) (*item.Item, error) {
	return m.duplicateContentAsConflict(original.Content, original.ContentType, newUUID, original.UUID)
}

// DuplicateContentAsConflict is like DuplicateAsConflict but takes the
// duplicate's content and content_type explicitly, for when the content
// being preserved as a conflict sibling doesn't live on an *item.Item the
// caller already has — e.g. the server's rejected version during
// sync_conflict resolution, which exists only as a decrypted, unmapped
// *item.Item that must not itself be inserted under the original UUID.
func (m *ModelManager) DuplicateContentAsConflict(content map[string]any, contentType, newUUID, duplicateOfUUID string) (*item.Item, error) {
	return m.duplicateContentAsConflict(content, contentType, newUUID, duplicateOfUUID)
}

func (m *ModelManager) duplicateContentAsConflict(content map[string]any, contentType, newUUID, duplicateOfUUID string) (*item.Item, error) {
	cloned, err := item.CloneContent(content)
	if err != nil {
		return nil, err
	}
	dup := item.New(newUUID, contentType)
	dup.Content = cloned
	dup.Content["conflict_of"] = duplicateOfUUID
	dup.SetDirty(true, true)
	m.CreateItem(dup)
	return dup, nil
}

// AlternateUUID re-issues original's UUID: a clone is created under
// newUUID holding original's content, every reference edge to and from
// original is rewritten to point at newUUID, original is marked deleted
// (not dirty, so it never round-trips to the server — it simply
// disappears locally) and dropped from the arena so it is no longer
// addressable via Find, and the clone is inserted as a dirty item.
// uuidChangeObservers are notified after the arena is updated. Used when
// the server rejects an upload with a uuid_conflict.
func (m *ModelManager) AlternateUUID(original *item.Item, newUUID string) (*item.Item, error) {
	m.mu.Lock()

	content, err := item.CloneContent(original.Content)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	clone := item.New(newUUID, original.ContentType)
	clone.Content = content
	clone.CreatedAt = original.CreatedAt

	for _, ref := range clone.References() {
		if target, ok := m.items[ref.UUID]; ok {
			removeBackEdge(target, original.UUID)
			addBackEdge(target, newUUID)
		}
	}
	m.rekeyMissedReferencesHolderLocked(original.UUID, newUUID)

	for _, holderUUID := range original.ReferencingObjects {
		if holder, ok := m.items[holderUUID]; ok {
			holder.RewriteReference(original.UUID, newUUID)
		}
	}
	clone.ReferencingObjects = append([]string(nil), original.ReferencingObjects...)

	original.Deleted = true
	original.Dirty = false
	delete(m.items, original.UUID)

	m.items[newUUID] = clone
	clone.SetDirty(true, true)

	m.pendingInserted = append(m.pendingInserted, clone)
	m.pendingSource = LocalSource
	m.scheduleDispatchLocked()

	observers := append([]UUIDChangeObserver(nil), m.uuidChangeObservers...)
	m.mu.Unlock()

	for _, o := range observers {
		o(original.UUID, newUUID)
	}

	return clone, nil
}

// ItemsMatchingContentType returns every non-deleted item of the given
// content_type, for callers (notably the singleton manager) that need a
// cheap type-scoped scan instead of walking the full collection.
func (m *ModelManager) ItemsMatchingContentType(contentType string) []*item.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*item.Item
	for _, it := range m.items {
		if !it.Deleted && it.ContentType == contentType {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == nil || out[j].CreatedAt == nil {
			return out[i].UUID < out[j].UUID
		}
		return out[i].CreatedAt.Before(*out[j].CreatedAt)
	})
	return out
}

// MissedReferenceCount reports how many forward edges are still waiting
// on a target that hasn't arrived. Exposed for tests and diagnostics.
func (m *ModelManager) MissedReferenceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missedReferences)
}

// describeMissed is a debug helper producing "target:holder" strings,
// useful when a test wants to assert on exactly which edges are pending.
func (m *ModelManager) describeMissed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.missedReferences))
	for k := range m.missedReferences {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
