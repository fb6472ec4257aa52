// Package syncmgr is the sync manager: it drives the client-side sync
// protocol against the server transport, reconciling the in-memory item
// graph the model manager owns with whatever the server reports changed.
package syncmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/internal/crypto"
	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/internal/transform"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/store"
	"github.com/wrenfield/notekeep/timer"
	"github.com/wrenfield/notekeep/transport"
)

// PerSyncItemUploadLimit caps how many dirty items are sent to the
// server in a single sync request. Larger upload sets are split across
// consecutive requests so no single request body grows unbounded.
const PerSyncItemUploadLimit = 150

// MaxDiscordanceBeforeOutOfSync is how many consecutive integrity-hash
// mismatches are tolerated before the manager declares itself
// out-of-sync and stops trusting incremental sync responses until a full
// resync resolves the discrepancy.
const MaxDiscordanceBeforeOutOfSync = 5

// watchdogInterval is how often the watchdog timer checks elapsed sync
// duration; watchdogThreshold is how long a sync may run before
// events.SyncTakingTooLong fires.
const (
	watchdogInterval  = 500 * time.Millisecond
	watchdogThreshold = 5 * time.Second
)

// activelyEditedThreshold is how recently an item's ClientUpdatedAt must
// have ticked for the manager to treat it as "still being edited" when
// deciding how to resolve a sync_conflict: an item edited within this
// window keeps the local copy and duplicates the incoming one, rather
// than the other way around.
const activelyEditedThreshold = 20 * time.Second

// ErrSyncLocked is returned by Sync when the manager is locked (e.g.
// during sign-out or account key rotation) and must not start a new
// sync cycle.
var ErrSyncLocked = errors.New("syncmgr: sync is locked")

// syncTokenKey is the KVStore key under which the paging cursor from the
// most recent successful sync is persisted.
const syncTokenKey = "sync_token"

// integrityHashKey is a reserved KVStore key name for the last verified
// integrity hash. Nothing reads or writes it: the discordance counter and
// out-of-sync state live only in memory on the Manager, so a restart
// starts counting mismatches from zero.
const integrityHashKey = "integrity_hash"

// Manager drives one account's sync cycles.
type Manager struct {
	mgr         *modelmgr.ModelManager
	transport   transport.Transport
	driver      store.Driver
	transformer *transform.Transformer
	clock       timer.Timer
	bus         *events.Bus

	rootMK, rootAK []byte

	sf singleflight.Group

	mu                       sync.Mutex
	localLoaded              bool
	syncOpInProgress         bool
	syncLocked               bool
	performSyncAgainOnCompletion bool
	discordanceCount         int
	outOfSync                bool
	cancelWatchdog           func()
}

// New constructs a Manager. rootMK/rootAK are the account's root key pair
// used to decrypt/encrypt every item's wrapped per-item key.
func New(mgr *modelmgr.ModelManager, tr transport.Transport, driver store.Driver, clock timer.Timer, bus *events.Bus, rootMK, rootAK []byte) *Manager {
	return &Manager{
		mgr:         mgr,
		transport:   tr,
		driver:      driver,
		transformer: transform.New(),
		clock:       clock,
		bus:         bus,
		rootMK:      rootMK,
		rootAK:      rootAK,
	}
}

// Lock prevents any further Sync calls from starting a new cycle until
// Unlock is called, returning ErrSyncLocked instead.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked = true
}

// Unlock reverses Lock.
func (m *Manager) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked = false
}

// uploadEnvelope is the wire shape of one dirty item in a sync request.
type uploadEnvelope struct {
	UUID        string     `json:"uuid"`
	ContentType string     `json:"content_type"`
	Content     string     `json:"content"`
	EncItemKey  string     `json:"enc_item_key"`
	Deleted     bool       `json:"deleted"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// syncRequest is the body of a single sync request.
type syncRequest struct {
	Items     []uploadEnvelope `json:"items"`
	SyncToken string           `json:"sync_token,omitempty"`
	Limit     int              `json:"limit"`
}

// conflictEntry describes one item the server rejected due to a
// conflicting update. Kind is either "uuid_conflict" (two different
// items landed on the same UUID) or "sync_conflict" (the server's
// content diverged from what the client's update assumed it was based
// on).
type conflictEntry struct {
	UUID       string `json:"uuid"`
	Kind       string `json:"type"`
	ServerItem struct {
		transform.EncryptedPayload
	} `json:"server_item"`
}

// syncResponse is the body of a sync response.
type syncResponse struct {
	Retrieved     []transform.EncryptedPayload `json:"retrieved_items"`
	Saved         []transform.EncryptedPayload `json:"saved_items"`
	Conflicts     []conflictEntry              `json:"conflicts"`
	CursorToken   string                        `json:"cursor_token"`
	IntegrityHash string                        `json:"integrity_hash"`
}

// loadLocalItems hydrates the model manager from the local item store on
// first use. Concurrent callers within the same process collapse onto a
// single in-flight load via singleflight, so a sign-in racing a manual
// refresh doesn't issue two redundant store reads.
func (m *Manager) loadLocalItems(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.localLoaded
	m.mu.Unlock()
	if loaded {
		return nil
	}
	_, err, _ := m.sf.Do("load-local", func() (any, error) {
		payloads, err := m.driver.Items().AllItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("load local items: %w", err)
		}
		items := make([]*item.Item, 0, len(payloads))
		for _, p := range payloads {
			it, err := m.transformer.Decrypt(p, m.rootMK, m.rootAK)
			if err != nil {
				return nil, fmt.Errorf("decrypt local item %s: %w", p.UUID, err)
			}
			items = append(items, it)
		}
		m.mgr.MapItems(items, modelmgr.LocalSource)
		m.mu.Lock()
		m.localLoaded = true
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// Sync runs one sync cycle: hydrate local items if not already loaded,
// upload dirty items in PerSyncItemUploadLimit-sized batches (one request
// per batch), apply each response, resolve conflicts, verify the
// integrity hash, and persist the result. A failure emits SyncError, and
// a transport.ErrUnauthorized failure also emits SyncSessionInvalid.
// If a sync is already running,
// this call flags performSyncAgainOnCompletion and returns immediately;
// the in-flight cycle will run again once it completes rather than the
// caller racing a second cycle against the first.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncLocked {
		m.mu.Unlock()
		return ErrSyncLocked
	}
	if m.syncOpInProgress {
		m.performSyncAgainOnCompletion = true
		m.mu.Unlock()
		return nil
	}
	m.syncOpInProgress = true
	m.mu.Unlock()

	m.startWatchdog()
	err := m.runCycle(ctx)
	m.stopWatchdog()

	m.mu.Lock()
	m.syncOpInProgress = false
	again := m.performSyncAgainOnCompletion
	m.performSyncAgainOnCompletion = false
	m.mu.Unlock()

	if err != nil {
		m.bus.Emit(events.SyncError, events.SyncErrorPayload{Err: err})
		if errors.Is(err, transport.ErrUnauthorized) {
			m.bus.Emit(events.SyncSessionInvalid, nil)
		}
		return err
	}
	if again {
		return m.Sync(ctx)
	}
	return nil
}

func (m *Manager) runCycle(ctx context.Context) error {
	if err := m.loadLocalItems(ctx); err != nil {
		return err
	}

	dirty := m.mgr.DirtyItems()
	batches := chunkItems(dirty, PerSyncItemUploadLimit)
	if len(batches) == 0 {
		batches = [][]*item.Item{nil}
	}

	token, _ := m.driver.KV().Get(ctx, syncTokenKey)

	var allRetrieved, allSaved []*item.Item
	for _, batch := range batches {
		envelopes, err := m.sealBatch(batch)
		if err != nil {
			return err
		}

		req := syncRequest{Items: envelopes, SyncToken: token, Limit: PerSyncItemUploadLimit}
		resp, err := m.doSyncRequest(ctx, req)
		if err != nil {
			return err
		}

		retrieved, saved, err := m.applyResponse(ctx, resp)
		if err != nil {
			return err
		}
		allRetrieved = append(allRetrieved, retrieved...)
		allSaved = append(allSaved, saved...)
		token = resp.CursorToken
	}

	if err := m.driver.KV().Set(ctx, syncTokenKey, token); err != nil {
		return fmt.Errorf("persist sync token: %w", err)
	}

	m.bus.Emit(events.SyncCompleted, events.SyncCompletedPayload{RetrievedItems: allRetrieved, SavedItems: allSaved})
	if len(allRetrieved) > 0 {
		m.bus.Emit(events.MajorDataChange, events.MajorDataChangePayload{ChangedCount: len(allRetrieved)})
	}
	return nil
}

// sealBatch encrypts each dirty item in batch into an uploadEnvelope and
// resets its dirtyCount to 0 at the moment of dispatch, leaving the Dirty
// flag itself untouched. applyResponse compares dirtyCount against 0 once
// the response for this item returns: an edit landing mid-flight bumps
// dirtyCount again, so the item stays dirty and re-enters the next cycle
// instead of being silently dropped.
func (m *Manager) sealBatch(batch []*item.Item) ([]uploadEnvelope, error) {
	out := make([]uploadEnvelope, 0, len(batch))
	for _, it := range batch {
		payload, err := m.transformer.Encrypt(it, m.rootMK, m.rootAK)
		if err != nil {
			return nil, fmt.Errorf("encrypt dirty item %s: %w", it.UUID, err)
		}
		out = append(out, uploadEnvelope{
			UUID:        payload.UUID,
			ContentType: payload.ContentType,
			Content:     payload.Content,
			EncItemKey:  payload.EncItemKey,
			Deleted:     payload.Deleted,
			UpdatedAt:   payload.UpdatedAt,
		})
		it.DirtyCount = 0
	}
	return out, nil
}

// doSyncRequest posts req to the server, retrying transient failures
// (anything but transport.ErrUnauthorized) with exponential backoff.
func (m *Manager) doSyncRequest(ctx context.Context, req syncRequest) (*syncResponse, error) {
	op := func() (*syncResponse, error) {
		var resp syncResponse
		err := m.transport.Post(ctx, "/items/sync", req, &resp)
		if err != nil {
			if errors.Is(err, transport.ErrUnauthorized) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return &resp, nil
	}
	return backoff.Retry(ctx, op, backoff.WithMaxTries(5))
}

// applyResponse folds one sync response into the model manager: decrypt
// retrieved/saved items, clear dirty flags for saves no mutation touched
// while the request was in flight, map retrieved then saved items into
// the collection (either map skips an item whose local copy is still
// dirty), resolve conflicts against a frozen pre-mapping snapshot of each
// conflicting item (which may re-dirty, duplicate, or alternate the UUID
// of an item), then verify the integrity hash over the resulting
// collection before returning.
func (m *Manager) applyResponse(ctx context.Context, resp *syncResponse) (retrieved, saved []*item.Item, err error) {
	retrievedItems := make([]*item.Item, 0, len(resp.Retrieved))
	for i := range resp.Retrieved {
		it, decErr := m.transformer.Decrypt(&resp.Retrieved[i], m.rootMK, m.rootAK)
		if decErr != nil {
			return nil, nil, fmt.Errorf("decrypt retrieved item: %w", decErr)
		}
		retrievedItems = append(retrievedItems, it)
	}
	savedItems := make([]*item.Item, 0, len(resp.Saved))
	for i := range resp.Saved {
		it, decErr := m.transformer.Decrypt(&resp.Saved[i], m.rootMK, m.rootAK)
		if decErr != nil {
			return nil, nil, fmt.Errorf("decrypt saved item: %w", decErr)
		}
		savedItems = append(savedItems, it)
	}

	frozen := m.freezeConflictContent(resp.Conflicts)

	for _, it := range savedItems {
		if existing := m.mgr.Find(it.UUID); existing != nil && existing.DirtyCount == 0 {
			existing.SetDirty(false, false)
		}
	}

	m.mgr.MapItems(retrievedItems, modelmgr.RemoteSource)
	m.mgr.MapItems(savedItems, modelmgr.RemoteSource)

	if err := m.resolveConflicts(resp.Conflicts, frozen); err != nil {
		return nil, nil, err
	}

	if err := m.verifyIntegrity(ctx, resp.IntegrityHash); err != nil {
		return nil, nil, err
	}

	if err := m.persist(ctx, append(append([]*item.Item{}, retrievedItems...), savedItems...)); err != nil {
		return nil, nil, err
	}

	return retrievedItems, savedItems, nil
}

// freezeConflictContent captures a snapshot of each conflicting item's
// current local content before any mapping for this response happens.
// Conflicts must be frozen as a batch up front: resolving conflict N can
// mutate an item that conflict N+1 also names (e.g. two conflicts
// touching the same reference graph), so comparing against a snapshot
// taken lazily, one conflict at a time, would let an earlier resolution
// bleed into a later one's "what did local look like" comparison.
func (m *Manager) freezeConflictContent(conflicts []conflictEntry) map[string]map[string]any {
	frozen := make(map[string]map[string]any, len(conflicts))
	for _, c := range conflicts {
		if _, ok := frozen[c.UUID]; ok {
			continue
		}
		local := m.mgr.Find(c.UUID)
		if local == nil {
			continue
		}
		content, err := local.ContentCopy()
		if err != nil {
			continue
		}
		frozen[c.UUID] = content
	}
	return frozen
}

// resolveConflicts handles each conflict the server reported, using the
// content each conflicting item held before this response's items were
// mapped (frozen) to decide how local and server content compared at the
// moment the conflict arose.
func (m *Manager) resolveConflicts(conflicts []conflictEntry, frozen map[string]map[string]any) error {
	for _, c := range conflicts {
		serverItem, err := m.transformer.Decrypt(&c.ServerItem.EncryptedPayload, m.rootMK, m.rootAK)
		if err != nil {
			return fmt.Errorf("decrypt conflicting server item %s: %w", c.UUID, err)
		}

		switch c.Kind {
		case "uuid_conflict":
			if err := m.resolveUUIDConflict(c, serverItem); err != nil {
				return err
			}
		case "sync_conflict":
			if err := m.resolveSyncConflict(c, serverItem, frozen[c.UUID]); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveUUIDConflict handles two different items having raced onto the
// same UUID: the local item is re-issued a fresh UUID (its reference
// graph rewritten along with it) so no data is lost, and the server's
// version takes over the original UUID slot.
func (m *Manager) resolveUUIDConflict(c conflictEntry, serverItem *item.Item) error {
	if local := m.mgr.Find(c.UUID); local != nil {
		newUUID := uuidGenerator.Generate()
		if _, err := m.mgr.AlternateUUID(local, newUUID); err != nil {
			return err
		}
	}
	m.mgr.MapItemsAuthoritative([]*item.Item{serverItem}, modelmgr.RemoteSource)
	return nil
}

// resolveSyncConflict handles the server's content having diverged from
// what the client's update assumed it was based on. Either side being
// deleted always lets the server win outright (there is nothing local to
// preserve). Otherwise: if the frozen local content the client uploaded
// already differed from the server's at the time of the conflict, the
// outcome depends on whether the local item was still being actively
// edited — actively edited keeps local in place and duplicates the
// server's content as a new item; not actively edited lets the server
// take the original UUID and duplicates local's content instead. If the
// frozen content matched the server but local has since moved on (a
// concurrent edit arrived mid-flight), a reference-only difference keeps
// local with no duplicate at all, while any other difference falls back
// to the not-actively-edited outcome.
func (m *Manager) resolveSyncConflict(c conflictEntry, serverItem *item.Item, frozenContent map[string]any) error {
	local := m.mgr.Find(c.UUID)

	if local == nil || local.Deleted || serverItem.Deleted {
		m.mgr.MapItemsAuthoritative([]*item.Item{serverItem}, modelmgr.RemoteSource)
		return nil
	}

	if frozenContent == nil {
		frozenContent = map[string]any{}
	}
	frozenItem := &item.Item{ContentType: local.ContentType, Content: frozenContent}

	if !frozenItem.ContentEqual(serverItem) {
		if m.isActivelyEdited(local) {
			return m.duplicateServerAsConflict(local, serverItem)
		}
		return m.keepServerDuplicateLocal(local, serverItem)
	}

	if !local.ContentEqual(serverItem) {
		if local.ContentEqual(serverItem, item.ReferencesKey) {
			// Only the reference graph diverged after the conflict was
			// frozen: local wins, nothing to duplicate.
			return nil
		}
		return m.keepServerDuplicateLocal(local, serverItem)
	}

	m.mgr.MapItemsAuthoritative([]*item.Item{serverItem}, modelmgr.RemoteSource)
	return nil
}

// duplicateServerAsConflict keeps local in place — it was actively being
// edited — and materializes the server's version as a new conflict-marked
// duplicate under a fresh UUID.
func (m *Manager) duplicateServerAsConflict(local, serverItem *item.Item) error {
	newUUID := uuidGenerator.Generate()
	_, err := m.mgr.DuplicateContentAsConflict(serverItem.Content, serverItem.ContentType, newUUID, local.UUID)
	return err
}

// keepServerDuplicateLocal lets the server's version take over the
// original UUID and preserves local's current content as a sibling
// conflict duplicate under a fresh UUID.
func (m *Manager) keepServerDuplicateLocal(local, serverItem *item.Item) error {
	newUUID := uuidGenerator.Generate()
	localContent, err := local.ContentCopy()
	if err != nil {
		return err
	}
	if _, err := m.mgr.DuplicateContentAsConflict(localContent, local.ContentType, newUUID, local.UUID); err != nil {
		return err
	}
	m.mgr.MapItemsAuthoritative([]*item.Item{serverItem}, modelmgr.RemoteSource)
	return nil
}

func (m *Manager) isActivelyEdited(it *item.Item) bool {
	ts := it.ClientUpdatedAt()
	if ts == nil {
		return false
	}
	return time.Since(*ts) < activelyEditedThreshold
}

// verifyIntegrity recomputes the SHA-256 over every known non-deleted
// item's UpdatedAt (sorted ascending, RFC3339Nano-formatted) and compares
// it to the server-reported serverHash. A mismatch increments the
// discordance counter; reaching MaxDiscordanceBeforeOutOfSync flips the
// manager into the out-of-sync state and emits events.EnterOutOfSync. A
// match while out-of-sync clears the state and emits events.ExitOutOfSync.
func (m *Manager) verifyIntegrity(ctx context.Context, serverHash string) error {
	if serverHash == "" {
		return nil
	}
	localHash := m.computeIntegrityHash()

	m.mu.Lock()
	defer m.mu.Unlock()

	if localHash == serverHash {
		m.discordanceCount = 0
		if m.outOfSync {
			m.outOfSync = false
			m.bus.Emit(events.ExitOutOfSync, nil)
		}
		return nil
	}

	m.discordanceCount++
	if m.discordanceCount >= MaxDiscordanceBeforeOutOfSync && !m.outOfSync {
		m.outOfSync = true
		m.bus.Emit(events.EnterOutOfSync, nil)
	}
	return nil
}

func (m *Manager) computeIntegrityHash() string {
	var timestamps []string
	for _, it := range m.mgr.All() {
		if it.UpdatedAt == nil {
			continue
		}
		timestamps = append(timestamps, it.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(timestamps)
	h := sha256.New()
	for _, ts := range timestamps {
		h.Write([]byte(ts))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsOutOfSync reports whether the manager currently believes its local
// state has drifted from the server beyond what incremental sync can
// resolve.
func (m *Manager) IsOutOfSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outOfSync
}

// ResolveOutOfSync discards the local sync token, forcing the next Sync
// call to page through the server's full item set from the beginning
// rather than trusting the incremental cursor.
func (m *Manager) ResolveOutOfSync(ctx context.Context) error {
	if err := m.driver.KV().Remove(ctx, syncTokenKey); err != nil {
		return fmt.Errorf("clear sync token: %w", err)
	}
	m.mu.Lock()
	m.outOfSync = false
	m.discordanceCount = 0
	m.mu.Unlock()
	return nil
}

// persist writes every item in items to the local item store, re-encrypted
// under the account's current root key, so the local store always holds
// the merged, decrypted-then-re-encrypted truth rather than whatever
// envelope the server happened to send (which may have been encrypted by
// a different client using an older format version).
func (m *Manager) persist(ctx context.Context, items []*item.Item) error {
	if len(items) == 0 {
		return nil
	}
	payloads := make([]*transform.EncryptedPayload, 0, len(items))
	for _, it := range items {
		if it.ErrorDecrypting {
			continue
		}
		payload, err := m.transformer.Encrypt(it, m.rootMK, m.rootAK)
		if err != nil {
			return fmt.Errorf("re-encrypt item %s for persistence: %w", it.UUID, err)
		}
		payloads = append(payloads, payload)
	}
	if len(payloads) == 0 {
		return nil
	}
	return m.driver.Items().SaveItems(ctx, payloads...)
}

// startWatchdog arms a timer that checks, every watchdogInterval,
// whether the current sync has been running longer than
// watchdogThreshold, and if so emits events.SyncTakingTooLong exactly
// once per cycle.
func (m *Manager) startWatchdog() {
	start := time.Now()
	fired := false
	cancel := m.clock.SetInterval(watchdogInterval, func() {
		if fired {
			return
		}
		if time.Since(start) >= watchdogThreshold {
			fired = true
			m.bus.Emit(events.SyncTakingTooLong, nil)
		}
	})
	m.mu.Lock()
	m.cancelWatchdog = cancel
	m.mu.Unlock()
}

func (m *Manager) stopWatchdog() {
	m.mu.Lock()
	cancel := m.cancelWatchdog
	m.cancelWatchdog = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func chunkItems(items []*item.Item, size int) [][]*item.Item {
	if len(items) == 0 {
		return nil
	}
	var out [][]*item.Item
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// uuidGenerator mints fresh UUIDs for conflict resolution: a losing local
// item (uuid_conflict) or a duplicated conflict sibling (sync_conflict)
// keeps its content under a new identity instead of being discarded.
var uuidGenerator = crypto.NewUUIDGenerator()
