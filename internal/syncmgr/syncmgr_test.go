package syncmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/internal/crypto"
	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/internal/transform"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/store"
	"github.com/wrenfield/notekeep/timer"
	"github.com/wrenfield/notekeep/transport"
)

func testRootKeys(t *testing.T) (mk, ak []byte) {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	return crypto.DeriveAccountKeys("correct horse battery staple", salt, 1000)
}

func newTestRig(t *testing.T) (*Manager, *modelmgr.ModelManager, *transport.Fake, *store.Memory, []byte, []byte) {
	t.Helper()
	mk, ak := testRootKeys(t)
	clock := timer.NewFake()
	mgr := modelmgr.New(item.NewTypeRegistry(), clock)
	fake := transport.NewFake()
	driver := store.NewMemory()
	bus := events.NewBus()
	sm := New(mgr, fake, driver, clock, bus, mk, ak)
	return sm, mgr, fake, driver, mk, ak
}

func sealedPayload(t *testing.T, tr *transform.Transformer, it *item.Item, mk, ak []byte) transform.EncryptedPayload {
	t.Helper()
	p, err := tr.Encrypt(it, mk, ak)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return *p
}

func TestSync_EmptyCycleCompletesAndEmits(t *testing.T) {
	sm, _, fake, _, _, _ := newTestRig(t)

	var completed bool
	sm.bus.Subscribe(func(name events.Name, payload any) {
		if name == events.SyncCompleted {
			completed = true
		}
	})

	fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{CursorToken: "cursor-1"}})

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !completed {
		t.Fatalf("expected sync:completed to be emitted")
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("expected exactly one sync request for an empty local set, got %d", len(fake.Calls))
	}
}

func TestSync_UploadsDirtyItemAndClearsDirtyFlagOnceServerConfirms(t *testing.T) {
	sm, mgr, fake, _, mk, ak := newTestRig(t)
	tr := transform.New()

	note := item.New("note-1", "Note")
	note.Content["title"] = "hello"
	note.SetDirty(true, true)
	mgr.CreateItem(note)

	saved := sealedPayload(t, tr, note, mk, ak)
	fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{
		Saved:       []transform.EncryptedPayload{saved},
		CursorToken: "cursor-1",
	}})

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if note.Dirty {
		t.Fatalf("expected dirty item to be cleared once the server confirmed the save")
	}
	if note.DirtyCount != 0 {
		t.Fatalf("expected dirtyCount reset to 0, got %d", note.DirtyCount)
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("expected one request, got %d", len(fake.Calls))
	}
}

func TestSync_DirtyItemStaysDirtyIfMutatedMidFlight(t *testing.T) {
	sm, mgr, _, _, mk, ak := newTestRig(t)
	tr := transform.New()

	note := item.New("note-1", "Note")
	note.Content["title"] = "hello"
	note.SetDirty(true, true)
	mgr.CreateItem(note)

	if _, err := sm.sealBatch([]*item.Item{note}); err != nil {
		t.Fatalf("seal batch: %v", err)
	}
	if note.DirtyCount != 0 {
		t.Fatalf("expected dirtyCount reset to 0 at dispatch, got %d", note.DirtyCount)
	}

	// A concurrent edit lands while the request is in flight.
	note.SetDirty(true, false)

	saved := sealedPayload(t, tr, note, mk, ak)
	_, _, err := sm.applyResponse(context.Background(), &syncResponse{
		Saved:       []transform.EncryptedPayload{saved},
		CursorToken: "cursor-1",
	})
	if err != nil {
		t.Fatalf("apply response: %v", err)
	}

	if !note.Dirty {
		t.Fatalf("expected item mutated mid-flight to remain dirty for the next cycle")
	}
	if note.DirtyCount == 0 {
		t.Fatalf("expected dirtyCount to reflect the mid-flight mutation")
	}
}

func TestSync_RetrievedItemIsMappedIntoCollection(t *testing.T) {
	sm, mgr, fake, _, mk, ak := newTestRig(t)
	tr := transform.New()

	remote := item.New("note-remote", "Note")
	remote.Content["title"] = "from server"
	payload := sealedPayload(t, tr, remote, mk, ak)

	fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{
		Retrieved:   []transform.EncryptedPayload{payload},
		CursorToken: "cursor-1",
	}})

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := mgr.Find("note-remote")
	if got == nil || got.Content["title"] != "from server" {
		t.Fatalf("expected retrieved item mapped into collection, got %+v", got)
	}
}

func TestSync_PersistsRetrievedItemToLocalStore(t *testing.T) {
	sm, _, fake, driver, mk, ak := newTestRig(t)
	tr := transform.New()

	remote := item.New("note-remote", "Note")
	remote.Content["title"] = "from server"
	payload := sealedPayload(t, tr, remote, mk, ak)

	fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{
		Retrieved:   []transform.EncryptedPayload{payload},
		CursorToken: "cursor-1",
	}})

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := driver.Items().GetItem(context.Background(), "note-remote")
	if err != nil {
		t.Fatalf("expected item persisted locally: %v", err)
	}
	reDecrypted, err := tr.Decrypt(stored, mk, ak)
	if err != nil {
		t.Fatalf("decrypt persisted item: %v", err)
	}
	if reDecrypted.Content["title"] != "from server" {
		t.Fatalf("expected persisted content to match, got %+v", reDecrypted.Content)
	}
}

func TestSync_Locked(t *testing.T) {
	sm, _, _, _, _, _ := newTestRig(t)
	sm.Lock()
	if err := sm.Sync(context.Background()); !errors.Is(err, ErrSyncLocked) {
		t.Fatalf("expected ErrSyncLocked, got %v", err)
	}
	sm.Unlock()
}

func TestSync_AlreadyInProgressFlagsRerunInsteadOfRacing(t *testing.T) {
	sm, _, _, _, _, _ := newTestRig(t)

	sm.mu.Lock()
	sm.syncOpInProgress = true
	sm.mu.Unlock()

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sm.mu.Lock()
	again := sm.performSyncAgainOnCompletion
	sm.mu.Unlock()
	if !again {
		t.Fatalf("expected performSyncAgainOnCompletion to be set instead of racing a second cycle")
	}
}

func TestSync_UnauthorizedDoesNotRetry(t *testing.T) {
	sm, _, fake, _, _, _ := newTestRig(t)
	fake.Script("/items/sync", transport.FakeResponse{Err: transport.ErrUnauthorized})

	err := sm.Sync(context.Background())
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized to propagate, got %v", err)
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("expected exactly one attempt for a 401, got %d", len(fake.Calls))
	}
}

func TestResolveConflicts_UUIDConflictDuplicatesLocalAndAdoptsServerVersion(t *testing.T) {
	sm, mgr, fake, _, mk, ak := newTestRig(t)
	tr := transform.New()

	local := item.New("shared-uuid", "Note")
	local.Content["title"] = "local version"
	mgr.CreateItem(local)

	serverVersion := item.New("shared-uuid", "Note")
	serverVersion.Content["title"] = "server version"
	payload := sealedPayload(t, tr, serverVersion, mk, ak)

	var conflict conflictEntry
	conflict.UUID = "shared-uuid"
	conflict.Kind = "uuid_conflict"
	conflict.ServerItem.EncryptedPayload = payload

	fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{
		Conflicts:   []conflictEntry{conflict},
		CursorToken: "cursor-1",
	}})

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	winner := mgr.Find("shared-uuid")
	if winner == nil || winner.Content["title"] != "server version" {
		t.Fatalf("expected server version to win the uuid slot, got %+v", winner)
	}

	found := false
	for _, it := range mgr.All() {
		if it.UUID != "shared-uuid" && it.ContentType == "Note" && it.Content["title"] == "local version" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected local version preserved under a new uuid")
	}
}

func TestResolveSyncConflict_ActivelyEditedKeepsLocalAndDuplicatesServer(t *testing.T) {
	sm, mgr, _, _, _, _ := newTestRig(t)

	local := item.New("shared-uuid", "Note")
	local.Content["title"] = "local edit"
	local.SetDirty(true, true) // recently stamped client_updated_at: actively edited
	mgr.CreateItem(local)

	serverItem := item.New("shared-uuid", "Note")
	serverItem.Content["title"] = "server edit"

	frozen, err := local.ContentCopy()
	if err != nil {
		t.Fatalf("content copy: %v", err)
	}

	conflict := conflictEntry{UUID: "shared-uuid", Kind: "sync_conflict"}
	if err := sm.resolveSyncConflict(conflict, serverItem, frozen); err != nil {
		t.Fatalf("resolveSyncConflict: %v", err)
	}

	kept := mgr.Find("shared-uuid")
	if kept == nil || kept.Content["title"] != "local edit" {
		t.Fatalf("expected the actively edited local item to keep its uuid and content, got %+v", kept)
	}

	var dup *item.Item
	for _, it := range mgr.All() {
		if it.UUID != "shared-uuid" && it.ContentType == "Note" {
			dup = it
		}
	}
	if dup == nil || dup.Content["title"] != "server edit" {
		t.Fatalf("expected server content duplicated under a new uuid, got %+v", dup)
	}
	if dup.Content["conflict_of"] != "shared-uuid" {
		t.Fatalf("expected duplicate to record conflict_of=shared-uuid, got %+v", dup.Content["conflict_of"])
	}
}

func TestResolveSyncConflict_NotActivelyEditedKeepsServerAndDuplicatesLocal(t *testing.T) {
	sm, mgr, _, _, _, _ := newTestRig(t)

	local := item.New("shared-uuid", "Note")
	local.Content["title"] = "stale local edit"
	local.Content["appData"] = map[string]any{
		"client_updated_at": time.Now().Add(-time.Hour).Format(time.RFC3339Nano),
	}
	mgr.CreateItem(local)

	serverItem := item.New("shared-uuid", "Note")
	serverItem.Content["title"] = "server edit"

	frozen, err := local.ContentCopy()
	if err != nil {
		t.Fatalf("content copy: %v", err)
	}

	conflict := conflictEntry{UUID: "shared-uuid", Kind: "sync_conflict"}
	if err := sm.resolveSyncConflict(conflict, serverItem, frozen); err != nil {
		t.Fatalf("resolveSyncConflict: %v", err)
	}

	winner := mgr.Find("shared-uuid")
	if winner == nil || winner.Content["title"] != "server edit" {
		t.Fatalf("expected server content to take over the original uuid, got %+v", winner)
	}

	var dup *item.Item
	for _, it := range mgr.All() {
		if it.UUID != "shared-uuid" && it.ContentType == "Note" {
			dup = it
		}
	}
	if dup == nil || dup.Content["title"] != "stale local edit" {
		t.Fatalf("expected local content preserved as a duplicate, got %+v", dup)
	}
	if dup.Content["conflict_of"] != "shared-uuid" {
		t.Fatalf("expected duplicate to record conflict_of=shared-uuid, got %+v", dup.Content["conflict_of"])
	}
}

func TestResolveSyncConflict_ReferenceOnlyDivergenceKeepsLocalWithoutDuplicate(t *testing.T) {
	sm, mgr, _, _, _, _ := newTestRig(t)

	tag := item.New("tag-1", "Tag")
	mgr.CreateItem(tag)

	local := item.New("shared-uuid", "Note")
	local.Content["title"] = "same title"
	mgr.CreateItem(local)

	serverItem := item.New("shared-uuid", "Note")
	serverItem.Content["title"] = "same title"

	// Frozen content matched the server at the moment the conflict arose...
	frozen, err := local.ContentCopy()
	if err != nil {
		t.Fatalf("content copy: %v", err)
	}

	// ...but a reference arrived on local afterwards, so current local now
	// diverges from the server purely in its reference graph.
	local.AddItemAsRelationship(tag, "TagToItem")

	before := len(mgr.All())
	conflict := conflictEntry{UUID: "shared-uuid", Kind: "sync_conflict"}
	if err := sm.resolveSyncConflict(conflict, serverItem, frozen); err != nil {
		t.Fatalf("resolveSyncConflict: %v", err)
	}

	kept := mgr.Find("shared-uuid")
	if kept == nil || len(kept.References()) != 1 {
		t.Fatalf("expected local kept with its reference intact, got %+v", kept)
	}
	if len(mgr.All()) != before {
		t.Fatalf("expected no conflict duplicate created for a reference-only divergence")
	}
}

func TestResolveSyncConflict_EitherSideDeletedServerWins(t *testing.T) {
	sm, mgr, _, _, _, _ := newTestRig(t)

	local := item.New("shared-uuid", "Note")
	local.Content["title"] = "local edit"
	local.Deleted = true
	mgr.CreateItem(local)

	serverItem := item.New("shared-uuid", "Note")
	serverItem.Content["title"] = "server edit"

	conflict := conflictEntry{UUID: "shared-uuid", Kind: "sync_conflict"}
	if err := sm.resolveSyncConflict(conflict, serverItem, nil); err != nil {
		t.Fatalf("resolveSyncConflict: %v", err)
	}

	winner := mgr.Find("shared-uuid")
	if winner == nil || winner.Content["title"] != "server edit" {
		t.Fatalf("expected server version to win when either side is deleted, got %+v", winner)
	}
}

func TestVerifyIntegrity_EntersOutOfSyncAfterRepeatedMismatch(t *testing.T) {
	sm, mgr, fake, _, _, _ := newTestRig(t)

	var enteredOutOfSync bool
	sm.bus.Subscribe(func(name events.Name, payload any) {
		if name == events.EnterOutOfSync {
			enteredOutOfSync = true
		}
	})

	note := item.New("note-1", "Note")
	updated := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	note.UpdatedAt = &updated
	mgr.MapItems([]*item.Item{note}, modelmgr.RemoteSource)

	for i := 0; i < MaxDiscordanceBeforeOutOfSync; i++ {
		fake.Script("/items/sync", transport.FakeResponse{Body: syncResponse{
			CursorToken:   "cursor-1",
			IntegrityHash: "deliberately-wrong-hash",
		}})
		if err := sm.Sync(context.Background()); err != nil {
			t.Fatalf("unexpected error on iteration %d: %v", i, err)
		}
	}

	if !sm.IsOutOfSync() {
		t.Fatalf("expected manager to be out of sync after %d mismatches", MaxDiscordanceBeforeOutOfSync)
	}
	if !enteredOutOfSync {
		t.Fatalf("expected events.EnterOutOfSync to have been emitted")
	}
}

func TestResolveOutOfSync_ClearsStateAndSyncToken(t *testing.T) {
	sm, _, _, driver, _, _ := newTestRig(t)

	sm.mu.Lock()
	sm.outOfSync = true
	sm.discordanceCount = MaxDiscordanceBeforeOutOfSync
	sm.mu.Unlock()
	_ = driver.KV().Set(context.Background(), syncTokenKey, "stale-token")

	if err := sm.ResolveOutOfSync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm.IsOutOfSync() {
		t.Fatalf("expected out-of-sync state cleared")
	}
	if _, err := driver.KV().Get(context.Background(), syncTokenKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sync token cleared, got err=%v", err)
	}
}
