package singleton

import (
	"testing"
	"time"

	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/timer"
)

func tagNamed(name string) func(content map[string]any) bool {
	return func(content map[string]any) bool {
		title, _ := content["title"].(string)
		return title == name
	}
}

func newTestManager() (*Manager, *modelmgr.ModelManager) {
	registry := item.NewTypeRegistry()
	registry.Register("Tag", item.Capabilities{Singleton: func(content map[string]any) bool {
		title, _ := content["title"].(string)
		return title == "Work"
	}})
	mgr := modelmgr.New(registry, timer.NewFake())
	return New(mgr, registry), mgr
}

func TestTryBeginCreate_BlocksWhenExistingMatchPresent(t *testing.T) {
	sm, mgr := newTestManager()

	existing := item.New("tag-1", "Tag")
	existing.Content["title"] = "Work"
	mgr.MapItems([]*item.Item{existing}, modelmgr.RemoteSource)

	got, shouldCreate := sm.TryBeginCreate("Tag", map[string]any{"title": "Work"})
	if shouldCreate {
		t.Fatalf("expected create to be blocked by the existing match")
	}
	if got == nil || got.UUID != "tag-1" {
		t.Fatalf("expected existing match returned, got %+v", got)
	}
}

func TestTryBeginCreate_AllowsWhenNoneExistsAndNoneInFlight(t *testing.T) {
	sm, _ := newTestManager()

	_, shouldCreate := sm.TryBeginCreate("Tag", map[string]any{"title": "Work"})
	if !shouldCreate {
		t.Fatalf("expected create to be allowed")
	}

	_, shouldCreateAgain := sm.TryBeginCreate("Tag", map[string]any{"title": "Work"})
	if shouldCreateAgain {
		t.Fatalf("expected a second concurrent create for the same type to be blocked while one is in flight")
	}

	sm.EndCreate("Tag")
	_, shouldCreateAfterEnd := sm.TryBeginCreate("Tag", map[string]any{"title": "Work"})
	if !shouldCreateAfterEnd {
		t.Fatalf("expected create to be allowed again after EndCreate")
	}
}

func TestTryBeginCreate_UnregisteredContentTypeAlwaysAllows(t *testing.T) {
	sm, _ := newTestManager()
	_, shouldCreate := sm.TryBeginCreate("Note", map[string]any{})
	if !shouldCreate {
		t.Fatalf("expected unregistered content_type to never block creates")
	}
}

func TestResolve_KeepsEarliestCreatedAndDeletesRest(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	first := item.New("tag-a", "Tag")
	first.Content["title"] = "Work"
	first.CreatedAt = &early

	second := item.New("tag-b", "Tag")
	second.Content["title"] = "Work"
	second.CreatedAt = &late

	clock := timer.NewFake()
	mgr2 := modelmgr.New(item.NewTypeRegistry(), clock)
	registry := item.NewTypeRegistry()
	registry.Register("Tag", item.Capabilities{Singleton: tagNamed("Work")})
	sm2 := New(mgr2, registry)
	_ = sm2

	mgr2.MapItems([]*item.Item{first, second}, modelmgr.RemoteSource)
	clock.Advance(0)

	a := mgr2.Find("tag-a")
	b := mgr2.Find("tag-b")
	if a.Deleted {
		t.Fatalf("expected the earliest-created duplicate to survive")
	}
	if !b.Deleted || !b.Dirty {
		t.Fatalf("expected the later duplicate to be deleted and dirty, got deleted=%v dirty=%v", b.Deleted, b.Dirty)
	}
}
