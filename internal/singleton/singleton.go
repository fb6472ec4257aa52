// Package singleton enforces "at most one item of this content_type
// satisfying this predicate" constraints registered per content_type: a
// tag named "Work", a single preferences item, a single default folder.
// It resolves duplicates that slip in (two clients creating the same
// singleton offline, then syncing) by keeping the earliest-created match
// and deleting the rest.
package singleton

import (
	"sync"

	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/item"
)

// Manager enforces per-content_type singleton predicates registered on
// an item.TypeRegistry (Capabilities.Singleton). It subscribes to the
// model manager's change feed and, whenever an insert could have created
// a second match for some content_type's singleton predicate, either
// blocks the create (for a concurrent local create still in flight) or
// resolves the existing duplicates down to one.
type Manager struct {
	mgr      *modelmgr.ModelManager
	registry *item.TypeRegistry

	mu          sync.Mutex
	createFlight map[string]bool // content_type -> a create is in flight for it
}

// New constructs a Manager wired to mgr and registry, and subscribes it
// to mgr's change feed immediately.
func New(mgr *modelmgr.ModelManager, registry *item.TypeRegistry) *Manager {
	m := &Manager{mgr: mgr, registry: registry, createFlight: make(map[string]bool)}
	mgr.Subscribe(m.onChange)
	return m
}

// ErrNoCreateBlock reports that a content_type has no registered singleton
// predicate. TryBeginCreate does not return it: for such a content_type it
// returns (nil, true).
var ErrNoCreateBlock = errNoCreateBlock{}

type errNoCreateBlock struct{}

func (errNoCreateBlock) Error() string {
	return "singleton: content_type has no registered singleton predicate"
}

// TryBeginCreate reports whether the caller may proceed creating a new
// item of contentType matching want: it returns the existing item if one
// already satisfies the singleton predicate (the caller should use that
// instead of creating a duplicate), or (nil, true) if the caller should
// go ahead, atomically marking a create in flight so a second concurrent
// caller for the same content_type is told to wait rather than racing a
// duplicate into existence. If want itself does not satisfy the singleton
// predicate, the create is unconstrained and (nil, true) is returned.
func (m *Manager) TryBeginCreate(contentType string, want map[string]any) (existing *item.Item, shouldCreate bool) {
	caps, ok := m.registry.Lookup(contentType)
	if !ok || caps.Singleton == nil || !caps.Singleton(want) {
		return nil, true
	}

	for _, it := range m.mgr.ItemsMatchingContentType(contentType) {
		if caps.Singleton(it.Content) {
			return it, false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFlight[contentType] {
		return nil, false
	}
	m.createFlight[contentType] = true
	return nil, true
}

// EndCreate clears the in-flight flag set by TryBeginCreate, once the
// caller's create has either landed in the model manager or failed.
func (m *Manager) EndCreate(contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.createFlight, contentType)
}

// onChange runs after every model manager dispatch. For each content_type
// touched by inserted or changed items, it checks whether more than one
// surviving item now satisfies that type's singleton predicate and, if
// so, resolves the duplicates.
func (m *Manager) onChange(inserted, changed, deleted []*item.Item, source modelmgr.ChangeSource) {
	touched := make(map[string]bool)
	for _, it := range inserted {
		touched[it.ContentType] = true
	}
	for _, it := range changed {
		touched[it.ContentType] = true
	}
	for contentType := range touched {
		m.resolve(contentType)
	}
}

// resolve walks every item of contentType, groups those satisfying the
// registered singleton predicate, and if more than one exists, keeps the
// one with the earliest CreatedAt (ItemsMatchingContentType already
// returns items in ascending CreatedAt order) and marks the rest deleted
// and dirty so the deletion propagates on the next sync.
func (m *Manager) resolve(contentType string) {
	caps, ok := m.registry.Lookup(contentType)
	if !ok || caps.Singleton == nil {
		return
	}

	var matches []*item.Item
	for _, it := range m.mgr.ItemsMatchingContentType(contentType) {
		if it.ErrorDecrypting {
			// Can't evaluate the predicate against undecryptable content;
			// leave it alone rather than risk deleting the survivor.
			continue
		}
		if caps.Singleton(it.Content) {
			matches = append(matches, it)
		}
	}
	if len(matches) < 2 {
		return
	}

	for _, dup := range matches[1:] {
		dup.Deleted = true
		dup.SetDirty(true, true)
	}
}
