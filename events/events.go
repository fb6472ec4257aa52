// Package events names the events the notekeep core emits and the
// payload shapes carried alongside them.
package events

import "github.com/wrenfield/notekeep/item"

// Name identifies one of the events the core emits to host-registered
// listeners.
type Name string

const (
	LocalDataIncrementalLoad Name = "local-data-incremental-load"
	LocalDataLoaded          Name = "local-data-loaded"
	SyncCompleted            Name = "sync:completed"
	SyncError                Name = "sync:error"
	SyncTakingTooLong        Name = "sync:taking-too-long"
	MajorDataChange          Name = "major-data-change"
	SyncSessionInvalid       Name = "sync-session-invalid"
	SyncException            Name = "sync-exception"
	EnterOutOfSync           Name = "enter-out-of-sync"
	ExitOutOfSync            Name = "exit-out-of-sync"
)

// IncrementalLoadPayload accompanies LocalDataIncrementalLoad.
type IncrementalLoadPayload struct {
	Current int
	Total   int
}

// SyncCompletedPayload accompanies SyncCompleted.
type SyncCompletedPayload struct {
	RetrievedItems []*item.Item
	SavedItems     []*item.Item
}

// SyncErrorPayload accompanies SyncError.
type SyncErrorPayload struct {
	Err error
}

// MajorDataChangePayload accompanies MajorDataChange.
type MajorDataChangePayload struct {
	ChangedCount int
}

// Listener receives an emitted event's name and an untyped payload (one of
// the *Payload types above, or nil for payload-less events).
type Listener func(name Name, payload any)

// Bus fans out emitted events to every registered Listener, in registration
// order. It has no priority concept of its own. The singleton manager does
// not listen on a Bus; it subscribes to the model manager's change feed.
type Bus struct {
	listeners []Listener
}

// NewBus returns an empty event Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l to receive every future emitted event.
func (b *Bus) Subscribe(l Listener) {
	b.listeners = append(b.listeners, l)
}

// Emit fans out name/payload to every registered listener.
func (b *Bus) Emit(name Name, payload any) {
	for _, l := range b.listeners {
		l(name, payload)
	}
}
