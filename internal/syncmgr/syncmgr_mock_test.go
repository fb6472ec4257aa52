package syncmgr

import (
	"context"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/internal/mock"
	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/store"
	"github.com/wrenfield/notekeep/timer"
	"github.com/wrenfield/notekeep/transport"
)

// TestSync_RetriesTransientTransportErrorUntilSuccess exercises the exact
// call sequence doSyncRequest's backoff.Retry makes: a gomock strict
// expectation (rather than transport.Fake's queue-and-replay) catches it
// if a code change ever causes an extra or missing Post call, not just a
// wrong final result.
func TestSync_RetriesTransientTransportErrorUntilSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mk, ak := testRootKeys(t)
	clock := timer.NewFake()
	mgr := modelmgr.New(item.NewTypeRegistry(), clock)
	driver := store.NewMemory()
	bus := events.NewBus()
	tr := mock.NewMockTransport(ctrl)
	sm := New(mgr, tr, driver, clock, bus, mk, ak)

	want := syncResponse{CursorToken: "cursor-mock"}

	gomock.InOrder(
		tr.EXPECT().
			Post(gomock.Any(), "/items/sync", gomock.Any(), gomock.Any()).
			Return(transport.ErrServer),
		tr.EXPECT().
			Post(gomock.Any(), "/items/sync", gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _ any, out any) error {
				resp, ok := out.(*syncResponse)
				if !ok {
					t.Fatalf("expected out to be *syncResponse, got %T", out)
				}
				*resp = want
				return nil
			}),
	)

	if err := sm.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

// TestSync_PermanentUnauthorizedStopsAfterOneCall asserts the mock only
// ever sees a single Post: ErrUnauthorized is wrapped in backoff.Permanent
// inside doSyncRequest, so retrying it would be a regression this
// expectation catches immediately (ctrl.Finish fails on an unmet or
// over-satisfied expectation).
func TestSync_PermanentUnauthorizedStopsAfterOneCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mk, ak := testRootKeys(t)
	clock := timer.NewFake()
	mgr := modelmgr.New(item.NewTypeRegistry(), clock)
	driver := store.NewMemory()
	bus := events.NewBus()
	tr := mock.NewMockTransport(ctrl)
	sm := New(mgr, tr, driver, clock, bus, mk, ak)

	tr.EXPECT().
		Post(gomock.Any(), "/items/sync", gomock.Any(), gomock.Any()).
		Times(1).
		Return(transport.ErrUnauthorized)

	if err := sm.Sync(context.Background()); err == nil {
		t.Fatalf("expected Sync to fail on unauthorized")
	}
}
