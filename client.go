// Package notekeep is the client-side encrypted item-sync library: a host
// application registers its content types, constructs a Client, and gets
// back an in-memory, conflict-resolving, encrypted-at-rest item graph that
// stays reconciled with a server over the transport and store it supplies.
//
// A Client wires together the model manager (the in-memory item graph),
// the singleton manager (at-most-one-item-per-predicate enforcement), and
// the sync manager (the wire protocol against transport.Transport), the
// way a host application would otherwise have to wire them by hand.
package notekeep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/internal/crypto"
	"github.com/wrenfield/notekeep/internal/logger"
	"github.com/wrenfield/notekeep/internal/modelmgr"
	"github.com/wrenfield/notekeep/internal/singleton"
	"github.com/wrenfield/notekeep/internal/syncmgr"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/store"
	"github.com/wrenfield/notekeep/timer"
	"github.com/wrenfield/notekeep/transport"
)

// Client is the client-side service container: it groups the model
// manager, the singleton manager, and the sync manager behind the public
// CRUD and sync operations a host application calls.
type Client struct {
	// Registry is the content-type capability table the host populated
	// before calling New. Exported so a host can look up its own
	// capabilities at runtime if needed.
	Registry *item.TypeRegistry

	// Models is the in-memory item graph. Exported for hosts that want to
	// Subscribe directly or run ad-hoc queries beyond the CRUD helpers.
	Models *modelmgr.ModelManager

	// Sync drives the wire protocol. Exported so a host can call
	// Sync.IsOutOfSync / Sync.ResolveOutOfSync directly.
	Sync *syncmgr.Manager

	// Bus is the event stream a host subscribes to for sync completion,
	// errors, and out-of-sync transitions.
	Bus *events.Bus

	singletons *singleton.Manager
	uuids      *crypto.UUIDGenerator
	clock      timer.Timer
	log        *logger.Logger

	job clientSyncJob
}

// New constructs a Client wired to registry, tr, and driver, ready to
// create/read/update/delete items and run sync cycles. rootMK/rootAK are
// the account's root key pair (see DeriveAccountKeys) used to wrap every
// item's per-item key. log may be nil, in which case logging is
// discarded.
//
// Wiring order mirrors the dependency chain: the model manager has no
// dependencies of its own; the singleton manager subscribes to the model
// manager's change feed; the sync manager drives both through the
// transport and store.
func New(registry *item.TypeRegistry, tr transport.Transport, driver store.Driver, rootMK, rootAK []byte, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	clock := timer.NewReal()
	bus := events.NewBus()

	models := modelmgr.New(registry, clock)
	singletons := singleton.New(models, registry)
	sm := syncmgr.New(models, tr, driver, clock, bus, rootMK, rootAK)

	c := &Client{
		Registry:   registry,
		Models:     models,
		Sync:       sm,
		Bus:        bus,
		singletons: singletons,
		uuids:      crypto.NewUUIDGenerator(),
		clock:      clock,
		log:        log.Child(),
	}
	c.job.client = c
	return c
}

// DeriveAccountKeys derives the account's root master key and root auth
// key from password and salt, for passing to New as rootMK/rootAK. Hosts
// should persist salt (see crypto.GenerateSalt) alongside the account and
// never persist password or the derived keys themselves.
func DeriveAccountKeys(password string, salt []byte, iterations int) (rootMK, rootAK []byte) {
	return crypto.DeriveAccountKeys(password, salt, iterations)
}

// CreateItem creates a new item of contentType with the given content,
// enforcing any singleton predicate registry has registered for
// contentType: if one already exists, that existing item is returned
// instead of creating a duplicate. Returns an error if a concurrent
// create for the same singleton content_type is already in flight.
func (c *Client) CreateItem(contentType string, content map[string]any) (*item.Item, error) {
	existing, shouldCreate := c.singletons.TryBeginCreate(contentType, content)
	if !shouldCreate {
		if existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("notekeep: create already in flight for content_type %q", contentType)
	}
	defer c.singletons.EndCreate(contentType)

	it := item.New(c.uuids.Generate(), contentType)
	if err := it.UpdateFromJSON(content); err != nil {
		return nil, fmt.Errorf("notekeep: set content for new %s item: %w", contentType, err)
	}
	it.SetDirty(true, true)
	c.Models.CreateItem(it)
	return it, nil
}

// Get returns the item with the given uuid, or nil if unknown.
func (c *Client) Get(uuid string) *item.Item {
	return c.Models.Find(uuid)
}

// GetAll returns every non-deleted item of contentType currently known.
func (c *Client) GetAll(contentType string) []*item.Item {
	all := c.Models.ItemsMatchingContentType(contentType)
	out := make([]*item.Item, 0, len(all))
	for _, it := range all {
		if !it.Deleted {
			out = append(out, it)
		}
	}
	return out
}

// Update applies incoming as a partial update to the content of the item
// identified by uuid, marks it dirty so the next sync uploads it, and
// returns the updated item. Returns an error if uuid is unknown.
func (c *Client) Update(uuid string, incoming map[string]any) (*item.Item, error) {
	it := c.Models.Find(uuid)
	if it == nil {
		return nil, fmt.Errorf("notekeep: update unknown item %s", uuid)
	}
	if err := it.UpdateFromJSON(incoming); err != nil {
		return nil, fmt.Errorf("notekeep: update item %s: %w", uuid, err)
	}
	it.SetDirty(true, true)
	return it, nil
}

// DeleteItem soft-deletes the item identified by uuid (marking it Deleted
// and dirty, so the tombstone propagates on the next sync) rather than
// removing it from the local graph outright. Returns an error if uuid is
// unknown.
func (c *Client) DeleteItem(uuid string) error {
	it := c.Models.Find(uuid)
	if it == nil {
		return fmt.Errorf("notekeep: delete unknown item %s", uuid)
	}
	it.Deleted = true
	it.SetDirty(true, true)
	return nil
}

// StartBackgroundSync launches a background goroutine that calls c.Sync
// every interval until ctx is cancelled or StopBackgroundSync is called.
// Calling it again replaces any previously running job.
func (c *Client) StartBackgroundSync(ctx context.Context, interval time.Duration) {
	c.job.Start(ctx, interval)
}

// StopBackgroundSync cancels the background sync job started by
// StartBackgroundSync and blocks until its goroutine has exited. Safe to
// call when no job is running.
func (c *Client) StopBackgroundSync() {
	c.job.Stop()
}

// clientSyncJob is the background ticker that periodically drives
// Client.Sync.Sync while the host application is running, so dirty items
// get uploaded and remote changes get pulled down without every caller
// having to schedule sync calls itself.
type clientSyncJob struct {
	client *Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start stops any previously running job, then launches a goroutine that
// calls client.Sync.Sync every interval. If interval is zero or negative
// it defaults to 30 seconds. The goroutine exits when ctx is cancelled or
// Stop is called.
func (j *clientSyncJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	j.Stop()

	j.mu.Lock()
	jobCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.wg.Add(1)
	j.mu.Unlock()

	go func() {
		defer j.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-t.C:
				if err := j.client.Sync.Sync(jobCtx); err != nil {
					j.client.log.Warn().Err(err).Msg("background sync failed")
				}
			}
		}
	}()
}

// Stop cancels the background goroutine's context and blocks until it has
// fully exited. Safe to call when the job is not running.
func (j *clientSyncJob) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}
