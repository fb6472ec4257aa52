package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wrenfield/notekeep/internal/logger"
)

// wireItem is the server's view of one item envelope, using the JSON field
// names of syncmgr.uploadEnvelope and transform.EncryptedPayload. The two
// are not identical: uploadEnvelope sends no created_at, and the
// auth_hash/auth_params fields of EncryptedPayload are not carried here.
type wireItem struct {
	UUID        string     `json:"uuid"`
	ContentType string     `json:"content_type"`
	Content     string     `json:"content"`
	EncItemKey  string     `json:"enc_item_key"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Deleted     bool       `json:"deleted"`
}

type syncRequestWire struct {
	Items     []wireItem `json:"items"`
	SyncToken string     `json:"sync_token,omitempty"`
	Limit     int        `json:"limit"`
}

type conflictWire struct {
	UUID       string   `json:"uuid"`
	Kind       string   `json:"type"`
	ServerItem wireItem `json:"server_item"`
}

type syncResponseWire struct {
	Retrieved     []wireItem     `json:"retrieved_items"`
	Saved         []wireItem     `json:"saved_items"`
	Conflicts     []conflictWire `json:"conflicts"`
	CursorToken   string         `json:"cursor_token"`
	IntegrityHash string         `json:"integrity_hash"`
}

// fakeServer is an in-process stand-in for the real sync server: it
// accepts the same /items/sync request shape the sync manager sends, and
// replies with a response shaped to exercise every branch the sync
// manager's applyResponse/resolveConflicts handle — a naive "everyone
// gets everyone else's items back" full-resync model rather than the real
// server's cursor-based paging, since that's sufficient to drive the
// client-side merge and conflict logic end to end.
type fakeServer struct {
	log *logger.Logger

	mu      sync.Mutex
	items   map[string]wireItem
	version int
}

func newFakeServer(log *logger.Logger) *fakeServer {
	return &fakeServer{log: log, items: make(map[string]wireItem)}
}

func (s *fakeServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/items", func(items chi.Router) {
		items.Post("/sync", s.handleSync)
	})
	return r
}

func (s *fakeServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequestWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uploaded := make(map[string]bool, len(req.Items))
	var saved []wireItem
	var conflicts []conflictWire

	for _, incoming := range req.Items {
		uploaded[incoming.UUID] = true
		existing, hasExisting := s.items[incoming.UUID]

		if hasExisting && incoming.UpdatedAt != nil && existing.UpdatedAt != nil && incoming.UpdatedAt.Before(*existing.UpdatedAt) {
			conflicts = append(conflicts, conflictWire{UUID: incoming.UUID, Kind: "sync_conflict", ServerItem: existing})
			continue
		}

		now := time.Now().UTC()
		incoming.UpdatedAt = &now
		if incoming.CreatedAt == nil {
			if hasExisting {
				incoming.CreatedAt = existing.CreatedAt
			} else {
				incoming.CreatedAt = &now
			}
		}
		s.items[incoming.UUID] = incoming
		saved = append(saved, incoming)
	}

	var retrieved []wireItem
	for uuid, it := range s.items {
		if !uploaded[uuid] {
			retrieved = append(retrieved, it)
		}
	}
	sort.Slice(retrieved, func(i, j int) bool { return retrieved[i].UUID < retrieved[j].UUID })

	s.version++
	resp := syncResponseWire{
		Retrieved:     retrieved,
		Saved:         saved,
		Conflicts:     conflicts,
		CursorToken:   time.Now().UTC().Format(time.RFC3339Nano),
		IntegrityHash: s.integrityHashLocked(),
	}

	s.log.Debug().
		Int("uploaded", len(req.Items)).
		Int("saved", len(saved)).
		Int("retrieved", len(retrieved)).
		Int("conflicts", len(conflicts)).
		Msg("handled sync request")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// integrityHashLocked mirrors syncmgr.(*Manager).computeIntegrityHash: the
// SHA-256 over every non-deleted item's UpdatedAt, sorted ascending. The
// caller must hold s.mu.
func (s *fakeServer) integrityHashLocked() string {
	var timestamps []string
	for _, it := range s.items {
		if it.Deleted || it.UpdatedAt == nil {
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
