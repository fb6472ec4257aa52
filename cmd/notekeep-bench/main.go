// Command notekeep-bench is a non-interactive host that spins up an
// in-process chi-routed fake sync server, points two notekeep.Clients
// (simulating two devices on the same account) at it over a real
// transport.HTTPTransport, and runs a load -> edit -> sync -> conflict ->
// resolve cycle end to end, printing the event stream as it goes.
package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"time"

	notekeep "github.com/wrenfield/notekeep"
	"github.com/wrenfield/notekeep/events"
	"github.com/wrenfield/notekeep/internal/logger"
	"github.com/wrenfield/notekeep/item"
	"github.com/wrenfield/notekeep/store"
	"github.com/wrenfield/notekeep/transport"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	printBuildInfo()

	log := logger.New("notekeep-bench", os.Stdout)
	ctx := context.Background()

	server := newFakeServer(log)
	httpServer := httptest.NewServer(server.router())
	defer httpServer.Close()

	rootMK, rootAK := notekeep.DeriveAccountKeys("bench-account-password", []byte("bench-demo-salt-"), 1000)

	deviceA, err := newBenchClient("deviceA", httpServer.URL, rootMK, rootAK, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build deviceA: %v\n", err)
		os.Exit(1)
	}
	deviceB, err := newBenchClient("deviceB", httpServer.URL, rootMK, rootAK, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build deviceB: %v\n", err)
		os.Exit(1)
	}

	logEvents("deviceA", deviceA, log)
	logEvents("deviceB", deviceB, log)

	log.Info().Msg("=== step 1: deviceA creates a note and syncs ===")
	noteA, err := deviceA.CreateItem("Note", map[string]any{"title": "grocery list", "body": "milk, eggs"})
	must(err, "deviceA create")
	must(deviceA.Sync.Sync(ctx), "deviceA first sync")

	log.Info().Msg("=== step 2: deviceB syncs and should retrieve deviceA's note ===")
	must(deviceB.Sync.Sync(ctx), "deviceB first sync")
	if got := deviceB.Get(noteA.UUID); got != nil {
		log.Info().Str("uuid", got.UUID).Msg("deviceB retrieved deviceA's note")
	} else {
		log.Warn().Msg("deviceB did not retrieve deviceA's note")
	}

	log.Info().Msg("=== step 3: both devices edit the same note offline, then sync ===")
	_, err = deviceA.Update(noteA.UUID, map[string]any{"body": "milk, eggs, bread"})
	must(err, "deviceA update")
	if noteB := deviceB.Get(noteA.UUID); noteB != nil {
		_, err = deviceB.Update(noteB.UUID, map[string]any{"body": "milk, eggs, coffee"})
		must(err, "deviceB update")
	}

	must(deviceA.Sync.Sync(ctx), "deviceA second sync")
	must(deviceB.Sync.Sync(ctx), "deviceB second sync (expect a sync_conflict)")

	log.Info().Msg("=== step 4: a third sync settles the conflict duplicate ===")
	must(deviceA.Sync.Sync(ctx), "deviceA third sync")

	log.Info().Int("deviceA items", len(deviceA.GetAll("Note"))).Msg("final state")
	log.Info().Int("deviceB items", len(deviceB.GetAll("Note"))).Msg("final state")

	log.Info().Msg("bench run complete")
}

func newBenchClient(label, baseURL string, rootMK, rootAK []byte, log *logger.Logger) (*notekeep.Client, error) {
	tr, err := transport.NewHTTPTransport(baseURL, 5*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("transport for %s: %w", label, err)
	}
	registry := item.NewTypeRegistry()
	registry.Register("Note", item.Capabilities{})
	return notekeep.New(registry, tr, store.NewMemory(), rootMK, rootAK, log), nil
}

func logEvents(label string, client *notekeep.Client, log *logger.Logger) {
	client.Bus.Subscribe(func(name events.Name, payload any) {
		log.Debug().Str("device", label).Str("event", string(name)).Msg("event")
	})
}

func must(err error, step string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
		os.Exit(1)
	}
}

func printBuildInfo() {
	if buildVersion == "" {
		buildVersion = "N/A"
	}
	if buildDate == "" {
		buildDate = "N/A"
	}
	if buildCommit == "" {
		buildCommit = "N/A"
	}
	fmt.Printf("notekeep-bench %s (built %s, commit %s)\n", buildVersion, buildDate, buildCommit)
}
