// Command notekeep-tui is a minimal interactive host for the notekeep
// library: it registers two demo content types (Note and Tag, the latter
// a singleton: at most one Tag with a non-empty name), wires a Client against either a real sync server
// or an in-memory fake, and renders the item list and live event stream
// in a terminal UI.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	notekeep "github.com/wrenfield/notekeep"
	"github.com/wrenfield/notekeep/internal/config"
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

	log := logger.New("notekeep-tui", os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	client, driver, err := buildClient(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build client: %v\n", err)
		os.Exit(1)
	}
	if closer, ok := driver.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client.StartBackgroundSync(ctx, cfg.Sync.Interval)
	defer client.StopBackgroundSync()

	p := tea.NewProgram(newModel(ctx, client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui run error: %v\n", err)
		os.Exit(1)
	}
}

// buildClient wires a notekeep.Client from cfg: an HTTP transport when
// Server.BaseURL is set, an in-memory fake otherwise, and a storage driver
// selected by Storage.Driver.
func buildClient(cfg *config.Config, log *logger.Logger) (*notekeep.Client, store.Driver, error) {
	registry := item.NewTypeRegistry()
	registry.Register("Tag", item.Capabilities{
		Singleton: func(content map[string]any) bool {
			name, _ := content["name"].(string)
			return name != ""
		},
	})
	registry.Register("Note", item.Capabilities{})

	var tr transport.Transport
	if cfg.Server.BaseURL != "" {
		httpTransport, err := transport.NewHTTPTransport(cfg.Server.BaseURL, cfg.Server.RequestTimeout, log)
		if err != nil {
			return nil, nil, fmt.Errorf("build http transport: %w", err)
		}
		tr = httpTransport
	} else {
		tr = transport.NewFake()
	}

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	salt, err := hex.DecodeString(cfg.Account.SaltHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode account salt: %w", err)
	}
	if len(salt) == 0 {
		salt = []byte("notekeep-tui-demo-salt-")
	}
	rootMK, rootAK := notekeep.DeriveAccountKeys(cfg.Account.Password, salt, cfg.Account.KDFIterations)

	return notekeep.New(registry, tr, driver, rootMK, rootAK, log), driver, nil
}

func buildDriver(cfg *config.Config, log *logger.Logger) (store.Driver, error) {
	ctx := context.Background()
	switch cfg.Storage.Driver {
	case "sqlite":
		path := cfg.Storage.DSN
		if path == "" {
			path = "notekeep-tui.sqlite3"
		}
		return store.NewSQLite(ctx, path, log)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Storage.DSN, log)
	default:
		return store.NewMemory(), nil
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
	fmt.Printf("notekeep-tui %s (built %s, commit %s)\n", buildVersion, buildDate, buildCommit)
}
