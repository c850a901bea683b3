package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/notesim/notesim/internal/compute"
	"github.com/notesim/notesim/internal/config"
	"github.com/notesim/notesim/internal/embed"
	"github.com/notesim/notesim/internal/filter"
	"github.com/notesim/notesim/internal/logging"
	"github.com/notesim/notesim/internal/notes"
	"github.com/notesim/notesim/internal/queue"
	"github.com/notesim/notesim/internal/store"
)

// app wires the full stack for a command run. One process owns the data
// directory at a time, enforced with a file lock.
type app struct {
	cfg    *config.Config
	vault  *notes.Vault
	client *compute.Client
	queue  *queue.Queue
	lock   *flock.Flock

	logCleanup func()
}

// openApp builds and initializes the stack. The caller must call close.
func openApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()

	root, err := vaultPath()
	if err != nil {
		return nil, err
	}

	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	}
	cfg, err := config.Load(cfgPath, root)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logCleanup, err := logging.SetupDefault(level)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	a := &app{cfg: cfg, logCleanup: logCleanup}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	dataDir := a.cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	a.lock = flock.New(filepath.Join(dataDir, "notesim.lock"))
	locked, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("index at %s is in use by another notesim process", dataDir)
	}

	debounce, err := a.cfg.WatchDebounce()
	if err != nil {
		return err
	}
	vault, err := notes.NewVault(a.cfg.Vault.Path, notes.VaultOptions{
		DebounceWindow: debounce,
	})
	if err != nil {
		return err
	}
	a.vault = vault

	embedder, err := embed.New(ctx, a.cfg.Embeddings)
	if err != nil {
		return err
	}

	a.client = compute.NewClient(store.NewRepository(dataDir), embedder)
	if err := a.client.Init(ctx); err != nil {
		return err
	}

	marks, err := a.client.Watermarks()
	if err != nil {
		return err
	}
	rules := filter.New(a.cfg.Vault.Include, a.cfg.Vault.Exclude)
	a.queue = queue.New(vault, marks, rules)

	return nil
}

// close tears the stack down in reverse order. Safe on a partial build.
func (a *app) close() {
	if a.queue != nil {
		a.queue.Cleanup()
	}
	if a.client != nil {
		a.client.Dispose()
	}
	if a.vault != nil {
		_ = a.vault.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
