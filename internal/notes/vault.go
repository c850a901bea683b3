package notes

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// VaultOptions configures the filesystem vault adapter.
type VaultOptions struct {
	// DebounceWindow is how long rapid events are coalesced before
	// delivery. Default: 200ms.
	DebounceWindow time.Duration
}

// Vault is a filesystem-backed note store: one Markdown file per note,
// paths relative to the vault root. Implements Store.
type Vault struct {
	root string
	opts VaultOptions

	mu        sync.Mutex
	handlers  map[int]func(Event)
	nextID    int
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	stopCh    chan struct{}
	doneCh    chan struct{}
	watching  bool
	closed    bool
}

var _ Store = (*Vault)(nil)

// NewVault creates a vault adapter rooted at dir.
func NewVault(dir string, opts VaultOptions) (*Vault, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", dir)
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 200 * time.Millisecond
	}
	return &Vault{
		root:     dir,
		opts:     opts,
		handlers: make(map[int]func(Event)),
	}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// List walks the vault and returns every regular file with its mtime.
// Dot-directories (.git, .obsidian, .notesim) are skipped wholesale;
// finer inclusion rules are the change queue's concern.
func (v *Vault) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if path != v.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			// Raced with a deletion mid-walk; skip the entry.
			return nil
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		infos = append(infos, Info{
			Path:  filepath.ToSlash(rel),
			MTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	return infos, nil
}

// Read loads and parses a note by relative path.
func (v *Vault) Read(ctx context.Context, path string) (*Note, error) {
	data, err := os.ReadFile(v.abs(path))
	if err != nil {
		return nil, fmt.Errorf("read note %s: %w", path, err)
	}
	text := string(data)
	return &Note{
		Path:  path,
		Title: extractTitle(path, text),
		Text:  text,
		Links: extractLinks(text),
	}, nil
}

// MTime returns the note's current modification time.
func (v *Vault) MTime(ctx context.Context, path string) (time.Time, error) {
	fi, err := os.Stat(v.abs(path))
	if err != nil {
		return time.Time{}, fmt.Errorf("stat note %s: %w", path, err)
	}
	return fi.ModTime(), nil
}

// Subscribe registers a mutation handler. The fsnotify watcher starts
// lazily with the first subscriber. The returned function deregisters
// the handler; the watcher stops when the vault is closed.
func (v *Vault) Subscribe(handler func(Event)) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	if !v.watching {
		if err := v.startWatcherLocked(); err != nil {
			return nil, err
		}
	}

	id := v.nextID
	v.nextID++
	v.handlers[id] = handler

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.handlers, id)
	}, nil
}

// Close stops the watcher and releases resources. Safe to call twice.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	watching := v.watching
	v.mu.Unlock()

	if watching {
		close(v.stopCh)
		<-v.doneCh
	}
	return nil
}

func (v *Vault) abs(rel string) string {
	return filepath.Join(v.root, filepath.FromSlash(rel))
}

// startWatcherLocked wires fsnotify to the debouncer. Caller holds v.mu.
func (v *Vault) startWatcherLocked() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the root and every non-hidden subdirectory. fsnotify is not
	// recursive, so new directories are added as create events arrive.
	err = filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != v.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("watch vault: %w", err)
	}

	v.watcher = w
	v.debouncer = NewDebouncer(v.opts.DebounceWindow)
	v.stopCh = make(chan struct{})
	v.doneCh = make(chan struct{})
	v.watching = true

	go v.watchLoop()
	return nil
}

// watchLoop translates raw fsnotify events into vault events.
// A rename arrives as a delete of the old path; the create of the new path
// is delivered separately, so the change queue sees delete + create.
func (v *Vault) watchLoop() {
	defer close(v.doneCh)
	defer v.debouncer.Stop()
	defer func() { _ = v.watcher.Close() }()

	for {
		select {
		case <-v.stopCh:
			return

		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			v.handleRaw(ev)

		case batch, ok := <-v.debouncer.Output():
			if !ok {
				return
			}
			v.dispatch(batch)

		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("vault watcher error", slog.String("error", err.Error()))
		}
	}
}

func (v *Vault) handleRaw(ev fsnotify.Event) {
	rel, err := filepath.Rel(v.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.Contains(rel, "/.") {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		fi, statErr := os.Stat(ev.Name)
		if statErr != nil {
			return
		}
		if fi.IsDir() {
			_ = v.watcher.Add(ev.Name)
			return
		}
		v.debouncer.Add(Event{Path: rel, Op: OpCreate, MTime: fi.ModTime()})

	case ev.Op.Has(fsnotify.Write):
		fi, statErr := os.Stat(ev.Name)
		if statErr != nil || fi.IsDir() {
			return
		}
		v.debouncer.Add(Event{Path: rel, Op: OpModify, MTime: fi.ModTime()})

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		v.debouncer.Add(Event{Path: rel, Op: OpDelete})
	}
}

func (v *Vault) dispatch(batch []Event) {
	v.mu.Lock()
	handlers := make([]func(Event), 0, len(v.handlers))
	for _, h := range v.handlers {
		handlers = append(handlers, h)
	}
	v.mu.Unlock()

	for _, ev := range batch {
		for _, h := range handlers {
			h(ev)
		}
	}
}
