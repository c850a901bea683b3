// Package queue tracks which notes need (re)indexing. It reconciles the
// host's note listing against durable per-path watermarks at startup,
// folds live mutation events by path, and hands changes to the indexer
// with at-least-once semantics: a watermark moves only on MarkProcessed,
// so anything in flight at a crash is rediscovered on the next start.
package queue

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	ierr "github.com/notesim/notesim/internal/errors"
	"github.com/notesim/notesim/internal/filter"
	"github.com/notesim/notesim/internal/notes"
)

// Reason classifies why a note needs attention.
type Reason int

const (
	// ReasonNew marks a note with no watermark yet.
	ReasonNew Reason = iota
	// ReasonModified marks a note whose mtime passed its watermark.
	ReasonModified
	// ReasonDeleted marks a watermarked note that no longer exists
	// (or is no longer admitted by the filter rules).
	ReasonDeleted
)

// String returns a human-readable representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNew:
		return "new"
	case ReasonModified:
		return "modified"
	case ReasonDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// NoteChange is one unit of pending work.
type NoteChange struct {
	Path   string
	Reason Reason

	// MTime is the note mtime observed when the change was recorded.
	// It becomes the watermark on MarkProcessed. Zero for deletions.
	MTime time.Time
}

// WatermarkStore is the durable per-path watermark table.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, path string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, path string, mtime time.Time) error
	DeleteWatermark(ctx context.Context, path string) error
	AllWatermarks(ctx context.Context) (map[string]time.Time, error)
}

// Queue is the change-detection queue. Pending changes are held FIFO and
// folded by path, so a note flapping between states occupies one slot.
type Queue struct {
	store notes.Store
	marks WatermarkStore
	rules *filter.Set

	mu      sync.Mutex
	pending *list.List               // of NoteChange
	byPath  map[string]*list.Element // path -> pending element
	unsub   func()
	closed  bool
}

// New creates a queue over the given note store, watermark store, and
// filter rules. Call Initialize before polling.
func New(store notes.Store, marks WatermarkStore, rules *filter.Set) *Queue {
	return &Queue{
		store:   store,
		marks:   marks,
		rules:   rules,
		pending: list.New(),
		byPath:  make(map[string]*list.Element),
	}
}

// Initialize reconciles the note listing against the watermarks and
// subscribes to live mutations. Reconciliation enqueues additions first,
// then modifications, then deletions.
func (q *Queue) Initialize(ctx context.Context) error {
	if err := q.reconcile(ctx); err != nil {
		return err
	}

	unsub, err := q.store.Subscribe(q.handleEvent)
	if err != nil {
		return ierr.Wrap(ierr.ErrCodeStorageIO, err)
	}

	q.mu.Lock()
	q.unsub = unsub
	q.mu.Unlock()

	return nil
}

// reconcile diffs the current listing against the watermark table.
func (q *Queue) reconcile(ctx context.Context) error {
	infos, err := q.store.List(ctx)
	if err != nil {
		return ierr.StorageError("list notes", err)
	}
	marks, err := q.marks.AllWatermarks(ctx)
	if err != nil {
		return ierr.StorageError("load watermarks", err)
	}

	var toAdd, toUpdate []NoteChange
	listed := make(map[string]struct{}, len(infos))

	for _, info := range infos {
		if !q.rules.Allows(info.Path) {
			continue
		}
		listed[info.Path] = struct{}{}

		mark, indexed := marks[info.Path]
		switch {
		case !indexed:
			toAdd = append(toAdd, NoteChange{Path: info.Path, Reason: ReasonNew, MTime: info.MTime})
		case info.MTime.After(mark):
			toUpdate = append(toUpdate, NoteChange{Path: info.Path, Reason: ReasonModified, MTime: info.MTime})
		}
	}

	var toRemove []NoteChange
	for path := range marks {
		if _, ok := listed[path]; !ok {
			toRemove = append(toRemove, NoteChange{Path: path, Reason: ReasonDeleted})
		}
	}

	q.mu.Lock()
	for _, c := range toAdd {
		q.foldLocked(c)
	}
	for _, c := range toUpdate {
		q.foldLocked(c)
	}
	for _, c := range toRemove {
		q.foldLocked(c)
	}
	pending := q.pending.Len()
	q.mu.Unlock()

	slog.Info("change queue reconciled",
		slog.Int("new", len(toAdd)),
		slog.Int("modified", len(toUpdate)),
		slog.Int("deleted", len(toRemove)),
		slog.Int("pending", pending))
	return nil
}

// handleEvent maps a live store event onto pending changes. Renames become
// a delete of the old path plus a filter-gated create of the new one.
func (q *Queue) handleEvent(ev notes.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	switch ev.Op {
	case notes.OpCreate:
		if q.rules.Allows(ev.Path) {
			q.foldLocked(NoteChange{Path: ev.Path, Reason: ReasonNew, MTime: ev.MTime})
		}
	case notes.OpModify:
		if q.rules.Allows(ev.Path) {
			q.foldLocked(NoteChange{Path: ev.Path, Reason: ReasonModified, MTime: ev.MTime})
		}
	case notes.OpDelete:
		q.foldLocked(NoteChange{Path: ev.Path, Reason: ReasonDeleted})
	case notes.OpRename:
		q.foldLocked(NoteChange{Path: ev.OldPath, Reason: ReasonDeleted})
		if q.rules.Allows(ev.Path) {
			q.foldLocked(NoteChange{Path: ev.Path, Reason: ReasonNew, MTime: ev.MTime})
		}
	}
}

// foldLocked merges a change into the pending set so each path occupies at
// most one slot. A new-then-deleted pair cancels out entirely; a
// deleted-then-recreated note collapses to a single modification.
// Caller holds q.mu.
func (q *Queue) foldLocked(change NoteChange) {
	elem, exists := q.byPath[change.Path]
	if !exists {
		q.byPath[change.Path] = q.pending.PushBack(change)
		return
	}

	prev := elem.Value.(NoteChange)
	switch {
	case prev.Reason == ReasonNew && change.Reason == ReasonDeleted:
		// Never indexed; nothing to do.
		q.pending.Remove(elem)
		delete(q.byPath, change.Path)
	case prev.Reason == ReasonNew:
		// Still unindexed regardless of how often it changes.
		change.Reason = ReasonNew
		elem.Value = change
	case prev.Reason == ReasonDeleted && change.Reason != ReasonDeleted:
		change.Reason = ReasonModified
		elem.Value = change
	default:
		elem.Value = change
	}
}

// Poll removes and returns up to n pending changes in FIFO order.
// The caller owns the returned changes; crash-safety comes from the
// watermarks, not from requeueing.
func (q *Queue) Poll(ctx context.Context, n int) []NoteChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || q.pending.Len() == 0 {
		return nil
	}

	changes := make([]NoteChange, 0, n)
	for q.pending.Len() > 0 && len(changes) < n {
		elem := q.pending.Front()
		change := elem.Value.(NoteChange)
		q.pending.Remove(elem)
		delete(q.byPath, change.Path)
		changes = append(changes, change)
	}
	return changes
}

// MarkProcessed durably advances the watermark for a completed change.
// Skipping this call for a failed item causes redelivery after restart.
func (q *Queue) MarkProcessed(ctx context.Context, change NoteChange) error {
	var err error
	if change.Reason == ReasonDeleted {
		err = q.marks.DeleteWatermark(ctx, change.Path)
	} else {
		err = q.marks.SetWatermark(ctx, change.Path, change.MTime)
	}
	if err != nil {
		return ierr.StorageError("advance watermark", err)
	}
	return nil
}

// ApplyFilterRules swaps the pattern rules and re-reconciles, so newly
// admitted notes are queued and newly excluded indexed notes are queued
// for removal.
func (q *Queue) ApplyFilterRules(ctx context.Context, include, exclude []string) error {
	q.rules.Reset(include, exclude)
	return q.reconcile(ctx)
}

// Len returns the number of pending changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Cleanup unsubscribes from the note store and drops pending changes.
// Safe to call more than once.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	unsub := q.unsub
	q.unsub = nil
	q.closed = true
	q.pending.Init()
	q.byPath = make(map[string]*list.Element)
	q.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
