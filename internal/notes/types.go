// Package notes defines the host note store collaborator and provides a
// filesystem-backed implementation over a vault of Markdown files.
// The indexing core only reads notes; all mutation happens on the host's
// own schedule and is observed through List, MTime, and Subscribe.
package notes

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// IsNotExist reports whether a Read or MTime error means the note is gone.
// Store implementations wrap fs.ErrNotExist for missing notes.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Op represents a host mutation type.
type Op int

const (
	// OpCreate indicates a new note appeared.
	OpCreate Op = iota
	// OpModify indicates an existing note's content changed.
	OpModify
	// OpDelete indicates a note was removed.
	OpDelete
	// OpRename indicates a note moved from OldPath to Path.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Event represents a host mutation notification.
type Event struct {
	// Path is the note path relative to the vault root.
	Path string

	// OldPath is the previous path for rename events, empty otherwise.
	OldPath string

	// Op is the mutation type.
	Op Op

	// MTime is the note's modification time at event delivery.
	// Zero for deletions.
	MTime time.Time
}

// Note is a host document. Read-only from the index's perspective.
type Note struct {
	// Path is the unique note identifier, relative to the vault root.
	Path string

	// Title is the display title (first heading or the filename stem).
	Title string

	// Text is the full note body.
	Text string

	// Links holds outgoing link targets found in the body.
	Links []string
}

// Info is a listing entry: path plus modification time.
type Info struct {
	Path  string
	MTime time.Time
}

// Store is the host note store collaborator.
type Store interface {
	// List returns every note the host currently has, with mtimes.
	List(ctx context.Context) ([]Info, error)

	// Read loads a note by path.
	Read(ctx context.Context, path string) (*Note, error)

	// MTime returns the note's current modification time.
	MTime(ctx context.Context, path string) (time.Time, error)

	// Subscribe registers a mutation callback and returns an unsubscribe
	// function. Callbacks fire on the store's own goroutine; handlers
	// must not block.
	Subscribe(handler func(Event)) (func(), error)
}
