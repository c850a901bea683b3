package notes

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid vault events to prevent index thrashing.
// Events for the same path within the debounce window are merged:
//   - CREATE + MODIFY = CREATE (note is still new)
//   - CREATE + DELETE = nothing (note never really existed)
//   - MODIFY + DELETE = DELETE (note is gone)
//   - DELETE + CREATE = MODIFY (note was replaced)
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan []Event
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

// NewDebouncer creates a debouncer with the given window duration.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []Event, 10),
	}
}

// Add adds an event to be debounced.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		coalesced := d.coalesce(existing, event)
		if coalesced == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *coalesced
		}
	} else {
		d.pending[event.Path] = &pendingEvent{
			event:   event,
			firstOp: event.Op,
		}
	}

	d.scheduleFlush()
}

// coalesce merges two events for the same path.
// Returns nil if the events cancel each other out.
func (d *Debouncer) coalesce(existing *pendingEvent, next Event) *Event {
	switch existing.firstOp {
	case OpCreate:
		switch next.Op {
		case OpModify:
			// Still new from the index's point of view; take the fresh mtime.
			result := existing.event
			result.MTime = next.MTime
			return &result
		case OpDelete:
			return nil
		default:
			return &next
		}

	case OpModify:
		if next.Op == OpDelete {
			return &next
		}
		return &next

	case OpDelete:
		if next.Op == OpCreate {
			result := next
			result.Op = OpModify
			return &result
		}
		return &next

	default:
		return &next
	}
}

// scheduleFlush schedules a flush after the debounce window.
func (d *Debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush emits all pending events.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)),
		)
	}
}

// Output returns the channel of debounced event batches.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

// Stop stops the debouncer and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
