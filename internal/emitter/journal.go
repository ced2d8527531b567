package emitter

import (
	"context"
	"fmt"

	"github.com/yairfalse/tether/reconciler"
	"github.com/yairfalse/tether/wal"
)

// Journal is the part of the wal the journal emitter writes to.
type Journal interface {
	Append(entryType wal.EntryType, resourceKey string, data any) error
	Close() error
}

// JournalEntry is the data recorded for each connection event.
type JournalEntry struct {
	Label    string `json:"label,omitempty"`
	Endpoint string `json:"endpoint"`
	Variant  string `json:"variant,omitempty"`
}

// JournalEmitter appends connection events to the journal.
type JournalEmitter struct {
	journal Journal
}

// NewJournalEmitter creates a JournalEmitter. The emitter owns the journal
// and closes it.
func NewJournalEmitter(j Journal) *JournalEmitter {
	return &JournalEmitter{journal: j}
}

// Emit appends the event.
func (e *JournalEmitter) Emit(_ context.Context, ev reconciler.Event) error {
	var entryType wal.EntryType
	switch ev.Kind {
	case reconciler.Connected:
		entryType = wal.EntryConnected
	case reconciler.Disconnected:
		entryType = wal.EntryDisconnected
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	data := JournalEntry{
		Label:    ev.Resource.Label,
		Endpoint: ev.Resource.Endpoint,
		Variant:  ev.Resource.Variant,
	}
	if err := e.journal.Append(entryType, ev.Resource.Key, data); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close closes the journal.
func (e *JournalEmitter) Close() error {
	return e.journal.Close()
}
