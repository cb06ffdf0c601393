// Package audit records every approval decision and halt request the
// sidecar emits. Status events are not persisted.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDecision Kind = "decision"
	KindHalt     Kind = "halt"
)

// Entry is one emitted user action.
type Entry struct {
	SessionID string
	Kind      Kind
	// Outcome is approved or cancelled for decisions and empty for halts.
	Outcome   string
	Delivered bool
	Action    string
	Amount    float64
	Recipient string

	RecordedAt time.Time
}

// Validate checks the fields every entry needs.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("audit entry session_id is required")
	}
	switch e.Kind {
	case KindDecision:
		if e.Outcome != "approved" && e.Outcome != "cancelled" {
			return errors.New("audit decision outcome must be approved or cancelled")
		}
	case KindHalt:
	default:
		return errors.New("audit entry kind must be decision or halt")
	}
	return nil
}

// Ledger persists entries.
type Ledger interface {
	Record(ctx context.Context, entry Entry) error
}

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

func (l *MemoryLedger) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.RecordedAt.IsZero() {
		now := time.Now
		if l.now != nil {
			now = l.now
		}
		entry.RecordedAt = now()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries, oldest first.
func (l *MemoryLedger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Recent returns up to limit entries, newest first.
func (l *MemoryLedger) Recent(_ context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}
