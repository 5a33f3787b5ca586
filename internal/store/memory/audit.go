package memory

import (
	"context"
	"sync"

	"ocsportal.org/internal/audit"
)

// AuditLog is an append-only in-memory audit.Sink and audit.Reader.
type AuditLog struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

var (
	_ audit.Sink   = (*AuditLog)(nil)
	_ audit.Reader = (*AuditLog)(nil)
)

func NewAuditLog() *AuditLog { return &AuditLog{} }

func (l *AuditLog) Append(_ context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, e)
	return nil
}

// Query returns matching entries newest first.
func (l *AuditLog) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	f = f.Normalize()
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []audit.Entry{}
	skipped := 0
	for i := len(l.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := l.entries[i]
		if !f.Match(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns every entry in append order.
func (l *AuditLog) Entries() []audit.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]audit.Entry(nil), l.entries...)
}
