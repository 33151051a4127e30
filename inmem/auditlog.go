package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/buzkaaclicker/agora"
)

type AuditLog struct {
	lastId  int64
	entries []agora.AuditEntry
	mutex   sync.RWMutex
}

var (
	_ agora.AuditLog    = (*AuditLog)(nil)
	_ agora.AuditReader = (*AuditLog)(nil)
)

func NewAuditLog() *AuditLog {
	return &AuditLog{
		entries: make([]agora.AuditEntry, 0, 16),
	}
}

func (l *AuditLog) Append(ctx context.Context, entry agora.AuditEntry) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.lastId++
	entry.Id = l.lastId
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *AuditLog) ByUserId(ctx context.Context, userId string, beforeId int64, limit int32) ([]agora.AuditEntry, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	result := make([]agora.AuditEntry, 0)
	for i := len(l.entries) - 1; i >= 0 && int32(len(result)) < limit; i-- {
		entry := l.entries[i]
		if entry.UserId != userId {
			continue
		}
		if beforeId >= 0 && entry.Id >= beforeId {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// Entries returns every entry in append order.
func (l *AuditLog) Entries() []agora.AuditEntry {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	entries := make([]agora.AuditEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// Events returns names of every appended entry in append order.
func (l *AuditLog) Events() []string {
	entries := l.Entries()
	events := make([]string, len(entries))
	for i, entry := range entries {
		events[i] = entry.Event
	}
	return events
}
