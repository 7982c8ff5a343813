package queue

import (
	"context"
	"sync"
	"time"

	"github.com/example/saleshub/api-go/internal/model"
)

// Memory is an in-process Store. It is safe for concurrent use but loses all
// entries on restart.
type Memory struct {
	mu      sync.Mutex
	entries []model.QueueEntry
	seq     int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) List(_ context.Context) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.QueueEntry, len(m.entries))
	copy(out, m.entries)
	sortEntries(out)
	return out, nil
}

func (m *Memory) Join(_ context.Context, entry model.QueueEntry) (model.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.UserID == entry.UserID {
			return e, false, nil
		}
	}
	m.seq++
	entry.Seq = m.seq
	m.entries = append(m.entries, entry)
	return entry, true, nil
}

func (m *Memory) Leave(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *Memory) Prune(_ context.Context, joinedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.JoinedAt.Before(joinedBefore) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *Memory) Close() error { return nil }
