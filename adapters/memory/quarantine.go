package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
)

// Quarantine implements flowrelay.QuarantineRepository.
type Quarantine struct {
	mu      sync.Mutex
	seq     int64
	entries map[int64]model.QuarantinedMessage
}

// NewQuarantine creates an empty repository.
func NewQuarantine() *Quarantine {
	return &Quarantine{entries: make(map[int64]model.QuarantinedMessage)}
}

// Load retrieves an entry by ID.
func (q *Quarantine) Load(_ context.Context, id int64) (model.QuarantinedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.entries[id]
	if !ok {
		return m, flowrelay.ErrNotFound
	}
	return m, nil
}

// Save creates (ID=0) or updates an entry.
func (q *Quarantine) Save(_ context.Context, m model.QuarantinedMessage) (model.QuarantinedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m.ID == 0 {
		q.seq++
		m.ID = q.seq
	} else if _, ok := q.entries[m.ID]; !ok {
		return m, flowrelay.ErrNotFound
	}
	q.entries[m.ID] = m
	return m, nil
}

// FindUnresolved returns unresolved entries, oldest first.
func (q *Quarantine) FindUnresolved(_ context.Context, limit int) ([]model.QuarantinedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QuarantinedMessage, 0)
	for _, m := range q.entries {
		if !m.IsResolved {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountUnresolved returns the number of unresolved entries.
func (q *Quarantine) CountUnresolved(ctx context.Context) (int, error) {
	unresolved, err := q.FindUnresolved(ctx, 0)
	return len(unresolved), err
}

// GetStats aggregates the entries.
func (q *Quarantine) GetStats(_ context.Context) (model.QuarantineStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := model.QuarantineStats{TotalItems: len(q.entries), LastUpdated: time.Now()}
	for _, m := range q.entries {
		if m.IsResolved {
			stats.ResolvedItems++
		}
	}
	stats.UnresolvedItems = stats.TotalItems - stats.ResolvedItems
	return stats, nil
}
