// Package storage implements the snapshot cache and the durable summary store.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
)

// In-memory implementations. Used when Redis or PostgreSQL is not configured, and in tests.

// InMemorySnapshotStore stores snapshots in memory.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[models.SnapshotKey]*models.Snapshot
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[models.SnapshotKey]*models.Snapshot),
	}
}

func (s *InMemorySnapshotStore) Get(_ context.Context, key models.SnapshotKey) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[key].Clone(), nil
}

func (s *InMemorySnapshotStore) Put(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Key()] = snap.Clone()
	return nil
}

func (s *InMemorySnapshotStore) Delete(_ context.Context, key models.SnapshotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
	return nil
}

// Len returns the number of stored snapshots.
func (s *InMemorySnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// summaryKey normalises the date so equal civil dates share a map slot.
type summaryKey struct {
	tenant   string
	typ      models.SummaryType
	date     string
	platform models.Platform
}

func toSummaryKey(k models.SummaryKey) summaryKey {
	return summaryKey{tenant: k.TenantID, typ: k.SummaryType, date: k.SummaryDate.Format(models.DateLayout), platform: k.Platform}
}

// InMemorySummaryStore stores summary rows in memory with the same upsert semantics as
// the PostgreSQL store.
type InMemorySummaryStore struct {
	mu   sync.RWMutex
	rows map[summaryKey]*models.SummaryRecord
}

func NewInMemorySummaryStore() *InMemorySummaryStore {
	return &InMemorySummaryStore{
		rows: make(map[summaryKey]*models.SummaryRecord),
	}
}

func (s *InMemorySummaryStore) Get(_ context.Context, key models.SummaryKey) (*models.SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[toSummaryKey(key)].Clone(), nil
}

func (s *InMemorySummaryStore) Upsert(ctx context.Context, rec *models.SummaryRecord, hooks ...CommitHook) error {
	if err := rec.Validate(); err != nil {
		return errs.Validation("summary.upsert", "%v", err)
	}
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return errs.Store("summary.upsert", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[toSummaryKey(rec.Key())] = rec.Clone()
	return nil
}

func (s *InMemorySummaryStore) ListRange(_ context.Context, q SummaryQuery) ([]*models.SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SummaryRecord
	for _, r := range s.rows {
		if r.TenantID != q.TenantID || r.Platform != q.Platform || r.SummaryType != q.SummaryType {
			continue
		}
		if r.SummaryDate.Before(q.From) || r.SummaryDate.After(q.To) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SummaryDate.Before(out[j].SummaryDate) })
	return out, nil
}

// Len returns the number of stored rows.
func (s *InMemorySummaryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
