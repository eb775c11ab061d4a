package storage

import (
	"context"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/models"
)

// =============================================
// TIERED CACHE STORE
// =============================================

// SnapshotStore holds one snapshot per (tenant, platform, granularity, period_id).
type SnapshotStore interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key models.SnapshotKey) (*models.Snapshot, error)
	// Put fully replaces the snapshot stored under s.Key().
	Put(ctx context.Context, s *models.Snapshot) error
	Delete(ctx context.Context, key models.SnapshotKey) error
}

// IsFresh reports whether s was refreshed less than window before now.
func IsFresh(s *models.Snapshot, now time.Time, window time.Duration) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.LastRefreshed) < window
}

// =============================================
// DURABLE SUMMARY STORE
// =============================================

// CommitHook runs inside an upsert after the row is written and before it is committed.
// A hook error aborts the upsert.
type CommitHook func(ctx context.Context) error

// SummaryQuery selects summaries by summary_date range, both ends inclusive.
type SummaryQuery struct {
	TenantID    string
	Platform    models.Platform
	SummaryType models.SummaryType
	From        time.Time
	To          time.Time
}

// SummaryStore is the system of record for closed periods.
type SummaryStore interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key models.SummaryKey) (*models.SummaryRecord, error)
	// Upsert validates rec and replaces the full row for its key. Hooks run before commit.
	Upsert(ctx context.Context, rec *models.SummaryRecord, hooks ...CommitHook) error
	ListRange(ctx context.Context, q SummaryQuery) ([]*models.SummaryRecord, error)
}
