package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
)

// pgxConn is the subset of *pgxpool.Pool used by the summary store.
type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const summarySchema = `
CREATE TABLE IF NOT EXISTS metric_summaries (
	tenant_id     TEXT        NOT NULL,
	summary_type  TEXT        NOT NULL CHECK (summary_type IN ('monthly', 'weekly')),
	summary_date  DATE        NOT NULL,
	platform      TEXT        NOT NULL CHECK (platform IN ('meta', 'google')),
	totals        JSONB       NOT NULL,
	campaign_data JSONB       NOT NULL,
	data_source   TEXT        NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, summary_type, summary_date, platform),
	CONSTRAINT weekly_summary_monday CHECK (summary_type <> 'weekly' OR EXTRACT(ISODOW FROM summary_date) = 1),
	CONSTRAINT monthly_summary_first_day CHECK (summary_type <> 'monthly' OR EXTRACT(DAY FROM summary_date) = 1)
)`

// PostgresSummaryStore implements SummaryStore on PostgreSQL.
type PostgresSummaryStore struct {
	pool pgxConn
}

func NewPostgresSummaryStore(pool pgxConn) *PostgresSummaryStore {
	return &PostgresSummaryStore{pool: pool}
}

// EnsureSchema creates the metric_summaries table if it does not exist.
func (s *PostgresSummaryStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, summarySchema); err != nil {
		return fmt.Errorf("failed to create metric_summaries: %w", err)
	}
	return nil
}

func (s *PostgresSummaryStore) Get(ctx context.Context, key models.SummaryKey) (*models.SummaryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, summary_type, summary_date, platform, totals, campaign_data, data_source, last_updated
		FROM metric_summaries
		WHERE tenant_id = $1 AND summary_type = $2 AND summary_date = $3 AND platform = $4
	`, key.TenantID, string(key.SummaryType), key.SummaryDate, string(key.Platform))

	rec, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Store("summary.get", err)
	}
	return rec, nil
}

// Upsert replaces the full row for rec's key in one transaction. Validation runs before any
// SQL so a rejected record never reaches the database.
func (s *PostgresSummaryStore) Upsert(ctx context.Context, rec *models.SummaryRecord, hooks ...CommitHook) error {
	if err := rec.Validate(); err != nil {
		return errs.Validation("summary.upsert", "%v", err)
	}

	totals, err := json.Marshal(rec.Totals)
	if err != nil {
		return errs.Store("summary.upsert", err)
	}
	campaigns := rec.CampaignData
	if campaigns == nil {
		campaigns = []models.CanonicalMetricRecord{}
	}
	campaignData, err := json.Marshal(campaigns)
	if err != nil {
		return errs.Store("summary.upsert", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Store("summary.upsert", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO metric_summaries (tenant_id, summary_type, summary_date, platform, totals, campaign_data, data_source, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, summary_type, summary_date, platform) DO UPDATE SET
			totals = EXCLUDED.totals,
			campaign_data = EXCLUDED.campaign_data,
			data_source = EXCLUDED.data_source,
			last_updated = EXCLUDED.last_updated
	`, rec.TenantID, string(rec.SummaryType), rec.SummaryDate, string(rec.Platform),
		totals, campaignData, rec.DataSource, rec.LastUpdated)
	if err != nil {
		return errs.Store("summary.upsert", fmt.Errorf("failed to upsert summary: %w", err))
	}

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return errs.Store("summary.upsert", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Store("summary.upsert", fmt.Errorf("failed to commit summary: %w", err))
	}
	return nil
}

func (s *PostgresSummaryStore) ListRange(ctx context.Context, q SummaryQuery) ([]*models.SummaryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, summary_type, summary_date, platform, totals, campaign_data, data_source, last_updated
		FROM metric_summaries
		WHERE tenant_id = $1 AND platform = $2 AND summary_type = $3
		  AND summary_date BETWEEN $4 AND $5
		ORDER BY summary_date
	`, q.TenantID, string(q.Platform), string(q.SummaryType), q.From, q.To)
	if err != nil {
		return nil, errs.Store("summary.list", err)
	}
	defer rows.Close()

	var out []*models.SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, errs.Store("summary.list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("summary.list", err)
	}
	return out, nil
}

func scanSummary(row pgx.Row) (*models.SummaryRecord, error) {
	var (
		rec                  models.SummaryRecord
		summaryType, plat    string
		totals, campaignData []byte
	)
	if err := row.Scan(
		&rec.TenantID, &summaryType, &rec.SummaryDate, &plat,
		&totals, &campaignData, &rec.DataSource, &rec.LastUpdated,
	); err != nil {
		return nil, err
	}
	rec.SummaryType = models.SummaryType(summaryType)
	rec.Platform = models.Platform(plat)

	if err := json.Unmarshal(totals, &rec.Totals); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	if err := json.Unmarshal(campaignData, &rec.CampaignData); err != nil {
		return nil, fmt.Errorf("decode campaign_data: %w", err)
	}
	return &rec, nil
}
