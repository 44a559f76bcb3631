package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/distcore/enginekit/db"
)

// DBAuditRecorder persists invalidation events to Postgres: an
// append-only, indexed log of invalidation activity for compliance and
// tracing, written through this module's own db.Pool.
type DBAuditRecorder struct {
	pool *db.Pool
}

// NewDBAuditRecorder creates a recorder over pool. The caller is
// responsible for having applied the invalidation_audit schema
// (CREATE TABLE invalidation_audit (id BIGSERIAL PRIMARY KEY, pattern
// TEXT, keys JSONB, triggered_by TEXT, occurred_at TIMESTAMPTZ)).
func NewDBAuditRecorder(pool *db.Pool) *DBAuditRecorder {
	return &DBAuditRecorder{pool: pool}
}

// RecordInvalidation implements AuditRecorder. It never blocks the
// caller on a failed write; a logging failure is swallowed since audit
// trail writes are best-effort relative to the invalidation itself.
func (r *DBAuditRecorder) RecordInvalidation(ctx context.Context, pattern string, keys []string, triggeredBy string) {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return
	}

	_, _ = r.pool.Exec(ctx,
		`INSERT INTO invalidation_audit (pattern, keys, triggered_by, occurred_at) VALUES ($1, $2, $3, $4)`,
		pattern, keysJSON, triggeredBy, time.Now(),
	)
}

// Recent returns the most recently recorded invalidations, newest
// first.
func (r *DBAuditRecorder) Recent(ctx context.Context, limit int) ([]InvalidationRecord, error) {
	rows, err := r.pool.From("invalidation_audit").
		Select("pattern", "keys", "triggered_by", "occurred_at").
		OrderBy("occurred_at DESC").
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: query invalidation audit: %w", err)
	}

	records := make([]InvalidationRecord, 0, len(rows))
	for _, row := range rows {
		rec := InvalidationRecord{
			Pattern:     fmt.Sprint(row["pattern"]),
			TriggeredBy: fmt.Sprint(row["triggered_by"]),
		}
		if ts, ok := row["occurred_at"].(time.Time); ok {
			rec.OccurredAt = ts
		}
		if raw, ok := row["keys"].([]byte); ok {
			_ = json.Unmarshal(raw, &rec.Keys)
		}
		records = append(records, rec)
	}
	return records, nil
}

// InvalidationRecord is one row of the invalidation audit trail.
type InvalidationRecord struct {
	Pattern     string
	Keys        []string
	TriggeredBy string
	OccurredAt  time.Time
}
