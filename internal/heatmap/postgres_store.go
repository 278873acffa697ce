package heatmap

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists buckets in PostgreSQL. A bucket row anchors the
// bucket; its slots live in risk_slots keyed by slot start.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bucket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert creates the bucket if it does not exist, then merges the slot.
// The ON CONFLICT update takes a row lock, so concurrent writers to the same
// slot serialize and both contributions land.
func (p *PostgresStore) Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_buckets (scope_id, category, resolution, bucket_start, bucket_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope_id, category, resolution, bucket_start) DO NOTHING`,
		string(key.ScopeID), string(key.Category), key.Resolution.Name,
		key.BucketStart.UTC(), key.BucketEnd().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_slots (
			scope_id, category, resolution, bucket_start,
			slot_start, slot_end, risk_score,
			anomalous_metrics_count, anomalous_logs_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scope_id, category, resolution, slot_start) DO UPDATE SET
			risk_score              = GREATEST(risk_slots.risk_score, EXCLUDED.risk_score),
			anomalous_metrics_count = risk_slots.anomalous_metrics_count + EXCLUDED.anomalous_metrics_count,
			anomalous_logs_count    = risk_slots.anomalous_logs_count + EXCLUDED.anomalous_logs_count`,
		string(key.ScopeID), string(key.Category), key.Resolution.Name, key.BucketStart.UTC(),
		slot.StartTime.UTC(), slot.EndTime.UTC(), slot.RiskScore,
		slot.AnomalousMetricsCount, slot.AnomalousLogsCount,
	)
	if err != nil {
		return fmt.Errorf("upsert slot: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.bucket_start, b.bucket_end,
		       s.slot_start, s.slot_end, s.risk_score,
		       s.anomalous_metrics_count, s.anomalous_logs_count
		FROM risk_buckets b
		LEFT JOIN risk_slots s
		  ON s.scope_id = b.scope_id
		 AND s.category = b.category
		 AND s.resolution = b.resolution
		 AND s.bucket_start = b.bucket_start
		WHERE b.scope_id = $1
		  AND b.category = $2
		  AND b.resolution = $3
		  AND b.bucket_start >= $4
		  AND b.bucket_start < $5
		ORDER BY b.bucket_start, s.slot_start`,
		string(q.ScopeID), string(q.Category), q.Resolution.Name,
		q.Resolution.BucketStart(q.From), q.To.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var (
		out     []*Bucket
		current *Bucket
	)
	for rows.Next() {
		var (
			bucketStart, bucketEnd time.Time
			slotStart, slotEnd     sql.NullTime
			risk                   sql.NullFloat64
			metrics, logs          sql.NullInt64
		)
		if err := rows.Scan(&bucketStart, &bucketEnd, &slotStart, &slotEnd, &risk, &metrics, &logs); err != nil {
			return nil, err
		}

		if current == nil || !current.BucketStart.Equal(bucketStart) {
			current = &Bucket{
				ScopeID:     q.ScopeID,
				Category:    q.Category,
				Resolution:  q.Resolution.Name,
				BucketStart: bucketStart.UTC(),
				BucketEnd:   bucketEnd.UTC(),
			}
			out = append(out, current)
		}
		if !slotStart.Valid {
			continue // bucket with no slots yet
		}
		current.Risks = append(current.Risks, RiskSlot{
			StartTime:             slotStart.Time.UTC(),
			EndTime:               slotEnd.Time.UTC(),
			RiskScore:             risk.Float64,
			AnomalousMetricsCount: metrics.Int64,
			AnomalousLogsCount:    logs.Int64,
		})
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
