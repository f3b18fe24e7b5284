package postgres

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/measured-io/measured/internal/domain"
)

// MarkerRepository persists chart annotations keyed by (metric, date).
type MarkerRepository struct {
	pool *pgxpool.Pool
}

func NewMarkerRepository(pool *pgxpool.Pool) *MarkerRepository {
	return &MarkerRepository{pool: pool}
}

func (r *MarkerRepository) Upsert(ctx context.Context, m domain.Marker) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO markers (metric_id, date, text)
		VALUES ($1, $2, $3)
		ON CONFLICT (metric_id, date) DO UPDATE SET text = EXCLUDED.text
	`, m.MetricID, toTime(m.Date), m.Text)
	observeQuery("marker_upsert", start, err)

	if err != nil {
		return fmt.Errorf("failed to upsert marker: %w", err)
	}
	return nil
}

func (r *MarkerRepository) ListByMetric(ctx context.Context, metricID uuid.UUID) ([]domain.Marker, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `
		SELECT metric_id, date, text
		FROM markers
		WHERE metric_id = $1
		ORDER BY date
	`, metricID)
	observeQuery("marker_list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list markers: %w", err)
	}
	defer rows.Close()

	var out []domain.Marker
	for rows.Next() {
		var (
			m    domain.Marker
			date time.Time
		)
		if err := rows.Scan(&m.MetricID, &date, &m.Text); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		m.Date = civil.DateOf(date)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MarkerRepository) Delete(ctx context.Context, metricID uuid.UUID, d civil.Date) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx, `DELETE FROM markers WHERE metric_id = $1 AND date = $2`, metricID, toTime(d))
	observeQuery("marker_delete", start, err)

	if err != nil {
		return fmt.Errorf("failed to delete marker: %w", err)
	}
	return nil
}
