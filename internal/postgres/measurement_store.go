package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
)

// MeasurementStore persists daily measurements keyed by (metric, date).
// Values are double precision, so NaN round-trips natively.
type MeasurementStore struct {
	pool *pgxpool.Pool
}

func NewMeasurementStore(pool *pgxpool.Pool) *MeasurementStore {
	return &MeasurementStore{pool: pool}
}

func (s *MeasurementStore) Upsert(ctx context.Context, metricID uuid.UUID, m domain.Measurement) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO measurements (metric_id, date, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (metric_id, date) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, metricID, toTime(m.Date), m.Value)
	observeQuery("measurement_upsert", start, err)

	if err != nil {
		return fmt.Errorf("failed to upsert measurement: %w", err)
	}
	return nil
}

func (s *MeasurementStore) Range(ctx context.Context, metricID uuid.UUID, start, end civil.Date) ([]domain.StoredMeasurement, error) {
	qStart := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT date, value, updated_at
		FROM measurements
		WHERE metric_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date
	`, metricID, toTime(start), toTime(end))
	observeQuery("measurement_range", qStart, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	return scanStored(rows)
}

// RangeWithGaps returns one row per day in [start, end]; days without data
// come back as NaN with a zero updated_at.
func (s *MeasurementStore) RangeWithGaps(ctx context.Context, metricID uuid.UUID, start, end civil.Date) ([]domain.Measurement, error) {
	qStart := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT series.day::date, COALESCE(m.value, 'NaN'::float8)
		FROM generate_series($2::date, $3::date, '1 day') AS series(day)
		LEFT JOIN measurements m ON m.metric_id = $1 AND m.date = series.day
		ORDER BY series.day
	`, metricID, toTime(start), toTime(end))
	observeQuery("measurement_range_gaps", qStart, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []domain.Measurement
	for rows.Next() {
		var (
			day   time.Time
			value float64
		)
		if err := rows.Scan(&day, &value); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, domain.Measurement{Date: civil.DateOf(day), Value: value})
	}
	return out, rows.Err()
}

func (s *MeasurementStore) LastMeasurement(ctx context.Context, metricID uuid.UUID) (*domain.StoredMeasurement, error) {
	return s.queryOne(ctx, "measurement_last", `
		SELECT date, value, updated_at
		FROM measurements
		WHERE metric_id = $1
		ORDER BY date DESC
		LIMIT 1
	`, metricID)
}

func (s *MeasurementStore) LastNonNaN(ctx context.Context, metricID uuid.UUID) (*domain.StoredMeasurement, error) {
	// PostgreSQL treats 'NaN' as equal to itself, so <> filters it out.
	return s.queryOne(ctx, "measurement_last_non_nan", `
		SELECT date, value, updated_at
		FROM measurements
		WHERE metric_id = $1 AND value <> 'NaN'::float8
		ORDER BY date DESC
		LIMIT 1
	`, metricID)
}

// ExportRows returns an organization's measurements joined with metric names,
// newest first, capped at limit.
func (s *MeasurementStore) ExportRows(ctx context.Context, organizationID uuid.UUID, limit int) ([]domain.ExportRow, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT mt.name, m.date, m.value, m.updated_at
		FROM measurements m
		JOIN metrics mt ON mt.id = m.metric_id
		WHERE mt.organization_id = $1
		ORDER BY m.updated_at DESC, m.date DESC, mt.name
		LIMIT $2
	`, organizationID, limit)
	observeQuery("measurement_export_rows", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	var out []domain.ExportRow
	for rows.Next() {
		var (
			r   domain.ExportRow
			day time.Time
		)
		if err := rows.Scan(&r.MetricName, &day, &r.Value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		r.Date = civil.DateOf(day)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MeasurementStore) queryOne(ctx context.Context, query, sql string, metricID uuid.UUID) (*domain.StoredMeasurement, error) {
	var (
		day       time.Time
		value     float64
		updatedAt time.Time
	)
	start := time.Now()
	err := s.pool.QueryRow(ctx, sql, metricID).Scan(&day, &value, &updatedAt)
	observeQuery(query, start, err)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query measurement: %w", err)
	}
	return &domain.StoredMeasurement{
		Measurement: domain.Measurement{Date: civil.DateOf(day), Value: value},
		UpdatedAt:   updatedAt,
	}, nil
}

func scanStored(rows pgx.Rows) ([]domain.StoredMeasurement, error) {
	var out []domain.StoredMeasurement
	for rows.Next() {
		var (
			day       time.Time
			value     float64
			updatedAt time.Time
		)
		if err := rows.Scan(&day, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, domain.StoredMeasurement{
			Measurement: domain.Measurement{Date: civil.DateOf(day), Value: value},
			UpdatedAt:   updatedAt,
		})
	}
	return out, rows.Err()
}

func observeQuery(query string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		metrics.DBErrorsTotal.WithLabelValues(query).Inc()
	}
}
