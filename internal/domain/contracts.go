package domain

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// MeasurementStore persists measurements keyed by (metric, date).
type MeasurementStore interface {
	// Upsert overwrites any existing measurement for (metric, date).
	// NaN values are stored as NaN, never coerced to zero or null.
	Upsert(ctx context.Context, metricID uuid.UUID, m Measurement) error

	// Range returns stored measurements in [start, end], ascending by date.
	Range(ctx context.Context, metricID uuid.UUID, start, end civil.Date) ([]StoredMeasurement, error)

	// RangeWithGaps returns one entry per day in [start, end], with NaN on
	// days that have no stored measurement.
	RangeWithGaps(ctx context.Context, metricID uuid.UUID, start, end civil.Date) ([]Measurement, error)

	// LastMeasurement returns the most recent stored measurement, NaN or not,
	// or nil when the metric has none.
	LastMeasurement(ctx context.Context, metricID uuid.UUID) (*StoredMeasurement, error)

	// LastNonNaN returns the most recent stored measurement with a real
	// value, or nil when the metric has none.
	LastNonNaN(ctx context.Context, metricID uuid.UUID) (*StoredMeasurement, error)
}

// MetricRepository persists metric configuration records.
type MetricRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Metric, error)
	List(ctx context.Context) ([]Metric, error)
	UpdateCredentials(ctx context.Context, id uuid.UUID, creds Credentials) error
	SetLastCollectAttempt(ctx context.Context, id uuid.UUID) error
	SetLastDetectedSpike(ctx context.Context, id uuid.UUID, d civil.Date) error
}

// MarkerRepository persists chart annotations.
type MarkerRepository interface {
	Upsert(ctx context.Context, m Marker) error
	ListByMetric(ctx context.Context, metricID uuid.UUID) ([]Marker, error)
	Delete(ctx context.Context, metricID uuid.UUID, d civil.Date) error
}

// OrganizationRepository persists organizations and their export settings.
type OrganizationRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Organization, error)
	ListExportConfigured(ctx context.Context) ([]Organization, error)
	UpdateSpreadsheetCredentials(ctx context.Context, id uuid.UUID, creds Credentials) error
}

// Notifier delivers user-visible and operator notifications. Implementations
// must not block jobs indefinitely; delivery failures are logged, not fatal.
type Notifier interface {
	NotifyUser(ctx context.Context, email, subject, body string) error
	NotifyOperator(ctx context.Context, subject, body string) error
}
