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

	"github.com/measured-io/measured/internal/crypto"
	"github.com/measured-io/measured/internal/domain"
)

// MetricRepository persists metric configuration records. Credentials are
// encrypted at rest.
type MetricRepository struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

func NewMetricRepository(pool *pgxpool.Pool, cryptoSvc crypto.Service) *MetricRepository {
	return &MetricRepository{pool: pool, crypto: cryptoSvc}
}

const metricColumns = `
	id, created_at, name, integration_id, config, credentials, owner_email,
	organization_id, higher_is_better, enable_medals, target,
	last_collect_attempt, last_detected_spike`

func (r *MetricRepository) Create(ctx context.Context, m *domain.Metric) error {
	creds, err := r.encrypt(m.Credentials)
	if err != nil {
		return err
	}

	start := time.Now()
	err = r.pool.QueryRow(ctx, `
		INSERT INTO metrics (name, integration_id, config, credentials, owner_email,
			organization_id, higher_is_better, enable_medals, target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, m.Name, m.IntegrationID, m.Config, creds, m.OwnerEmail,
		m.OrganizationID, m.HigherIsBetter, m.EnableMedals, m.Target,
	).Scan(&m.ID, &m.CreatedAt)
	observeQuery("metric_create", start, err)

	if err != nil {
		return fmt.Errorf("failed to create metric: %w", err)
	}
	return nil
}

func (r *MetricRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+metricColumns+` FROM metrics WHERE id = $1`, id)
	m, err := r.scanMetric(row)
	observeQuery("metric_get", start, err)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMetricNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metric: %w", err)
	}
	return m, nil
}

func (r *MetricRepository) List(ctx context.Context) ([]domain.Metric, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `SELECT `+metricColumns+` FROM metrics ORDER BY created_at`)
	observeQuery("metric_list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.Metric
	for rows.Next() {
		m, err := r.scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *MetricRepository) UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
	encrypted, err := r.encrypt(creds)
	if err != nil {
		return err
	}

	start := time.Now()
	tag, err := r.pool.Exec(ctx, `UPDATE metrics SET credentials = $1 WHERE id = $2`, encrypted, id)
	observeQuery("metric_update_credentials", start, err)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMetricNotFound
	}
	return nil
}

func (r *MetricRepository) SetLastCollectAttempt(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `UPDATE metrics SET last_collect_attempt = NOW() WHERE id = $1`, id)
	observeQuery("metric_set_last_attempt", start, err)
	if err != nil {
		return fmt.Errorf("failed to stamp collect attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMetricNotFound
	}
	return nil
}

func (r *MetricRepository) SetLastDetectedSpike(ctx context.Context, id uuid.UUID, d civil.Date) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `UPDATE metrics SET last_detected_spike = $1 WHERE id = $2`, toTime(d), id)
	observeQuery("metric_set_last_spike", start, err)
	if err != nil {
		return fmt.Errorf("failed to store detected spike: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMetricNotFound
	}
	return nil
}

func (r *MetricRepository) Delete(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `DELETE FROM metrics WHERE id = $1`, id)
	observeQuery("metric_delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete metric: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMetricNotFound
	}
	return nil
}

func (r *MetricRepository) scanMetric(row pgx.Row) (*domain.Metric, error) {
	var (
		m           domain.Metric
		credentials *string
		spike       *time.Time
	)
	err := row.Scan(
		&m.ID, &m.CreatedAt, &m.Name, &m.IntegrationID, &m.Config, &credentials,
		&m.OwnerEmail, &m.OrganizationID, &m.HigherIsBetter, &m.EnableMedals,
		&m.Target, &m.LastCollectAttempt, &spike,
	)
	if err != nil {
		return nil, err
	}

	if credentials != nil {
		m.Credentials, err = crypto.DecryptCredentials(r.crypto, *credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
		}
	}
	if spike != nil {
		d := civil.DateOf(*spike)
		m.LastDetectedSpike = &d
	}
	return &m, nil
}

func (r *MetricRepository) encrypt(creds domain.Credentials) (*string, error) {
	if creds == nil {
		return nil, nil
	}
	encrypted, err := crypto.EncryptCredentials(r.crypto, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return &encrypted, nil
}
