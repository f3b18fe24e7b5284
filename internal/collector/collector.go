// Package collector drives latest-value and backfill collection for one
// metric at a time: it instantiates the metric's integration, walks the
// requested window in provider-sized batches, retries transient failures and
// upserts the resulting measurements.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/dates"
	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/platform/retry"
	"github.com/measured-io/measured/internal/schema"
)

type Collector struct {
	metrics domain.MetricRepository
	store   domain.MeasurementStore
	app     *config.Config
	clock   clockwork.Clock
	policy  retry.Policy
}

type Option func(*Collector)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Collector) { c.clock = clock }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Collector) { c.policy = p }
}

func New(metricRepo domain.MetricRepository, store domain.MeasurementStore, app *config.Config, opts ...Option) *Collector {
	c := &Collector{
		metrics: metricRepo,
		store:   store,
		app:     app,
		clock:   clockwork.NewRealClock(),
		policy:  retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// classify decides retry behavior. Rate limiting gets the longer backoff
// even though a 429 is also user-visible; giving the provider time to cool
// off beats emailing the user.
func classify(err error) retry.Action {
	switch {
	case domain.IsRateLimited(err):
		return retry.After
	case domain.IsTransient(err):
		return retry.Retry
	default:
		return retry.Stop
	}
}

// CollectLatest gathers the most recent measurements for one metric. For
// backfillable integrations with existing data it requests the whole gap
// since the last stored measurement, so missed days are recovered.
func (c *Collector) CollectLatest(ctx context.Context, metricID uuid.UUID) error {
	start := c.clock.Now()
	integrationID, err := c.collectLatest(ctx, metricID)
	c.observeJob(ctx, "latest", integrationID, metricID, start, err)
	return err
}

func (c *Collector) collectLatest(ctx context.Context, metricID uuid.UUID) (string, error) {
	metric, err := c.metrics.Get(ctx, metricID)
	if err != nil {
		return "", err
	}
	if err := c.metrics.SetLastCollectAttempt(ctx, metricID); err != nil {
		return metric.IntegrationID, err
	}

	inst, desc, err := c.newIntegration(ctx, metric)
	if err != nil {
		return metric.IntegrationID, err
	}
	defer inst.Close()

	yesterday := c.yesterday()

	if inst.CanBackfill() {
		last, err := c.store.LastMeasurement(ctx, metricID)
		if err != nil {
			return metric.IntegrationID, err
		}
		if last != nil {
			windowStart := last.Date.AddDays(1)
			if yesterday.Before(windowStart) {
				windowStart = yesterday
			}
			_, err := c.collectWindow(ctx, metric, inst, desc, windowStart, yesterday)
			return metric.IntegrationID, err
		}
	}

	m, err := retry.Do(ctx, c.retryPolicy(metric), classify, func() (domain.Measurement, error) {
		return inst.CollectLatest(ctx)
	})
	if err != nil {
		return metric.IntegrationID, err
	}
	return metric.IntegrationID, c.upsert(ctx, metric, m)
}

// Backfill collects history from since (an ISO date or a duration such as
// "3 days"; empty means as far back as the integration allows) through
// yesterday. It returns the number of measurements stored.
func (c *Collector) Backfill(ctx context.Context, metricID uuid.UUID, since string) (int, error) {
	jobStart := c.clock.Now()
	n, integrationID, err := c.backfill(ctx, metricID, since)
	c.observeJob(ctx, "backfill", integrationID, metricID, jobStart, err)
	return n, err
}

func (c *Collector) backfill(ctx context.Context, metricID uuid.UUID, since string) (int, string, error) {
	metric, err := c.metrics.Get(ctx, metricID)
	if err != nil {
		return 0, "", err
	}
	if err := c.metrics.SetLastCollectAttempt(ctx, metricID); err != nil {
		return 0, metric.IntegrationID, err
	}

	inst, desc, err := c.newIntegration(ctx, metric)
	if err != nil {
		return 0, metric.IntegrationID, err
	}
	defer inst.Close()

	if !inst.CanBackfill() {
		return 0, metric.IntegrationID, domain.UserFixable("integration %s cannot backfill", metric.IntegrationID)
	}

	yesterday := c.yesterday()

	sinceDate := civil.Date{} // zero date, clamped up to the earliest bound below
	if since != "" {
		sinceDate, err = dates.ParseSince(since, civil.DateOf(c.clock.Now().UTC()))
		if err != nil {
			return 0, metric.IntegrationID, domain.UserFixable("invalid since argument: %v", err)
		}
	}

	// Resume from the earlier of last stored data and the requested start,
	// so a previously interrupted backfill leaves no holes.
	start := sinceDate
	last, err := c.store.LastMeasurement(ctx, metricID)
	if err != nil {
		return 0, metric.IntegrationID, err
	}
	if last != nil && last.Date.Before(start) {
		start = last.Date
	}
	if earliest := inst.EarliestBackfill(); start.Before(earliest) {
		start = earliest
	}

	if yesterday.Before(start) {
		return 0, metric.IntegrationID, nil
	}
	n, err := c.collectWindow(ctx, metric, inst, desc, start, yesterday)
	return n, metric.IntegrationID, err
}

// DryRunResult is the UI preview of a candidate configuration.
type DryRunResult struct {
	Measurements []domain.Measurement
	Schema       *schema.Schema
	CanBackfill  bool
}

// DryRun instantiates an integration from an unsaved config and collects a
// small sample: the last 10 days when backfillable, else the single latest
// measurement. Nothing is stored.
func (c *Collector) DryRun(ctx context.Context, integrationID string, cfg map[string]any, creds domain.Credentials) (DryRunResult, error) {
	desc, err := integrations.Get(integrationID, c.app.Production())
	if err != nil {
		return DryRunResult{}, err
	}

	// Refreshed credentials during a dry run are kept in memory only; the
	// caller persists them with the metric when it is saved.
	inst, err := desc.New(ctx, integrations.Deps{
		Config:      cfg,
		Credentials: creds,
		Persister: domain.PersisterFunc(func(context.Context, domain.Credentials) error {
			return nil
		}),
		App:   c.app,
		Clock: c.clock,
	})
	if err != nil {
		return DryRunResult{}, err
	}
	defer inst.Close()

	refreshed, err := inst.ConfigSchema(ctx)
	if err != nil {
		return DryRunResult{}, err
	}

	result := DryRunResult{Schema: refreshed, CanBackfill: inst.CanBackfill()}

	yesterday := c.yesterday()
	if inst.CanBackfill() {
		start := yesterday.AddDays(-9)
		if earliest := inst.EarliestBackfill(); start.Before(earliest) {
			start = earliest
		}
		err = inst.CollectRange(ctx, start, yesterday, func(m domain.Measurement) error {
			result.Measurements = append(result.Measurements, m)
			return nil
		})
		if err != nil {
			return DryRunResult{}, err
		}
		return result, nil
	}

	m, err := inst.CollectLatest(ctx)
	if err != nil {
		return DryRunResult{}, err
	}
	result.Measurements = []domain.Measurement{m}
	return result, nil
}

func (c *Collector) newIntegration(ctx context.Context, metric *domain.Metric) (integrations.Integration, integrations.Descriptor, error) {
	desc, err := integrations.Get(metric.IntegrationID, c.app.Production())
	if err != nil {
		return nil, integrations.Descriptor{}, err
	}

	inst, err := desc.New(ctx, integrations.Deps{
		Config:      metric.Config,
		Credentials: metric.Credentials.Clone(),
		Persister:   metricPersister{repo: c.metrics, id: metric.ID},
		App:         c.app,
		Clock:       c.clock,
	})
	if err != nil {
		return nil, integrations.Descriptor{}, err
	}
	return inst, desc, nil
}

// collectWindow walks [start, end] in batches sized to the integration's
// limits, retrying each batch independently.
func (c *Collector) collectWindow(ctx context.Context, metric *domain.Metric, inst integrations.Integration, desc integrations.Descriptor, start, end civil.Date) (int, error) {
	var windows []dates.Window
	switch {
	case desc.MonthBatched:
		windows = dates.SplitByMonth(start, end)
	case desc.MaxBatchDays > 0:
		windows = dates.SplitFixed(start, end, desc.MaxBatchDays)
	default:
		windows = dates.SplitFixed(start, end, end.DaysSince(start)+1)
	}

	collected := 0
	for _, w := range windows {
		err := retry.DoVoid(ctx, c.retryPolicy(metric), classify, func() error {
			return inst.CollectRange(ctx, w.Start, w.End, func(m domain.Measurement) error {
				// A provider value outside the requested window is dropped,
				// not stored under a wrong date.
				if m.Date.Before(w.Start) || w.End.Before(m.Date) {
					slog.WarnContext(ctx, "Dropping out-of-range measurement",
						"metric_id", metric.ID, "date", m.Date.String(),
						"window_start", w.Start.String(), "window_end", w.End.String())
					return nil
				}
				if err := c.upsert(ctx, metric, m); err != nil {
					return err
				}
				collected++
				return nil
			})
		})
		if err != nil {
			return collected, err
		}
	}
	return collected, nil
}

func (c *Collector) upsert(ctx context.Context, metric *domain.Metric, m domain.Measurement) error {
	if err := c.store.Upsert(ctx, metric.ID, m); err != nil {
		return fmt.Errorf("failed to upsert measurement: %w", err)
	}
	metrics.MeasurementsUpserted.WithLabelValues(metric.IntegrationID).Inc()
	return nil
}

func (c *Collector) retryPolicy(metric *domain.Metric) retry.Policy {
	p := c.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		metrics.CollectionRetriesTotal.WithLabelValues(metric.IntegrationID).Inc()
		slog.Warn("Retrying collection", "metric_id", metric.ID, "attempt", attempt, "backoff", backoff.String(), "error", err)
	}
	return p
}

func (c *Collector) yesterday() civil.Date {
	return civil.DateOf(c.clock.Now().UTC()).AddDays(-1)
}

func (c *Collector) observeJob(ctx context.Context, kind, integrationID string, metricID uuid.UUID, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	if integrationID == "" {
		integrationID = "unknown"
	}
	metrics.CollectionJobsTotal.WithLabelValues(kind, result).Inc()
	metrics.CollectionJobDuration.WithLabelValues(integrationID).Observe(c.clock.Since(start).Seconds())

	if err != nil {
		slog.ErrorContext(ctx, "Collection job failed", "kind", kind, "metric_id", metricID, "error", err)
		return
	}
	slog.InfoContext(ctx, "Collection job finished", "kind", kind, "metric_id", metricID, "duration", c.clock.Since(start).String())
}

// metricPersister stores refreshed credentials back on the owning metric.
type metricPersister struct {
	repo domain.MetricRepository
	id   uuid.UUID
}

func (p metricPersister) PersistCredentials(ctx context.Context, creds domain.Credentials) error {
	return p.repo.UpdateCredentials(ctx, p.id, creds)
}
