// Package scheduler dispatches per-metric collection jobs on a bounded worker
// pool, serializes them with redis locks, and routes job failures to the
// right audience.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/platform/correlation"
)

// inactiveReminderDays are the exact day marks at which the owner of a metric
// without fresh data is reminded. The sweep runs at most once per UTC day,
// so equality works.
var inactiveReminderDays = []int{15, 30, 90}

// CollectRunner is the collection engine driven by the scheduler.
type CollectRunner interface {
	CollectLatest(ctx context.Context, metricID uuid.UUID) error
	Backfill(ctx context.Context, metricID uuid.UUID, since string) (int, error)
}

// SpikeChecker inspects a metric's history after a successful collection.
type SpikeChecker interface {
	Check(ctx context.Context, metric *domain.Metric) (*civil.Date, error)
}

// Locker serializes jobs per metric across instances.
type Locker interface {
	TryAcquire(ctx context.Context, metricID uuid.UUID) (release func(), acquired bool, err error)
}

type Scheduler struct {
	cfg      *config.Config
	metrics  domain.MetricRepository
	store    domain.MeasurementStore
	runner   CollectRunner
	locker   Locker
	notifier domain.Notifier
	spikes   SpikeChecker
	clock    clockwork.Clock
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func New(cfg *config.Config, metricRepo domain.MetricRepository, store domain.MeasurementStore,
	runner CollectRunner, locker Locker, notifier domain.Notifier, spikes SpikeChecker, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		metrics:  metricRepo,
		store:    store,
		runner:   runner,
		locker:   locker,
		notifier: notifier,
		spikes:   spikes,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the periodic sweep until ctx is cancelled: one collect-all
// pass every CollectInterval, plus the inactivity check at most once per
// UTC day no matter how short the interval is.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.CollectInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Scheduler started", "interval", s.cfg.CollectInterval.String(), "workers", s.cfg.WorkerCount)
	var lastInactivitySweep civil.Date
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.CollectAllLatest(ctx); err != nil {
				slog.ErrorContext(ctx, "Collect-all sweep failed", "error", err)
			}

			if today := civil.DateOf(s.clock.Now().UTC()); today != lastInactivitySweep {
				lastInactivitySweep = today
				if err := s.VerifyInactive(ctx); err != nil {
					slog.ErrorContext(ctx, "Inactivity sweep failed", "error", err)
				}
			}
		}
	}
}

// CollectAllLatest runs one collect-latest job per metric on the worker pool.
// Individual job failures are routed to notifications, never propagated; the
// returned error covers the enumeration only.
func (s *Scheduler) CollectAllLatest(ctx context.Context) error {
	all, err := s.metrics.List(ctx)
	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to enumerate metrics: %w", err)
	}

	metrics.SchedulerQueueDepth.Set(float64(len(all)))
	defer metrics.SchedulerQueueDepth.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerCount)
	for _, metric := range all {
		g.Go(func() error {
			s.CollectLatest(gctx, metric.ID)
			return nil
		})
	}
	_ = g.Wait()

	metrics.SchedulerRunsTotal.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "Collect-all sweep finished", "metrics", len(all))
	return nil
}

// CollectLatest runs a single collect-latest job under the per-metric lock.
// When another job holds the lock the metric is skipped, not queued.
func (s *Scheduler) CollectLatest(ctx context.Context, metricID uuid.UUID) {
	ctx = correlation.WithJobID(ctx, correlation.NewJobID())

	release, acquired, err := s.locker.TryAcquire(ctx, metricID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to acquire collection lock", "metric_id", metricID, "error", err)
		return
	}
	if !acquired {
		metrics.JobLockContentionTotal.Inc()
		slog.InfoContext(ctx, "Collection already in flight, skipping", "metric_id", metricID)
		return
	}
	defer release()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	if err := s.runner.CollectLatest(jobCtx, metricID); err != nil {
		s.routeError(ctx, metricID, collectContext, err)
		return
	}
	s.checkSpike(ctx, metricID)
}

// Backfill runs a backfill job under the per-metric lock and notifies the
// metric owner of the outcome.
func (s *Scheduler) Backfill(ctx context.Context, metricID uuid.UUID, since string) {
	ctx = correlation.WithJobID(ctx, correlation.NewJobID())

	release, acquired, err := s.locker.TryAcquire(ctx, metricID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to acquire collection lock", "metric_id", metricID, "error", err)
		return
	}
	if !acquired {
		metrics.JobLockContentionTotal.Inc()
		slog.InfoContext(ctx, "Collection already in flight, skipping backfill", "metric_id", metricID)
		return
	}
	defer release()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	n, err := s.runner.Backfill(jobCtx, metricID, since)
	if err != nil {
		s.routeError(ctx, metricID, backfillContext, err)
		return
	}
	s.notifyBackfillDone(ctx, metricID, n)
}

// VerifyInactive reminds owners of metrics whose last real measurement is
// exactly 15, 30 or 90 days old.
func (s *Scheduler) VerifyInactive(ctx context.Context) error {
	all, err := s.metrics.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate metrics: %w", err)
	}

	for _, metric := range all {
		last, err := s.store.LastNonNaN(ctx, metric.ID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to read last measurement", "metric_id", metric.ID, "error", err)
			continue
		}
		if last == nil {
			continue
		}

		days := int(s.clock.Now().UTC().Sub(last.UpdatedAt).Hours() / 24)
		for _, reminder := range inactiveReminderDays {
			if days != reminder {
				continue
			}
			metrics.InactiveMetricsDetected.WithLabelValues(fmt.Sprintf("%dd", reminder)).Inc()
			subject := fmt.Sprintf("Your metric %s hasn't collected new data in %d days", metric.Name, reminder)
			body := fmt.Sprintf(`Hello 👋

It seems like your metric %q hasn't collected any new data in the last %d days.

To fix this error, you might have to reconfigure your metric by following the link below:
%s`, metric.Name, reminder, s.configureLink(metric.ID))
			if err := s.notifier.NotifyUser(ctx, metric.OwnerEmail, subject, body); err != nil {
				slog.ErrorContext(ctx, "Failed to send inactivity reminder", "metric_id", metric.ID, "error", err)
			}
		}
	}
	return nil
}

// checkSpike runs the spike detector at the end of a successful collection
// job and notifies the owner of a fresh spike.
func (s *Scheduler) checkSpike(ctx context.Context, metricID uuid.UUID) {
	metric, err := s.metrics.Get(ctx, metricID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load metric for spike check", "metric_id", metricID, "error", err)
		return
	}

	spikeDate, err := s.spikes.Check(ctx, metric)
	if err != nil {
		slog.ErrorContext(ctx, "Spike check failed", "metric_id", metricID, "error", err)
		return
	}
	if spikeDate == nil {
		return
	}

	subject := fmt.Sprintf("New changes in metric %q 📈", metric.Name)
	body := fmt.Sprintf(`Hello 👋

Your metric %q spiked on %s. Go check it out:
%s`, metric.Name, spikeDate.String(), s.configureLink(metric.ID))
	if err := s.notifier.NotifyUser(ctx, metric.OwnerEmail, subject, body); err != nil {
		slog.ErrorContext(ctx, "Failed to send spike notification", "metric_id", metricID, "error", err)
	}
}

func (s *Scheduler) notifyBackfillDone(ctx context.Context, metricID uuid.UUID, collected int) {
	metric, err := s.metrics.Get(ctx, metricID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load metric after backfill", "metric_id", metricID, "error", err)
		return
	}

	subject := fmt.Sprintf("Your metric %s has successfully been backfilled", metric.Name)
	body := fmt.Sprintf(`Hello 👋

Metric %q has successfully been backfilled with %d measurements.`, metric.Name, collected)
	if err := s.notifier.NotifyUser(ctx, metric.OwnerEmail, subject, body); err != nil {
		slog.ErrorContext(ctx, "Failed to send backfill notification", "metric_id", metricID, "error", err)
	}
}

func (s *Scheduler) configureLink(metricID uuid.UUID) string {
	return fmt.Sprintf("%s/metrics/%s/edit", s.cfg.BaseURL, metricID)
}

func (s *Scheduler) authorizeLink(metricID uuid.UUID) string {
	return fmt.Sprintf("%s/metrics/%s/authorize", s.cfg.BaseURL, metricID)
}
