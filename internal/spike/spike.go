// Package spike detects anomalies in a metric's recent measurements by
// comparing each day's value against a trailing rolling mean.
package spike

import (
	"context"
	"log/slog"
	"math"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
)

const (
	// LookbackDays is how much history the detector inspects.
	LookbackDays = 40

	// minPointsRatio is the share of lookback days that must carry data.
	minPointsRatio = 0.5

	trendRollingDays = 5

	// stdMultiplier is the noise tolerance on the absolute deviation.
	stdMultiplier = 7

	// minRelativePct filters deviations that clear the noise band but are
	// small relative to the trend itself.
	minRelativePct = 10
)

// ExtractSpikes returns candidate spike dates in ascending order. The input
// must be gap-filled: one measurement per day, NaN on missing days.
func ExtractSpikes(ms []domain.Measurement) []civil.Date {
	if len(ms) == 0 {
		return nil
	}

	nonNaN := 0
	for _, m := range ms {
		if !m.IsNaN() {
			nonNaN++
		}
	}
	if float64(nonNaN)/float64(len(ms)) < minPointsRatio {
		return nil
	}

	trend := rollingMean(ms, trendRollingDays)
	std := sampleStd(trend)

	var out []civil.Date
	for i, m := range ms {
		if m.IsNaN() || math.IsNaN(trend[i]) {
			continue
		}
		deviation := math.Abs(trend[i] - m.Value)
		if deviation <= std*stdMultiplier {
			continue
		}
		if trend[i] != 0 && deviation/math.Abs(trend[i])*100 <= minRelativePct {
			continue
		}
		out = append(out, m.Date)
	}
	return out
}

// rollingMean computes a trailing mean over window days. The first window-1
// entries are NaN, and any NaN inside a window poisons its mean.
func rollingMean(ms []domain.Measurement, window int) []float64 {
	out := make([]float64, len(ms))
	for i := range ms {
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			sum += ms[j].Value // NaN propagates
		}
		out[i] = sum / float64(window)
	}
	return out
}

// sampleStd is the standard deviation (ddof 1) of the non-NaN entries.
func sampleStd(values []float64) float64 {
	var (
		n   int
		sum float64
	)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		n++
		sum += v
	}
	if n < 2 {
		return math.NaN()
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(n-1))
}

// Detector confirms candidate spikes against a metric's stored history and
// suppression state.
type Detector struct {
	store       domain.MeasurementStore
	metricsRepo domain.MetricRepository
	clock       clockwork.Clock
}

func NewDetector(store domain.MeasurementStore, metricsRepo domain.MetricRepository, clock clockwork.Clock) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{store: store, metricsRepo: metricsRepo, clock: clock}
}

// Check inspects the metric's recent history and returns the confirmed spike
// date, or nil. On confirmation it persists last_detected_spike so the same
// spike is not reported twice.
func (d *Detector) Check(ctx context.Context, metric *domain.Metric) (*civil.Date, error) {
	metrics.SpikeChecksTotal.WithLabelValues("checked").Inc()

	end := civil.DateOf(d.clock.Now().UTC())
	start := end.AddDays(-LookbackDays)

	history, err := d.store.RangeWithGaps(ctx, metric.ID, start, end)
	if err != nil {
		return nil, err
	}

	candidates := ExtractSpikes(history)
	if len(candidates) == 0 {
		return nil, nil
	}
	slog.DebugContext(ctx, "Spike candidates found", "metric_id", metric.ID, "count", len(candidates))

	candidate, ok := firstAfter(candidates, metric.LastDetectedSpike)
	if !ok {
		return nil, nil
	}

	// The spike must sit on the newest data point; older deviations are
	// stale news.
	lastNonNaN, err := d.store.LastNonNaN(ctx, metric.ID)
	if err != nil {
		return nil, err
	}
	if lastNonNaN == nil || lastNonNaN.Date != candidate {
		metrics.SpikeChecksTotal.WithLabelValues("suppressed").Inc()
		return nil, nil
	}

	if d.repeatsPreviousSpike(metric, history, candidate) {
		metrics.SpikeChecksTotal.WithLabelValues("suppressed").Inc()
		return nil, nil
	}

	if err := d.metricsRepo.SetLastDetectedSpike(ctx, metric.ID, candidate); err != nil {
		return nil, err
	}
	metrics.SpikesDetectedTotal.WithLabelValues(metric.IntegrationID).Inc()
	slog.InfoContext(ctx, "Spike confirmed", "metric_id", metric.ID, "date", candidate.String())
	return &candidate, nil
}

// firstAfter returns the earliest candidate strictly after the previous
// detection, or the earliest overall when none was recorded yet.
func firstAfter(candidates []civil.Date, last *civil.Date) (civil.Date, bool) {
	for _, c := range candidates {
		if last == nil || last.Before(c) {
			return c, true
		}
	}
	return civil.Date{}, false
}

// repeatsPreviousSpike suppresses a spike whose value merely repeats the one
// already reported the day before. When the previous day carries no data the
// candidate stands.
func (d *Detector) repeatsPreviousSpike(metric *domain.Metric, history []domain.Measurement, candidate civil.Date) bool {
	if metric.LastDetectedSpike == nil || *metric.LastDetectedSpike != candidate.AddDays(-1) {
		return false
	}

	var candidateValue, previousValue float64 = math.NaN(), math.NaN()
	for _, m := range history {
		switch m.Date {
		case candidate:
			candidateValue = m.Value
		case candidate.AddDays(-1):
			previousValue = m.Value
		}
	}
	if math.IsNaN(candidateValue) || math.IsNaN(previousValue) {
		return false
	}
	return candidateValue == previousValue
}
