package spike

import (
	"context"
	"math"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/domain"
)

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// series builds a gap-filled window of length days starting at start, all
// zero, with overrides applied. Use NaN in overrides for missing days.
func series(start civil.Date, days int, overrides map[int]float64) []domain.Measurement {
	out := make([]domain.Measurement, days)
	for i := range out {
		v := 0.0
		if o, ok := overrides[i+1]; ok { // 1-based like the scenario wording
			v = o
		}
		out[i] = domain.Measurement{Date: start.AddDays(i), Value: v}
	}
	return out
}

func TestExtractSpikes_SingleOutlier(t *testing.T) {
	start := day("2024-01-01")
	overrides := map[int]float64{35: 10}
	for i := 36; i <= 41; i++ {
		overrides[i] = math.NaN() // not collected yet
	}
	ms := series(start, 41, overrides)

	spikes := ExtractSpikes(ms)
	require.Len(t, spikes, 1)
	assert.Equal(t, start.AddDays(34), spikes[0])
}

func TestExtractSpikes_FlatSeriesHasNone(t *testing.T) {
	assert.Empty(t, ExtractSpikes(series(day("2024-01-01"), 41, nil)))
}

func TestExtractSpikes_TooSparse(t *testing.T) {
	overrides := map[int]float64{}
	for i := 1; i <= 41; i++ {
		overrides[i] = math.NaN()
	}
	// 15 of 41 points (< 50%), one of them wildly off.
	for i := 1; i <= 14; i++ {
		overrides[i] = 1
	}
	overrides[41] = 1000

	assert.Empty(t, ExtractSpikes(series(day("2024-01-01"), 41, overrides)))
}

func TestExtractSpikes_SmallRelativeDeviationIgnored(t *testing.T) {
	// A large flat baseline with a tiny wiggle: the wiggle clears a tiny
	// noise band but is well under 10% of the trend.
	overrides := map[int]float64{}
	for i := 1; i <= 41; i++ {
		overrides[i] = 1000
	}
	overrides[41] = 1001

	assert.Empty(t, ExtractSpikes(series(day("2024-01-01"), 41, overrides)))
}

func TestRollingMean_NaNPoisonsWindow(t *testing.T) {
	ms := series(day("2024-01-01"), 10, map[int]float64{6: math.NaN()})
	trend := rollingMean(ms, 5)

	for i := 0; i < 4; i++ {
		assert.True(t, math.IsNaN(trend[i]), "index %d", i)
	}
	assert.Equal(t, 0.0, trend[4])
	// Windows covering the NaN day (indices 5..9) are NaN.
	for i := 5; i <= 9; i++ {
		assert.True(t, math.IsNaN(trend[i]), "index %d", i)
	}
}

func TestSampleStd(t *testing.T) {
	// Sample std of {2, 4, 4, 4, 5, 5, 7, 9} is ~2.138.
	assert.InDelta(t, 2.138, sampleStd([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 0.001)
	assert.True(t, math.IsNaN(sampleStd([]float64{1})))
	assert.InDelta(t, 2.138, sampleStd([]float64{2, math.NaN(), 4, 4, 4, 5, 5, 7, 9}), 0.001, "NaN entries skipped")
}

type stubStore struct {
	domain.MeasurementStore
	history    []domain.Measurement
	lastNonNaN *domain.StoredMeasurement
}

func (s *stubStore) RangeWithGaps(context.Context, uuid.UUID, civil.Date, civil.Date) ([]domain.Measurement, error) {
	return s.history, nil
}

func (s *stubStore) LastNonNaN(context.Context, uuid.UUID) (*domain.StoredMeasurement, error) {
	return s.lastNonNaN, nil
}

type stubRepo struct {
	domain.MetricRepository
	persisted *civil.Date
}

func (r *stubRepo) SetLastDetectedSpike(_ context.Context, _ uuid.UUID, d civil.Date) error {
	r.persisted = &d
	return nil
}

func checkFixture(history []domain.Measurement, lastNonNaN civil.Date, lastDetected *civil.Date) (*Detector, *domain.Metric, *stubRepo) {
	store := &stubStore{
		history:    history,
		lastNonNaN: &domain.StoredMeasurement{Measurement: measurementAt(history, lastNonNaN)},
	}
	repo := &stubRepo{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))
	metric := &domain.Metric{ID: uuid.New(), Name: "m", LastDetectedSpike: lastDetected}
	return NewDetector(store, repo, clock), metric, repo
}

func measurementAt(history []domain.Measurement, d civil.Date) domain.Measurement {
	for _, m := range history {
		if m.Date == d {
			return m
		}
	}
	return domain.Measurement{Date: d, Value: math.NaN()}
}

func spikeHistory(extra map[int]float64) []domain.Measurement {
	overrides := map[int]float64{35: 10}
	for i := 36; i <= 41; i++ {
		overrides[i] = math.NaN()
	}
	for i, v := range extra {
		overrides[i] = v
	}
	return series(day("2024-01-01"), 41, overrides)
}

func TestCheck_ConfirmsAndPersists(t *testing.T) {
	spikeDay := day("2024-01-01").AddDays(34)
	d, metric, repo := checkFixture(spikeHistory(nil), spikeDay, nil)

	got, err := d.Check(context.Background(), metric)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, spikeDay, *got)
	require.NotNil(t, repo.persisted)
	assert.Equal(t, spikeDay, *repo.persisted)
}

func TestCheck_RerunDoesNotRetrigger(t *testing.T) {
	spikeDay := day("2024-01-01").AddDays(34)
	d, metric, repo := checkFixture(spikeHistory(nil), spikeDay, &spikeDay)

	got, err := d.Check(context.Background(), metric)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, repo.persisted)
}

func TestCheck_StaleCandidateSuppressed(t *testing.T) {
	// Newer (non-spike) data exists after the candidate: stale news.
	history := spikeHistory(map[int]float64{36: 0})
	d, metric, repo := checkFixture(history, day("2024-01-01").AddDays(35), nil)

	got, err := d.Check(context.Background(), metric)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, repo.persisted)
}

func TestCheck_EqualValueDayAfterSuppressed(t *testing.T) {
	spikeDay := day("2024-01-01").AddDays(34)
	history := spikeHistory(map[int]float64{36: 10})
	d, metric, repo := checkFixture(history, spikeDay.AddDays(1), &spikeDay)

	got, err := d.Check(context.Background(), metric)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, repo.persisted)
}

func TestCheck_RaisingLastDetectedIsMonotone(t *testing.T) {
	// Any later last_detected_spike must report a subset of spike dates.
	history := spikeHistory(nil)
	spikeDay := day("2024-01-01").AddDays(34)

	report := func(last *civil.Date) *civil.Date {
		d, metric, _ := checkFixture(history, spikeDay, last)
		got, err := d.Check(context.Background(), metric)
		require.NoError(t, err)
		return got
	}

	unbounded := report(nil)
	require.NotNil(t, unbounded)

	later := spikeDay.AddDays(3)
	assert.Nil(t, report(&spikeDay))
	assert.Nil(t, report(&later))
}

func TestRepeatsPreviousSpike_FirstNonNaNDayStands(t *testing.T) {
	// Previous day has no data: the equality suppression cannot apply.
	candidate := day("2024-01-20")
	previous := candidate.AddDays(-1)
	history := []domain.Measurement{
		{Date: previous, Value: math.NaN()},
		{Date: candidate, Value: 10},
	}
	metric := &domain.Metric{LastDetectedSpike: &previous}

	d := NewDetector(nil, nil, nil)
	assert.False(t, d.repeatsPreviousSpike(metric, history, candidate))
}
