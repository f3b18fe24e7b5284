package integrations

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/schema"
)

// fakeIntegration serves canned per-day values through the range contract.
type fakeIntegration struct {
	data map[civil.Date]float64
}

func (f *fakeIntegration) ConfigSchema(context.Context) (*schema.Schema, error) { return nil, nil }
func (f *fakeIntegration) CanBackfill() bool                                    { return true }
func (f *fakeIntegration) EarliestBackfill() civil.Date                         { return DefaultEarliestBackfill() }
func (f *fakeIntegration) Close() error                                         { return nil }

func (f *fakeIntegration) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	return domain.Measurement{}, domain.ErrNoData
}

func (f *fakeIntegration) CollectRange(ctx context.Context, start, end civil.Date, emit EmitFunc) error {
	for d := start; !d.After(end); d = d.AddDays(1) {
		if v, ok := f.data[d]; ok {
			if err := emit(domain.Measurement{Date: d, Value: v}); err != nil {
				return err
			}
		}
	}
	return nil
}

func testClock(t *testing.T) (clockwork.Clock, civil.Date) {
	t.Helper()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	return clockwork.NewFakeClockAt(now), civil.Date{Year: 2024, Month: 3, Day: 14}
}

func TestLatestViaRange_YesterdayAvailable(t *testing.T) {
	clock, yesterday := testClock(t)
	integ := &fakeIntegration{data: map[civil.Date]float64{yesterday: 42}}

	m, err := LatestViaRange(context.Background(), integ, clock)
	require.NoError(t, err)
	assert.Equal(t, yesterday, m.Date)
	assert.Equal(t, 42.0, m.Value)
}

func TestLatestViaRange_WidensToSevenDays(t *testing.T) {
	clock, yesterday := testClock(t)
	old := yesterday.AddDays(-5)
	integ := &fakeIntegration{data: map[civil.Date]float64{old: 7}}

	m, err := LatestViaRange(context.Background(), integ, clock)
	require.NoError(t, err)
	assert.Equal(t, old, m.Date)
	assert.Equal(t, 7.0, m.Value)
}

func TestLatestViaRange_PrefersMostRecent(t *testing.T) {
	clock, yesterday := testClock(t)
	integ := &fakeIntegration{data: map[civil.Date]float64{
		yesterday.AddDays(-4): 1,
		yesterday.AddDays(-2): 2,
	}}

	m, err := LatestViaRange(context.Background(), integ, clock)
	require.NoError(t, err)
	assert.Equal(t, yesterday.AddDays(-2), m.Date)
	assert.Equal(t, 2.0, m.Value)
}

func TestLatestViaRange_NoData(t *testing.T) {
	clock, yesterday := testClock(t)
	// Data exists, but outside the 7-day widening window.
	integ := &fakeIntegration{data: map[civil.Date]float64{yesterday.AddDays(-10): 9}}

	_, err := LatestViaRange(context.Background(), integ, clock)
	assert.ErrorIs(t, err, domain.ErrNoData)
}

func TestRangePerDay(t *testing.T) {
	start := civil.Date{Year: 2024, Month: 1, Day: 1}
	end := civil.Date{Year: 2024, Month: 1, Day: 5}

	values := map[civil.Date]float64{
		start:            10,
		start.AddDays(2): 30,
		end:              50,
	}

	var got []domain.Measurement
	err := RangePerDay(context.Background(), start, end,
		func(m domain.Measurement) error {
			got = append(got, m)
			return nil
		},
		func(ctx context.Context, d civil.Date) (float64, error) {
			v, ok := values[d]
			if !ok {
				return 0, domain.ErrNoData
			}
			return v, nil
		})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, start, got[0].Date)
	assert.Equal(t, 30.0, got[1].Value)
	assert.Equal(t, end, got[2].Date)
}
