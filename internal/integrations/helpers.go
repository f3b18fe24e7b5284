package integrations

import (
	"context"
	"errors"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
)

// Yesterday is the most recent fully elapsed calendar day, UTC.
func Yesterday(clock clockwork.Clock) civil.Date {
	return civil.DateOf(clock.Now().UTC()).AddDays(-1)
}

// LatestViaRange implements CollectLatest for backfillable integrations:
// request yesterday, widen to the last 7 days when empty, return the most
// recent result, domain.ErrNoData when still empty.
func LatestViaRange(ctx context.Context, integ Integration, clock clockwork.Clock) (domain.Measurement, error) {
	yesterday := Yesterday(clock)

	m, found, err := lastInRange(ctx, integ, yesterday, yesterday)
	if err != nil {
		return domain.Measurement{}, err
	}
	if !found {
		m, found, err = lastInRange(ctx, integ, yesterday.AddDays(-6), yesterday)
		if err != nil {
			return domain.Measurement{}, err
		}
	}
	if !found {
		return domain.Measurement{}, domain.ErrNoData
	}
	return m, nil
}

func lastInRange(ctx context.Context, integ Integration, start, end civil.Date) (domain.Measurement, bool, error) {
	var last domain.Measurement
	var found bool
	err := integ.CollectRange(ctx, start, end, func(m domain.Measurement) error {
		last = m
		found = true
		return nil
	})
	if err != nil {
		return domain.Measurement{}, false, err
	}
	return last, found, nil
}

// RangePerDay drives a per-day query for integrations whose API has no range
// endpoint. Days the provider has no value for are skipped.
func RangePerDay(ctx context.Context, start, end civil.Date, emit EmitFunc, fetch func(context.Context, civil.Date) (float64, error)) error {
	for d := start; !d.After(end); d = d.AddDays(1) {
		value, err := fetch(ctx, d)
		if errors.Is(err, domain.ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}
		if err := emit(domain.Measurement{Date: d, Value: value}); err != nil {
			return err
		}
	}
	return nil
}
