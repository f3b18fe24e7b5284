// Package dates provides calendar-day range helpers used by the collection
// orchestrator: window splitting for providers with range limits and gap
// filling for analysis over sparse data.
package dates

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/measured-io/measured/internal/domain"
)

// Window is an inclusive date range.
type Window struct {
	Start civil.Date
	End   civil.Date
}

// Days returns the number of days covered by the window, inclusive.
func (w Window) Days() int {
	return w.End.DaysSince(w.Start) + 1
}

// SplitFixed splits [start, end] into consecutive windows of at most maxDays
// days each. The last window may be shorter. An empty range (end before
// start) yields no windows.
func SplitFixed(start, end civil.Date, maxDays int) []Window {
	if maxDays < 1 || end.Before(start) {
		return nil
	}
	var out []Window
	for s := start; !end.Before(s); s = s.AddDays(maxDays) {
		e := s.AddDays(maxDays - 1)
		if end.Before(e) {
			e = end
		}
		out = append(out, Window{Start: s, End: e})
	}
	return out
}

// SplitByMonth splits [start, end] into one window per calendar month,
// clamped to the overall range.
func SplitByMonth(start, end civil.Date) []Window {
	if end.Before(start) {
		return nil
	}
	var out []Window
	s := start
	for {
		firstOfNext := firstOfNextMonth(s)
		e := firstOfNext.AddDays(-1) // last day of s's month
		if end.Before(e) {
			e = end
		}
		out = append(out, Window{Start: s, End: e})
		if !e.Before(end) {
			return out
		}
		s = firstOfNext
	}
}

func firstOfNextMonth(d civil.Date) civil.Date {
	if d.Month == time.December {
		return civil.Date{Year: d.Year + 1, Month: time.January, Day: 1}
	}
	return civil.Date{Year: d.Year, Month: d.Month + 1, Day: 1}
}

// GapFill produces one measurement per day in [start, end]. Days missing
// from the input get the fill value; input entries outside the range are
// dropped. Input order does not matter.
func GapFill(ms []domain.Measurement, start, end civil.Date, fill float64) []domain.Measurement {
	if end.Before(start) {
		return nil
	}
	byDate := make(map[civil.Date]float64, len(ms))
	for _, m := range ms {
		if m.Date.Before(start) || end.Before(m.Date) {
			continue
		}
		byDate[m.Date] = m.Value
	}
	out := make([]domain.Measurement, 0, end.DaysSince(start)+1)
	for d := start; !end.Before(d); d = d.AddDays(1) {
		v, ok := byDate[d]
		if !ok {
			v = fill
		}
		out = append(out, domain.Measurement{Date: d, Value: v})
	}
	return out
}

// GapFillNaN is GapFill with NaN as the fill value.
func GapFillNaN(ms []domain.Measurement, start, end civil.Date) []domain.Measurement {
	return GapFill(ms, start, end, math.NaN())
}

var durationPattern = regexp.MustCompile(`^(\d+)\s*(day|week|month|year)s?$`)

// ParseSince interprets a backfill starting point: either an ISO calendar
// date or a duration like "3 days" or "2 weeks", counted back from today.
func ParseSince(s string, today civil.Date) (civil.Date, error) {
	s = strings.TrimSpace(s)

	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}

	m := durationPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return civil.Date{}, fmt.Errorf("invalid since %q: expected a date or a duration like \"3 days\"", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid since %q: %w", s, err)
	}

	switch m[2] {
	case "day":
		return today.AddDays(-n), nil
	case "week":
		return today.AddDays(-7 * n), nil
	case "month":
		return today.AddDays(-30 * n), nil
	case "year":
		return today.AddDays(-365 * n), nil
	}
	return civil.Date{}, fmt.Errorf("invalid since %q", s)
}
