package dates_test

import (
	"math"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/dates"
	"github.com/measured-io/measured/internal/domain"
)

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSplitFixed_EvenSplit(t *testing.T) {
	ws := dates.SplitFixed(day("2024-01-01"), day("2024-01-10"), 5)
	require.Len(t, ws, 2)
	assert.Equal(t, dates.Window{Start: day("2024-01-01"), End: day("2024-01-05")}, ws[0])
	assert.Equal(t, dates.Window{Start: day("2024-01-06"), End: day("2024-01-10")}, ws[1])
}

func TestSplitFixed_LastWindowShorter(t *testing.T) {
	ws := dates.SplitFixed(day("2024-01-01"), day("2024-01-07"), 3)
	require.Len(t, ws, 3)
	assert.Equal(t, day("2024-01-07"), ws[2].Start)
	assert.Equal(t, day("2024-01-07"), ws[2].End)
	assert.Equal(t, 1, ws[2].Days())
}

func TestSplitFixed_SingleDay(t *testing.T) {
	ws := dates.SplitFixed(day("2024-01-01"), day("2024-01-01"), 30)
	require.Len(t, ws, 1)
	assert.Equal(t, 1, ws[0].Days())
}

func TestSplitFixed_EmptyRange(t *testing.T) {
	assert.Nil(t, dates.SplitFixed(day("2024-01-02"), day("2024-01-01"), 5))
}

func TestSplitFixed_CoversWholeRange(t *testing.T) {
	start, end := day("2023-11-20"), day("2024-02-03")
	ws := dates.SplitFixed(start, end, 7)
	total := 0
	prev := start
	for i, w := range ws {
		if i > 0 {
			assert.Equal(t, prev.AddDays(1), w.Start, "windows must be contiguous")
		}
		assert.LessOrEqual(t, w.Days(), 7)
		total += w.Days()
		prev = w.End
	}
	assert.Equal(t, end.DaysSince(start)+1, total)
	assert.Equal(t, end, ws[len(ws)-1].End)
}

func TestSplitByMonth(t *testing.T) {
	ws := dates.SplitByMonth(day("2024-01-15"), day("2024-03-10"))
	require.Len(t, ws, 3)
	assert.Equal(t, dates.Window{Start: day("2024-01-15"), End: day("2024-01-31")}, ws[0])
	assert.Equal(t, dates.Window{Start: day("2024-02-01"), End: day("2024-02-29")}, ws[1])
	assert.Equal(t, dates.Window{Start: day("2024-03-01"), End: day("2024-03-10")}, ws[2])
}

func TestSplitByMonth_WithinSingleMonth(t *testing.T) {
	ws := dates.SplitByMonth(day("2024-06-05"), day("2024-06-20"))
	require.Len(t, ws, 1)
	assert.Equal(t, dates.Window{Start: day("2024-06-05"), End: day("2024-06-20")}, ws[0])
}

func TestSplitByMonth_YearBoundary(t *testing.T) {
	ws := dates.SplitByMonth(day("2023-12-20"), day("2024-01-05"))
	require.Len(t, ws, 2)
	assert.Equal(t, day("2023-12-31"), ws[0].End)
	assert.Equal(t, day("2024-01-01"), ws[1].Start)
}

func TestGapFill_FillsMissingDays(t *testing.T) {
	in := []domain.Measurement{
		{Date: day("2024-01-02"), Value: 2},
		{Date: day("2024-01-04"), Value: 4},
	}
	out := dates.GapFillNaN(in, day("2024-01-01"), day("2024-01-05"))
	require.Len(t, out, 5)
	assert.True(t, math.IsNaN(out[0].Value))
	assert.Equal(t, 2.0, out[1].Value)
	assert.True(t, math.IsNaN(out[2].Value))
	assert.Equal(t, 4.0, out[3].Value)
	assert.True(t, math.IsNaN(out[4].Value))
}

func TestGapFill_DropsOutOfRangeInput(t *testing.T) {
	in := []domain.Measurement{
		{Date: day("2023-12-31"), Value: 1},
		{Date: day("2024-01-06"), Value: 6},
	}
	out := dates.GapFill(in, day("2024-01-01"), day("2024-01-03"), 0)
	require.Len(t, out, 3)
	for _, m := range out {
		assert.Equal(t, 0.0, m.Value)
	}
}

func TestGapFill_AscendingOrder(t *testing.T) {
	in := []domain.Measurement{
		{Date: day("2024-01-03"), Value: 3},
		{Date: day("2024-01-01"), Value: 1},
	}
	out := dates.GapFill(in, day("2024-01-01"), day("2024-01-03"), 0)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.True(t, out[i-1].Date.Before(out[i].Date))
	}
}

func TestParseSince_ISODate(t *testing.T) {
	got, err := dates.ParseSince("2024-03-15", day("2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-03-15"), got)
}

func TestParseSince_Durations(t *testing.T) {
	today := day("2024-06-10")

	tests := []struct {
		since string
		want  string
	}{
		{"3 days", "2024-06-07"},
		{"1 day", "2024-06-09"},
		{"2 weeks", "2024-05-27"},
		{"1 month", "2024-05-11"},
		{"1 year", "2023-06-11"},
	}
	for _, tt := range tests {
		got, err := dates.ParseSince(tt.since, today)
		require.NoError(t, err, tt.since)
		assert.Equal(t, day(tt.want), got, tt.since)
	}
}

func TestParseSince_Invalid(t *testing.T) {
	for _, s := range []string{"", "soon", "days 3", "3 fortnights"} {
		_, err := dates.ParseSince(s, day("2024-06-10"))
		assert.Error(t, err, s)
	}
}
