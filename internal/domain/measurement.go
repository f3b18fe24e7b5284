// Package domain holds the core types of the collection runtime: metrics,
// measurements, credentials and the contracts between the runtime and its host.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/civil"
)

// Measurement is a single daily data point. Value may be NaN, which means
// "no data for this day" and is distinct from zero.
type Measurement struct {
	Date  civil.Date
	Value float64
}

// IsNaN reports whether the measurement carries no value.
func (m Measurement) IsNaN() bool {
	return math.IsNaN(m.Value)
}

// MarshalJSON encodes NaN as null so the value survives the JSON boundary.
func (m Measurement) MarshalJSON() ([]byte, error) {
	type wire struct {
		Date  string   `json:"date"`
		Value *float64 `json:"value"`
	}
	w := wire{Date: m.Date.String()}
	if !m.IsNaN() {
		v := m.Value
		w.Value = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes null back into NaN.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	var w struct {
		Date  string   `json:"date"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d, err := civil.ParseDate(w.Date)
	if err != nil {
		return fmt.Errorf("invalid measurement date %q: %w", w.Date, err)
	}
	m.Date = d
	if w.Value == nil {
		m.Value = math.NaN()
	} else {
		m.Value = *w.Value
	}
	return nil
}

// StoredMeasurement is a measurement as persisted for a metric.
type StoredMeasurement struct {
	Measurement
	UpdatedAt time.Time
}

// ExportRow is one spreadsheet line: a measurement joined with the name of
// the metric it belongs to.
type ExportRow struct {
	MetricName string
	Date       civil.Date
	Value      float64
	UpdatedAt  time.Time
}
