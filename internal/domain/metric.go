package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Metric is a configured data source owned by a user. Config and Credentials
// are opaque to the runtime outside of the integration that owns them.
type Metric struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Name           string
	IntegrationID  string
	Config         map[string]any
	Credentials    Credentials // nil for integrations without web auth
	OwnerEmail     string
	OrganizationID *uuid.UUID
	HigherIsBetter bool
	EnableMedals   bool
	Target         *float64

	LastCollectAttempt *time.Time
	LastDetectedSpike  *civil.Date
}

// Marker annotates a metric's chart at a single date.
type Marker struct {
	MetricID uuid.UUID
	Date     civil.Date
	Text     string
}

// Organization carries shared settings, currently the spreadsheet export target.
type Organization struct {
	ID    uuid.UUID
	Name  string
	Slug  string
	Email string

	SpreadsheetID          string
	SpreadsheetSheetName   string
	SpreadsheetCredentials Credentials
}

// ExportConfigured reports whether all spreadsheet export settings are present.
func (o Organization) ExportConfigured() bool {
	return o.SpreadsheetID != "" && o.SpreadsheetSheetName != "" && o.SpreadsheetCredentials != nil
}
