// Package postgresql collects measurements by running a user-supplied SQL
// query against the user's own PostgreSQL database.
package postgresql

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/schema"
)

const connectTimeout = 15 * time.Second

// Query templates mark the requested window with these placeholders. Both
// must be present for the query to be backfillable.
const (
	placeholderStart = "%(date_start)s"
	placeholderEnd   = "%(date_end)s"
)

func init() {
	integrations.Register(integrations.Descriptor{
		ID:          "postgresql",
		Label:       "PostgreSQL",
		Description: "Use SQL to query your PostgreSQL database.",
		Schema:      configSchema(),
		New:         New,
	})
}

func configSchema() *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"database_connection": {
				Type: schema.TypeDict,
				Keys: map[string]*schema.Schema{
					"host":   {Type: schema.TypeString, Required: true},
					"port":   {Type: schema.TypeNumber, Required: true, Default: 5432},
					"dbname": {Type: schema.TypeString, Required: true},
					"user":   {Type: schema.TypeString, Required: true},
					"password": {
						Type:     schema.TypeString,
						Required: true,
						Format:   schema.FormatPassword,
					},
				},
			},
			"sql_query_template": {
				Type:     schema.TypeString,
				Widget:   "textarea",
				Required: true,
				HelpText: "Use %(date_start)s and %(date_end)s to insert requested start and end dates in SQL Query. Note the dates are inclusive.",
				Default:  "SELECT NOW() as date, 1 as value",
			},
		},
	}
}

type Postgresql struct {
	conn     *pgx.Conn
	template string
	clock    clockwork.Clock
}

// New connects with a read-only session. Connection failures are the user's
// to fix (wrong host, credentials, firewall).
func New(ctx context.Context, deps integrations.Deps) (integrations.Integration, error) {
	template := deps.ConfigString("sql_query_template")
	if template == "" {
		return nil, domain.UserFixable("postgresql: sql_query_template is required")
	}

	dsn, err := connectionString(deps.Config)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, dsn)
	if err != nil {
		return nil, domain.UserFixable("database connection failed: %v", err)
	}
	if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to make session read-only: %w", err)
	}

	return &Postgresql{
		conn:     conn,
		template: template,
		clock:    deps.Clock,
	}, nil
}

func connectionString(cfg map[string]any) (string, error) {
	dc, ok := cfg["database_connection"].(map[string]any)
	if !ok {
		return "", domain.UserFixable("postgresql: database_connection is required")
	}

	str := func(key string) string {
		v, _ := dc[key].(string)
		return v
	}

	port := 5432
	switch p := dc["port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(str("user"), str("password")),
		Host:   str("host") + ":" + strconv.Itoa(port),
		Path:   "/" + str("dbname"),
	}
	return u.String(), nil
}

func (p *Postgresql) ConfigSchema(context.Context) (*schema.Schema, error) {
	return configSchema(), nil
}

func (p *Postgresql) CanBackfill() bool {
	return strings.Contains(p.template, placeholderStart) && strings.Contains(p.template, placeholderEnd)
}

func (p *Postgresql) EarliestBackfill() civil.Date {
	return integrations.DefaultEarliestBackfill()
}

func (p *Postgresql) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	if p.CanBackfill() {
		return integrations.LatestViaRange(ctx, p, p.clockOrReal())
	}

	results, err := p.query(ctx, p.template)
	if err != nil {
		return domain.Measurement{}, err
	}
	if len(results) == 0 {
		return domain.Measurement{}, domain.ErrNoData
	}
	return results[0], nil
}

func (p *Postgresql) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	if !p.CanBackfill() {
		return domain.UserFixable("postgresql: query template has no %s and %s placeholders, cannot backfill", placeholderStart, placeholderEnd)
	}

	q := strings.ReplaceAll(p.template, placeholderStart, "$1")
	q = strings.ReplaceAll(q, placeholderEnd, "$2")

	results, err := p.query(ctx, q, start.String(), end.String())
	if err != nil {
		return err
	}
	for _, m := range results {
		if err := emit(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgresql) Close() error {
	return p.conn.Close(context.Background())
}

func (p *Postgresql) query(ctx context.Context, sql string, args ...any) ([]domain.Measurement, error) {
	rows, err := p.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, domain.UserFixable("query failed: %v", err)
	}
	defer rows.Close()

	dateIdx, valueIdx := -1, -1
	for i, fd := range rows.FieldDescriptions() {
		switch fd.Name {
		case "date":
			dateIdx = i
		case "value":
			valueIdx = i
		}
	}
	if dateIdx == -1 {
		return nil, domain.UserFixable("date column is missing from results. Did you rename it correctly using SELECT <yourfield> AS date?")
	}
	if valueIdx == -1 {
		return nil, domain.UserFixable("value column is missing from results. Did you rename it correctly using SELECT <yourfield> AS value?")
	}

	var out []domain.Measurement
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		day, err := coerceDate(values[dateIdx])
		if err != nil {
			return nil, err
		}
		value, err := coerceValue(values[valueIdx])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Measurement{Date: day, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.UserFixable("query failed: %v", err)
	}
	return out, nil
}

func coerceDate(v any) (civil.Date, error) {
	switch d := v.(type) {
	case time.Time:
		return civil.DateOf(d), nil
	case pgtype.Date:
		if d.Valid {
			return civil.DateOf(d.Time), nil
		}
	}
	return civil.Date{}, domain.UserFixable("expected data from column 'date' to be a date, received %T instead", v)
}

func coerceValue(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err == nil && f.Valid {
			return f.Float64, nil
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, nil
		}
	}
	return 0, domain.UserFixable("expected data from column 'value' to be a number, received %T instead", v)
}

func (p *Postgresql) clockOrReal() clockwork.Clock {
	if p.clock != nil {
		return p.clock
	}
	return clockwork.NewRealClock()
}
