package postgresql

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/platform/config"
)

var testConnection map[string]any

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to terminate postgres container: %v\n", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to test database: %v\n", err)
		os.Exit(1)
	}

	_, err = conn.Exec(ctx, `
		CREATE TABLE daily_signups (day date PRIMARY KEY, signups int NOT NULL);
		INSERT INTO daily_signups (day, signups) VALUES
			('2024-06-07', 4),
			('2024-06-08', 9),
			('2024-06-09', 2);
	`)
	conn.Close(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to seed test database: %v\n", err)
		os.Exit(1)
	}

	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse connection string: %v\n", err)
		os.Exit(1)
	}
	testConnection = map[string]any{
		"host":     cfg.Host,
		"port":     float64(cfg.Port),
		"dbname":   cfg.Database,
		"user":     cfg.User,
		"password": cfg.Password,
	}

	os.Exit(m.Run())
}

func setupIntegration(t *testing.T, template string) integrations.Integration {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	p, err := New(context.Background(), integrations.Deps{
		Config: map[string]any{
			"database_connection": testConnection,
			"sql_query_template":  template,
		},
		App:   &config.Config{},
		Clock: clockwork.NewFakeClockAt(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCollectRangeSubstitutesWindow(t *testing.T) {
	p := setupIntegration(t, `
		SELECT day AS date, signups AS value
		FROM daily_signups
		WHERE day BETWEEN %(date_start)s AND %(date_end)s
		ORDER BY day
	`)
	require.True(t, p.CanBackfill())

	var got []domain.Measurement
	err := p.CollectRange(context.Background(), civil.Date{Year: 2024, Month: 6, Day: 8}, civil.Date{Year: 2024, Month: 6, Day: 9}, func(m domain.Measurement) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, civil.Date{Year: 2024, Month: 6, Day: 8}, got[0].Date)
	assert.Equal(t, 9.0, got[0].Value)
	assert.Equal(t, civil.Date{Year: 2024, Month: 6, Day: 9}, got[1].Date)
	assert.Equal(t, 2.0, got[1].Value)
}

func TestCollectLatestWithBackfillableQuery(t *testing.T) {
	p := setupIntegration(t, `
		SELECT day AS date, signups AS value
		FROM daily_signups
		WHERE day BETWEEN %(date_start)s AND %(date_end)s
	`)

	latest, err := p.CollectLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 2024, Month: 6, Day: 9}, latest.Date)
	assert.Equal(t, 2.0, latest.Value)
}

func TestCollectLatestWithStaticQuery(t *testing.T) {
	p := setupIntegration(t, "SELECT NOW() as date, 42 as value")
	require.False(t, p.CanBackfill())

	latest, err := p.CollectLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, latest.Value)
}

func TestMissingColumnsAreUserFixable(t *testing.T) {
	p := setupIntegration(t, "SELECT NOW() as wrong_name, 1 as value")

	_, err := p.CollectLatest(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsUserFixable(err))
	assert.Contains(t, err.Error(), "AS date")
}

func TestSessionIsReadOnly(t *testing.T) {
	p := setupIntegration(t, "INSERT INTO daily_signups (day, signups) VALUES ('2024-06-10', 1) RETURNING day AS date, signups AS value")

	_, err := p.CollectLatest(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsUserFixable(err))
	assert.Contains(t, err.Error(), "read-only")
}

func TestConnectFailureIsUserFixable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// A port with nothing listening.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	_, err = New(context.Background(), integrations.Deps{
		Config: map[string]any{
			"database_connection": map[string]any{
				"host":     "127.0.0.1",
				"port":     float64(port),
				"dbname":   "nope",
				"user":     "nope",
				"password": "nope",
			},
			"sql_query_template": "SELECT NOW() as date, 1 as value",
		},
		App: &config.Config{},
	})
	require.Error(t, err)
	assert.True(t, domain.IsUserFixable(err))
}
