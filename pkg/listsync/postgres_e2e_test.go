//go:build e2e
// +build e2e

package listsync

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/gtriggiano/netwatchz/pkg/rangeindex"
)

func TestPostgresListSource(t *testing.T) {
	t.Setenv("POSTGRES_USER", "postgres")
	t.Setenv("POSTGRES_PASSWORD", "postgres")

	ctx := context.Background()
	container, host, port := startPostgres(t, ctx)
	defer func() { _ = container.Terminate(ctx) }()

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%d/security?sslmode=disable", host, port)
	conn, err := pgx.Connect(ctx, dsn)
	requireNoErr(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS blocked_networks (network cidr PRIMARY KEY, note text);
		INSERT INTO blocked_networks (network) VALUES ('203.0.113.0/24'), ('198.51.100.7/32')
			ON CONFLICT DO NOTHING;
	`)
	requireNoErr(t, err)

	pgCfg := &PostgresConfig{
		Host:         host,
		Port:         port,
		DatabaseName: "security",
		UsernameEnv:  "POSTGRES_USER",
		PasswordEnv:  "POSTGRES_PASSWORD",
		Pool:         &PostgresPoolConfig{MaxConnections: 2, ConnectionTimeout: "5s"},
		TLS:          &PostgresTLSConfig{Mode: "disable"},
	}
	requireNoErr(t, pgCfg.Validate())

	dir := t.TempDir()
	jobs, pool, err := BuildJobs(ctx, []JobConfig{{
		Name:                "db",
		Query:               "SELECT network FROM blocked_networks ORDER BY network",
		Filename:            "db.txt",
		UpdateIntervalHours: 1,
	}}, dir, pgCfg, "netwatchz-test")
	requireNoErr(t, err)
	defer pool.Close()

	s, err := New(jobs, zaptest.NewLogger(t))
	requireNoErr(t, err)
	requireNoErr(t, s.RunOnce(ctx))

	idx := rangeindex.New(filepath.Join(dir, "db.txt"))
	requireNoErr(t, idx.Reload())
	for ip, want := range map[string]bool{
		"203.0.113.42": true,
		"198.51.100.7": true,
		"198.51.100.8": false,
	} {
		if got := idx.Contains(ip); got != want {
			t.Errorf("Contains(%s) = %v, want %v", ip, got, want)
		}
	}
}

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string, int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "security",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	requireNoErr(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	requireNoErr(t, err)
	host, portStr, err := net.SplitHostPort(endpoint)
	requireNoErr(t, err)
	port, err := strconv.Atoi(portStr)
	requireNoErr(t, err)

	return container, host, port
}

func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
