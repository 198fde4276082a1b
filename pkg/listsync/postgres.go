package listsync

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/netip"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresPort = 5432

var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// PostgresConfig describes the database list jobs can be read from. Credentials are
// taken from environment variables.
type PostgresConfig struct {
	Host         string              `yaml:"host"`
	Port         int                 `yaml:"port"`
	DatabaseName string              `yaml:"databaseName"`
	UsernameEnv  string              `yaml:"usernameEnv"`
	PasswordEnv  string              `yaml:"passwordEnv"`
	Pool         *PostgresPoolConfig `yaml:"pool"`
	TLS          *PostgresTLSConfig  `yaml:"tls"`
}

// PostgresPoolConfig sizes the connection pool.
type PostgresPoolConfig struct {
	MaxConnections    int    `yaml:"maxConnections"`
	MinConnections    int    `yaml:"minConnections"`
	MaxIdleTime       string `yaml:"maxIdleTime"`
	ConnectionTimeout string `yaml:"connectionTimeout"`
}

// PostgresTLSConfig configures the connection security.
type PostgresTLSConfig struct {
	Mode       string `yaml:"mode"`
	CACert     string `yaml:"caCert"`
	ClientCert string `yaml:"clientCert"`
	ClientKey  string `yaml:"clientKey"`
}

// ApplyDefaults fills unset fields.
func (c *PostgresConfig) ApplyDefaults() {
	if c != nil && c.Port == 0 {
		c.Port = defaultPostgresPort
	}
}

// Validate checks connection settings and that the credential variables are set.
func (c *PostgresConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("postgres.host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("postgres.port must be between 1 and 65535")
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("postgres.databaseName is required")
	}
	if c.UsernameEnv == "" {
		return fmt.Errorf("postgres.usernameEnv is required")
	}
	if c.PasswordEnv == "" {
		return fmt.Errorf("postgres.passwordEnv is required")
	}
	for _, name := range []string{c.UsernameEnv, c.PasswordEnv} {
		if _, ok := os.LookupEnv(name); !ok {
			return fmt.Errorf("environment variable '%s' not found", name)
		}
	}

	if p := c.Pool; p != nil {
		if p.MaxConnections <= 0 {
			return fmt.Errorf("postgres.pool.maxConnections must be greater than 0")
		}
		if p.MinConnections < 0 || p.MinConnections > p.MaxConnections {
			return fmt.Errorf("postgres.pool.minConnections must be between 0 and maxConnections")
		}
		for name, value := range map[string]string{"maxIdleTime": p.MaxIdleTime, "connectionTimeout": p.ConnectionTimeout} {
			if value == "" {
				continue
			}
			if d, err := time.ParseDuration(value); err != nil || d < 0 {
				return fmt.Errorf("postgres.pool.%s must be a non-negative duration", name)
			}
		}
	}

	if t := c.TLS; t != nil {
		if t.Mode != "" && !slices.Contains(validSSLModes, t.Mode) {
			return fmt.Errorf("postgres.tls.mode '%s' is invalid, must be one of: %s", t.Mode, strings.Join(validSSLModes, ", "))
		}
		if (t.ClientCert == "") != (t.ClientKey == "") {
			return fmt.Errorf("postgres.tls: both clientCert and clientKey must be provided for mutual TLS")
		}
	}
	return nil
}

// NewPostgresPool opens and pings a connection pool.
func NewPostgresPool(ctx context.Context, cfg *PostgresConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres configuration is required")
	}

	username := os.Getenv(cfg.UsernameEnv)
	if username == "" {
		return nil, fmt.Errorf("username is empty in environment variable '%s'", cfg.UsernameEnv)
	}
	password := os.Getenv(cfg.PasswordEnv)
	if password == "" {
		return nil, fmt.Errorf("password is empty in environment variable '%s'", cfg.PasswordEnv)
	}

	connString := fmt.Sprintf("postgres://%s:%d/%s", cfg.Host, cfg.Port, cfg.DatabaseName)
	if cfg.TLS != nil && cfg.TLS.Mode != "" {
		connString += "?sslmode=" + cfg.TLS.Mode
	}
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.ConnConfig.User = username
	poolConfig.ConnConfig.Password = password

	// A sync job holds a single connection while it streams rows.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	if p := cfg.Pool; p != nil {
		poolConfig.MaxConns = int32(p.MaxConnections)
		poolConfig.MinConns = int32(p.MinConnections)
		if d, err := time.ParseDuration(p.MaxIdleTime); err == nil && d > 0 {
			poolConfig.MaxConnIdleTime = d
		}
		if d, err := time.ParseDuration(p.ConnectionTimeout); err == nil && d > 0 {
			poolConfig.ConnConfig.ConnectTimeout = d
		}
	}

	if cfg.TLS != nil && poolConfig.ConnConfig.TLSConfig != nil {
		if err := applyPostgresTLS(poolConfig.ConnConfig.TLSConfig, cfg.TLS); err != nil {
			return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return pool, nil
}

// applyPostgresTLS adds the configured CA and client certificate to the TLS settings
// pgx derived from the sslmode.
func applyPostgresTLS(tlsConfig *tls.Config, cfg *PostgresTLSConfig) error {
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate file '%s': %w", cfg.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("failed to parse CA certificate from file '%s'", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return nil
}

// PostgresSource produces a list from the first column of a query. Values may be text,
// inet or cidr.
type PostgresSource struct {
	pool  *pgxpool.Pool
	query string
}

// NewPostgresSource returns a source running query on pool.
func NewPostgresSource(pool *pgxpool.Pool, query string) *PostgresSource {
	return &PostgresSource{pool: pool, query: query}
}

// String implements Source.
func (s *PostgresSource) String() string {
	return "postgres query"
}

// Download implements Source. Every run re-reads the full result set.
func (s *PostgresSource) Download(ctx context.Context, w io.Writer, _ time.Time) (time.Time, error) {
	rows, err := s.pool.Query(ctx, s.query)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return time.Time{}, fmt.Errorf("could not decode row: %w", err)
		}
		if len(values) == 0 || values[0] == nil {
			continue
		}
		line, err := formatEntry(values[0])
		if err != nil {
			return time.Time{}, err
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return time.Time{}, err
		}
	}
	return time.Time{}, rows.Err()
}

// formatEntry renders a column value as a list line.
func formatEntry(v any) (string, error) {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value), nil
	case netip.Prefix:
		if value.Addr().Is4() && value.Bits() == 32 {
			return value.Addr().String(), nil
		}
		return value.String(), nil
	case netip.Addr:
		return value.String(), nil
	case fmt.Stringer:
		return value.String(), nil
	default:
		return "", fmt.Errorf("unsupported column type %T", v)
	}
}
