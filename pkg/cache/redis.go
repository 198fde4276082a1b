package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPort = 6379

// RedisConfig points a cache tier at a Redis server shared between instances.
type RedisConfig struct {
	KeyPrefix   string          `yaml:"keyPrefix"`
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	UsernameEnv string          `yaml:"usernameEnv"`
	PasswordEnv string          `yaml:"passwordEnv"`
	DB          int             `yaml:"db"`
	TLS         *RedisTLSConfig `yaml:"tls"`
}

// RedisTLSConfig represents TLS configuration for Redis
type RedisTLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CACert             string `yaml:"caCert"`
	ClientCert         string `yaml:"clientCert"`
	ClientKey          string `yaml:"clientKey"`
}

// ApplyDefaults sets default values for the redis configuration
func (c *RedisConfig) ApplyDefaults() {
	if c != nil && c.Port == 0 {
		c.Port = defaultRedisPort
	}
}

// Validate checks the Redis connection settings.
func (c *RedisConfig) Validate() error {
	if c.KeyPrefix == "" {
		return errors.New("redis.keyPrefix is required")
	}
	if c.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("redis.port must be between 1 and 65535")
	}
	if c.DB < 0 {
		return errors.New("redis.db must be non-negative")
	}
	for _, env := range []string{c.UsernameEnv, c.PasswordEnv} {
		if env == "" {
			continue
		}
		if _, exists := os.LookupEnv(env); !exists {
			return fmt.Errorf("environment variable '%s' not found", env)
		}
	}
	if c.TLS != nil {
		if (c.TLS.ClientCert != "") != (c.TLS.ClientKey != "") {
			return errors.New("redis.tls: both clientCert and clientKey must be provided for mutual TLS")
		}
	}
	return nil
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.New("redis configuration is required")
	}

	opts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:   cfg.DB,
	}
	if cfg.UsernameEnv != "" {
		opts.Username = os.Getenv(cfg.UsernameEnv)
	}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}
	if cfg.TLS != nil {
		tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func buildRedisTLSConfig(cfg *RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACert != "" {
		caCertData, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file '%s': %w", cfg.CACert, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertData) {
			return nil, fmt.Errorf("failed to parse CA certificate from file '%s'", cfg.CACert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Redis stores JSON-encoded values in Redis with a server-side expiry. Redis errors are
// logged and reported as misses so lookups degrade to the upstream source.
type Redis[V any] struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedis returns a Redis-backed cache writing keys as keyPrefix+key.
func NewRedis[V any](client redis.Cmdable, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Redis[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis[V]{client: client, keyPrefix: keyPrefix, ttl: ttl, logger: logger}
}

// Get implements Cache.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false
	}
	if err != nil {
		r.logger.Warn("redis cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		r.logger.Warn("redis cache entry is not decodable", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return value, true
}

// Put implements Cache.
func (r *Redis[V]) Put(ctx context.Context, key string, value V) {
	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn("redis cache entry is not encodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, data, r.ttl).Err(); err != nil {
		r.logger.Warn("redis cache write failed", zap.String("key", key), zap.Error(err))
	}
}
