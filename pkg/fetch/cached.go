package fetch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gtriggiano/netwatchz/pkg/cache"
)

// Result labels used when observing upstream fetches.
const (
	ResultOK    = "OK"
	ResultEmpty = "EMPTY"
	ResultError = "ERROR"
)

// Loader performs the provider-specific lookup for an already validated ip. A nil value
// with a nil error means the upstream reported no data.
type Loader[V any] func(ctx context.Context, ip string) (*V, error)

// Observer receives cache and upstream outcomes, typically for metrics.
type Observer interface {
	ObserveCacheLookup(provider string, hit bool)
	ObserveProviderFetch(provider, result string, duration time.Duration)
}

// Cached applies cache-aside around a Loader. Concurrent misses for the same address
// share one upstream call. Only non-nil results are stored.
type Cached[V any] struct {
	provider string
	cache    cache.Cache[V]
	group    singleflight.Group
	logger   *zap.Logger
	observer Observer
}

// NewCached wraps c for the named provider. observer may be nil.
func NewCached[V any](provider string, c cache.Cache[V], logger *zap.Logger, observer Observer) *Cached[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached[V]{provider: provider, cache: c, logger: logger, observer: observer}
}

// Fetch validates ip, serves it from the cache when possible and otherwise calls load.
// Each caller receives its own copy of the value.
func (c *Cached[V]) Fetch(ctx context.Context, ip string, load Loader[V]) (*V, error) {
	ip, err := ValidateIP(c.provider, ip)
	if err != nil {
		return nil, err
	}

	if v, ok := c.cache.Get(ctx, ip); ok {
		c.observeCache(true)
		c.logger.Debug("cache hit", zap.String("provider", c.provider), zap.String("ip", ip))
		return &v, nil
	}
	c.observeCache(false)
	c.logger.Debug("cache miss", zap.String("provider", c.provider), zap.String("ip", ip))

	shared, err, _ := c.group.Do(ip, func() (any, error) {
		start := time.Now()
		v, err := load(ctx, ip)
		switch {
		case err != nil:
			c.observeFetch(ResultError, time.Since(start))
			return nil, err
		case v == nil:
			c.observeFetch(ResultEmpty, time.Since(start))
			return nil, nil
		}
		c.observeFetch(ResultOK, time.Since(start))
		c.cache.Put(ctx, ip, *v)
		return *v, nil
	})
	if err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, nil
	}
	v := shared.(V)
	return &v, nil
}

func (c *Cached[V]) observeCache(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(c.provider, hit)
	}
}

func (c *Cached[V]) observeFetch(result string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveProviderFetch(c.provider, result, d)
	}
}
