// Package engine wires the screening components together from a Config: IP lists and
// their sync jobs, IP data and VPN providers with their caches, the GeoLite2 store and
// the screening policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/cache"
	"github.com/gtriggiano/netwatchz/pkg/config"
	"github.com/gtriggiano/netwatchz/pkg/fetch"
	"github.com/gtriggiano/netwatchz/pkg/geolite"
	"github.com/gtriggiano/netwatchz/pkg/ipdata"
	"github.com/gtriggiano/netwatchz/pkg/listindex"
	"github.com/gtriggiano/netwatchz/pkg/listsync"
	"github.com/gtriggiano/netwatchz/pkg/metrics"
	"github.com/gtriggiano/netwatchz/pkg/policy"
	"github.com/gtriggiano/netwatchz/pkg/vpndata"
)

const maintenanceInterval = time.Minute

// ErrVPNDisabled is returned by FetchVPNData when VPN detection is not configured.
var ErrVPNDisabled = errors.New("vpn detection is disabled")

// Engine answers screening questions about IPv4 addresses.
type Engine struct {
	logger *zap.Logger
	instr  *metrics.Instrumentation

	lists     *listindex.Set
	whitelist bool
	watch     bool
	scheduler *listsync.Scheduler
	pgPool    *pgxpool.Pool

	store       *geolite.Store
	ipProvider  ipdata.Provider
	vpnProvider vpndata.Provider
	sizers      map[string]cache.Sizer
	redis       []*redis.Client

	policy *policy.Policy
	bypass bool
	geo    config.GeoBlockingConfig

	mu           sync.Mutex
	cancel       context.CancelFunc
	stopped      bool
	background   sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds an Engine. ctx bounds the connections opened during construction (Redis,
// Postgres). instr may be nil.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, instr *metrics.Instrumentation) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.New("engine requires a configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		logger: logger,
		instr:  instr,
		sizers: make(map[string]cache.Sizer),
		bypass: cfg.Screening.Bypass,
		geo:    cfg.GeoBlocking,
	}
	defer func() {
		if err != nil {
			e.closeResources()
		}
	}()

	if e.policy, err = policy.Parse(cfg.PolicyExpression(), cfg.EnabledSignals()); err != nil {
		return nil, fmt.Errorf("could not compile the screening policy: %w", err)
	}

	if cfg.IPList.Enabled {
		if err := e.buildLists(ctx, cfg); err != nil {
			return nil, err
		}
	}

	clientOptions := []fetch.ClientOption{fetch.WithBreakerObserver(instr.ObserveBreakerTransition)}

	ipCache, err := newCache[ipdata.IPData](ctx, e, "ip-info", cfg.IPInfo.Cache)
	if err != nil {
		return nil, err
	}
	ipDeps := ipdata.Deps{
		Cache:         ipCache,
		Logger:        logger.With(zap.String("component", "ip-info")),
		Observer:      instr,
		ClientOptions: clientOptions,
	}
	if cfg.IPInfo.Provider == ipdata.ProviderGeoLite2 {
		e.store, err = geolite.New(cfg.IPInfo.GeoLite2, logger.With(zap.String("component", "geolite")),
			geolite.WithRefreshObserver(func(db geolite.Database, err error) {
				instr.ObserveGeoLiteRefresh(db.String(), err)
			}))
		if err != nil {
			return nil, err
		}
		ipDeps.Store = e.store
	}
	if e.ipProvider, err = ipdata.New(cfg.IPInfo, ipDeps); err != nil {
		return nil, err
	}

	if cfg.VPNBlock.Enabled {
		vpnCache, err := newCache[vpndata.VPNInfo](ctx, e, "vpn", cfg.VPNBlock.Cache)
		if err != nil {
			return nil, err
		}
		e.vpnProvider, err = vpndata.New(cfg.VPNBlock.Config, vpndata.Deps{
			Cache:         vpnCache,
			Logger:        logger.With(zap.String("component", "vpn")),
			Observer:      instr,
			ClientOptions: clientOptions,
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Info("screening engine ready",
		zap.String("policy", e.policy.String()),
		zap.Bool("bypass", e.bypass),
		zap.String("ip_info_provider", e.ipProvider.Name()),
		zap.Bool("vpn_detection", e.vpnProvider != nil),
	)
	return e, nil
}

func (e *Engine) buildLists(ctx context.Context, cfg *config.Config) error {
	e.whitelist = cfg.IPList.Mode == config.ModeWhitelist
	e.watch = cfg.IPList.WatchEnabled()
	e.lists = listindex.New(cfg.IPList.ListPaths(), e.logger.With(zap.String("component", "ip-list")),
		listindex.WithReloadObserver(e.instr.ObserveListReload))

	if len(cfg.IPList.FetchJobs) == 0 {
		return nil
	}
	jobs, pool, err := listsync.BuildJobs(ctx, cfg.IPList.FetchJobs, cfg.IPList.Dir, cfg.Postgres, fetch.UserAgent)
	if err != nil {
		return err
	}
	e.pgPool = pool
	e.scheduler, err = listsync.New(jobs, e.logger.With(zap.String("component", "list-sync")),
		listsync.WithObserver(e.instr.ObserveListSync))
	if err != nil {
		return err
	}
	e.scheduler.OnUpdate(func(job listsync.Job) {
		_ = e.lists.Reload(job.Destination)
	})
	return nil
}

// newCache builds the in-memory cache described by cfg, fronting a Redis tier when one
// is configured.
func newCache[V any](ctx context.Context, e *Engine, name string, cfg cache.Config) (cache.Cache[V], error) {
	front := cache.NewMemory[V](cfg.MaxSize, cfg.TTLDuration())
	if cfg.Redis == nil {
		e.sizers[name] = front
		return front, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("%s cache: %w", name, err)
	}
	e.redis = append(e.redis, client)
	back := cache.NewRedis[V](client, cfg.Redis.KeyPrefix, cfg.TTLDuration(), e.logger.With(zap.String("component", name+"-cache")))
	tiered := cache.NewTiered[V](front, back)
	e.sizers[name] = tiered
	return tiered, nil
}

// Start launches list sync, list watching and periodic maintenance. They stop on
// Shutdown or when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("engine is shut down")
	}
	if e.cancel != nil {
		return errors.New("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	if e.scheduler != nil {
		if err := e.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if e.lists != nil && e.watch {
		e.goBackground(func() {
			if err := e.lists.Watch(ctx); err != nil {
				e.logger.Error("ip list watcher stopped", zap.Error(err))
			}
		})
	}
	e.goBackground(func() { e.maintain(ctx) })
	return nil
}

func (e *Engine) goBackground(fn func()) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		fn()
	}()
}

// maintain keeps the GeoLite2 databases fresh and publishes cache sizes.
func (e *Engine) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		e.refreshGeoLite(ctx)
		for name, sizer := range e.sizers {
			e.instr.SetCacheEntries(name, sizer.Len())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) refreshGeoLite(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.Refresh(ctx); err != nil {
		e.logger.Warn("geolite databases unavailable", zap.Error(err))
	}
}

// SyncLists runs every list fetch job once and reloads the lists.
func (e *Engine) SyncLists(ctx context.Context) error {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.RunOnce(ctx)
}

// HealthCheck reports whether the screening data is usable.
func (e *Engine) HealthCheck(_ context.Context) error {
	if e.lists != nil && e.lists.Len() > 0 && e.lists.Loaded() == 0 {
		return errors.New("no ip list is loaded")
	}
	if e.store != nil {
		for _, st := range e.store.Status() {
			if st.Loaded {
				return nil
			}
		}
		return errors.New("no geolite database is loaded")
	}
	return nil
}

// Shutdown stops background work and releases connections. It is safe to call more
// than once.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.stopped = true
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if e.scheduler != nil {
			e.scheduler.Stop()
		}
		e.background.Wait()
		e.closeResources()
		e.logger.Info("screening engine stopped")
	})
}

func (e *Engine) closeResources() {
	if e.store != nil {
		e.store.Close()
	}
	for _, client := range e.redis {
		if err := client.Close(); err != nil {
			e.logger.Warn("could not close redis client", zap.Error(err))
		}
	}
	e.redis = nil
	if e.pgPool != nil {
		e.pgPool.Close()
		e.pgPool = nil
	}
}
