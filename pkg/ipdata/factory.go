package ipdata

import (
	"errors"
	"fmt"

	"github.com/gtriggiano/netwatchz/pkg/cache"
	"github.com/gtriggiano/netwatchz/pkg/fetch"
	"github.com/gtriggiano/netwatchz/pkg/geolite"
)

// Provider names accepted in configuration.
const (
	ProviderIPAPI    = "ip-api"
	ProviderIPWhois  = "ipwhois"
	ProviderGeoLite2 = "geolite2"
	ProviderCustom   = "custom"
)

// Config selects and tunes the IP data provider.
type Config struct {
	Provider string             `yaml:"provider"`
	Cache    cache.Config       `yaml:"cache"`
	Upstream fetch.ClientConfig `yaml:"upstream"`
	GeoLite2 geolite.Config     `yaml:"geolite2"`
	Custom   *CustomConfig      `yaml:"custom"`
}

// ApplyDefaults fills unset fields. dataDir is the service-wide data directory.
func (c *Config) ApplyDefaults(dataDir string) {
	if c.Provider == "" {
		c.Provider = ProviderIPAPI
	}
	c.Cache.ApplyDefaults()
	c.Upstream.ApplyDefaults()
	c.GeoLite2.ApplyDefaults(dataDir)
}

// Validate reports configuration errors for the selected provider.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("ipInfo.cache: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("ipInfo.upstream: %w", err)
	}
	switch c.Provider {
	case ProviderIPAPI, ProviderIPWhois:
		return nil
	case ProviderGeoLite2:
		if err := c.GeoLite2.Validate(); err != nil {
			return fmt.Errorf("ipInfo: %w", err)
		}
		return nil
	case ProviderCustom:
		if err := c.Custom.Validate(); err != nil {
			return fmt.Errorf("ipInfo: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("configuration 'ipInfo.provider' has unknown value %q", c.Provider)
	}
}

// New builds the provider named by cfg.Provider.
func New(cfg Config, deps Deps) (Provider, error) {
	if deps.Cache == nil {
		return nil, errors.New("ip data provider requires a cache")
	}
	switch cfg.Provider {
	case ProviderIPAPI, "":
		return NewIPAPI("", cfg.Upstream, deps), nil
	case ProviderIPWhois:
		return NewIPWhois("", cfg.Upstream, deps), nil
	case ProviderGeoLite2:
		if deps.Store == nil {
			return nil, errors.New("geolite2 provider requires a database store")
		}
		return NewGeoLite(deps), nil
	case ProviderCustom:
		if err := cfg.Custom.Validate(); err != nil {
			return nil, err
		}
		return NewCustom(*cfg.Custom, cfg.Upstream, deps), nil
	default:
		return nil, fmt.Errorf("unknown ip data provider %q", cfg.Provider)
	}
}
