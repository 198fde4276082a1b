// Package vpndata classifies IPv4 addresses as VPN, proxy, Tor exit, relay or hosting
// endpoints using external detection services.
package vpndata

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/cache"
	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

// Provider names accepted in configuration.
const (
	ProviderVPNAPI     = "vpnapi"
	ProviderProxyCheck = "proxycheck"
	ProviderCustom     = "custom"
)

// VPNInfo holds the detection flags. A flag the provider cannot determine is false.
type VPNInfo struct {
	VPN     bool `json:"vpn"`
	Proxy   bool `json:"proxy"`
	Tor     bool `json:"tor"`
	Relay   bool `json:"relay"`
	Hosting bool `json:"hosting"`
}

// Any reports whether at least one flag is set.
func (v VPNInfo) Any() bool {
	return v.VPN || v.Proxy || v.Tor || v.Relay || v.Hosting
}

// Provider fetches VPNInfo for an address.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, ip string) (*VPNInfo, error)
}

// Deps carries the collaborators of a provider.
type Deps struct {
	Cache         cache.Cache[VPNInfo]
	Logger        *zap.Logger
	Observer      fetch.Observer
	ClientOptions []fetch.ClientOption
}

// Config selects and tunes the VPN detection provider.
type Config struct {
	Provider string             `yaml:"provider"`
	APIKey   string             `yaml:"apiKey"`
	Cache    cache.Config       `yaml:"cache"`
	Upstream fetch.ClientConfig `yaml:"upstream"`
	Custom   *CustomConfig      `yaml:"custom"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderVPNAPI
	}
	c.Cache.ApplyDefaults()
	c.Upstream.ApplyDefaults()
}

// Validate reports configuration errors for the selected provider.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("vpnBlock.cache: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("vpnBlock.upstream: %w", err)
	}
	switch c.Provider {
	case ProviderVPNAPI:
		if c.APIKey == "" {
			return errors.New("configuration 'vpnBlock.apiKey' is required by the vpnapi provider")
		}
	case ProviderProxyCheck:
	case ProviderCustom:
		if err := c.Custom.Validate(); err != nil {
			return fmt.Errorf("vpnBlock: %w", err)
		}
	default:
		return fmt.Errorf("configuration 'vpnBlock.provider' has unknown value %q", c.Provider)
	}
	return nil
}

// New builds the provider named by cfg.Provider.
func New(cfg Config, deps Deps) (Provider, error) {
	if deps.Cache == nil {
		return nil, errors.New("vpn data provider requires a cache")
	}
	switch cfg.Provider {
	case ProviderVPNAPI, "":
		return NewVPNAPI("", cfg.APIKey, cfg.Upstream, deps), nil
	case ProviderProxyCheck:
		return NewProxyCheck("", cfg.APIKey, cfg.Upstream, deps), nil
	case ProviderCustom:
		if err := cfg.Custom.Validate(); err != nil {
			return nil, err
		}
		return NewCustom(*cfg.Custom, cfg.Upstream, deps), nil
	default:
		return nil, fmt.Errorf("unknown vpn data provider %q", cfg.Provider)
	}
}

// parseFunc decodes an upstream body for the requested ip.
type parseFunc func(ip string, body []byte) (*VPNInfo, error)

type httpProvider struct {
	name    string
	url     string
	headers map[string]string
	client  *fetch.Client
	cached  *fetch.Cached[VPNInfo]
	parse   parseFunc
}

func newHTTPProvider(name, url string, headers map[string]string, upstream fetch.ClientConfig, parse parseFunc, deps Deps) *httpProvider {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpProvider{
		name:    name,
		url:     url,
		headers: headers,
		client:  fetch.NewClient(name, upstream, deps.ClientOptions...),
		cached:  fetch.NewCached[VPNInfo](name, deps.Cache, logger.With(zap.String("provider", name)), deps.Observer),
		parse:   parse,
	}
}

// Name implements Provider.
func (p *httpProvider) Name() string {
	return p.name
}

// Fetch implements Provider.
func (p *httpProvider) Fetch(ctx context.Context, ip string) (*VPNInfo, error) {
	return p.cached.Fetch(ctx, ip, func(ctx context.Context, ip string) (*VPNInfo, error) {
		body, err := p.client.Get(ctx, ip, fetch.ExpandURL(p.url, ip), p.headers)
		if err != nil {
			return nil, err
		}
		info, err := p.parse(ip, body)
		if err != nil {
			return nil, fetch.NewError(fetch.ParseFailed, p.name, ip, err)
		}
		return info, nil
	})
}
