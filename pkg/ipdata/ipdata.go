// Package ipdata resolves enrichment data (geolocation, network owner) for IPv4
// addresses through interchangeable providers, each fronted by a cache.
package ipdata

import (
	"context"

	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/cache"
	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

// IPData is the normalized enrichment record. Only IP is always set; empty strings and
// nil coordinates mean the provider had no value.
type IPData struct {
	Country     string   `json:"country,omitempty"`
	CountryCode string   `json:"countryCode,omitempty"`
	RegionName  string   `json:"regionName,omitempty"`
	RegionCode  string   `json:"regionCode,omitempty"`
	City        string   `json:"city,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	ISP         string   `json:"isp,omitempty"`
	Org         string   `json:"org,omitempty"`
	ASN         string   `json:"asn,omitempty"`
	IP          string   `json:"ip"`
}

// Provider fetches IPData for an address. A nil result with a nil error means the
// source explicitly reported no data; callers may retry later.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, ip string) (*IPData, error)
}

// Deps carries the collaborators every provider variant needs.
type Deps struct {
	// Cache memoizes results; required.
	Cache cache.Cache[IPData]
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Observer receives cache and fetch outcomes; optional.
	Observer fetch.Observer
	// Store backs the geolite2 provider.
	Store GeoStore
	// ClientOptions are passed to the upstream HTTP client of network providers.
	ClientOptions []fetch.ClientOption
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// parseFunc decodes an upstream body. Returning nil, nil signals "no data".
type parseFunc func(body []byte) (*IPData, error)

// httpProvider is the shared shape of every network provider: GET, decode, normalize.
type httpProvider struct {
	name    string
	url     string
	headers map[string]string
	client  *fetch.Client
	cached  *fetch.Cached[IPData]
	parse   parseFunc
	logger  *zap.Logger
}

func newHTTPProvider(name, url string, headers map[string]string, upstream fetch.ClientConfig, parse parseFunc, deps Deps) *httpProvider {
	logger := deps.logger().With(zap.String("provider", name))
	return &httpProvider{
		name:    name,
		url:     url,
		headers: headers,
		client:  fetch.NewClient(name, upstream, deps.ClientOptions...),
		cached:  fetch.NewCached[IPData](name, deps.Cache, logger, deps.Observer),
		parse:   parse,
		logger:  logger,
	}
}

// Name implements Provider.
func (p *httpProvider) Name() string {
	return p.name
}

// Fetch implements Provider.
func (p *httpProvider) Fetch(ctx context.Context, ip string) (*IPData, error) {
	return p.cached.Fetch(ctx, ip, p.load)
}

func (p *httpProvider) load(ctx context.Context, ip string) (*IPData, error) {
	body, err := p.client.Get(ctx, ip, fetch.ExpandURL(p.url, ip), p.headers)
	if err != nil {
		return nil, err
	}

	data, err := p.parse(body)
	if err != nil {
		return nil, fetch.NewError(fetch.ParseFailed, p.name, ip, err)
	}
	if data == nil {
		p.logger.Debug("upstream reported no data", zap.String("ip", ip))
		return nil, nil
	}
	if data.IP == "" {
		data.IP = ip
	}
	return data, nil
}
