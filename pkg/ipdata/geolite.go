package ipdata

import (
	"context"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
	"github.com/gtriggiano/netwatchz/pkg/geolite"
)

// GeoStore is the subset of *geolite.Store the geolite2 provider relies on.
type GeoStore interface {
	Lookup(ctx context.Context, ip string) (*geolite.Record, error)
}

type geoLiteProvider struct {
	store  GeoStore
	cached *fetch.Cached[IPData]
}

// NewGeoLite returns a provider answering from the local GeoLite2 databases.
func NewGeoLite(deps Deps) Provider {
	return &geoLiteProvider{
		store:  deps.Store,
		cached: fetch.NewCached[IPData](ProviderGeoLite2, deps.Cache, deps.logger(), deps.Observer),
	}
}

// Name implements Provider.
func (p *geoLiteProvider) Name() string {
	return ProviderGeoLite2
}

// Fetch implements Provider.
func (p *geoLiteProvider) Fetch(ctx context.Context, ip string) (*IPData, error) {
	return p.cached.Fetch(ctx, ip, func(ctx context.Context, ip string) (*IPData, error) {
		rec, err := p.store.Lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		// GeoLite2 carries no ISP information.
		return &IPData{
			Country:     rec.Country,
			CountryCode: rec.CountryCode,
			RegionName:  rec.RegionName,
			RegionCode:  rec.RegionCode,
			City:        rec.City,
			Lat:         rec.Lat,
			Lon:         rec.Lon,
			Timezone:    rec.Timezone,
			Org:         rec.Org,
			ASN:         rec.ASN,
			IP:          ip,
		}, nil
	})
}
