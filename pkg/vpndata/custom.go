package vpndata

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

// Flag names accepted as keys of CustomConfig.Fields.
const (
	FlagVPN     = "vpn"
	FlagProxy   = "proxy"
	FlagTor     = "tor"
	FlagRelay   = "relay"
	FlagHosting = "hosting"
)

// CustomConfig describes a user-defined JSON detection service.
type CustomConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Fields maps flag names to dot paths of boolean values in the response.
	Fields map[string]string `yaml:"fields"`
}

// Validate checks the endpoint and flag mapping.
func (c *CustomConfig) Validate() error {
	if c == nil {
		return errors.New("custom provider configuration is required")
	}
	if c.URL == "" {
		return errors.New("custom.url is required")
	}
	for name := range c.Fields {
		switch name {
		case FlagVPN, FlagProxy, FlagTor, FlagRelay, FlagHosting:
		default:
			return fmt.Errorf("custom.fields: unknown flag %q", name)
		}
	}
	return nil
}

// NewCustom returns a provider driven by configuration. Unmapped, absent and
// non-boolean values read as false.
func NewCustom(cfg CustomConfig, upstream fetch.ClientConfig, deps Deps) Provider {
	fields := cfg.Fields
	parse := func(_ string, body []byte) (*VPNInfo, error) {
		if !gjson.ValidBytes(body) {
			return nil, errors.New("response is not valid JSON")
		}
		root := gjson.ParseBytes(body)
		flag := func(name string) bool {
			path, ok := fields[name]
			if !ok || path == "" {
				return false
			}
			return root.Get(path).Type == gjson.True
		}
		return &VPNInfo{
			VPN:     flag(FlagVPN),
			Proxy:   flag(FlagProxy),
			Tor:     flag(FlagTor),
			Relay:   flag(FlagRelay),
			Hosting: flag(FlagHosting),
		}, nil
	}
	return newHTTPProvider(ProviderCustom, cfg.URL, cfg.Headers, upstream, parse, deps)
}
