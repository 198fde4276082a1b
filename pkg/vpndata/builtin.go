package vpndata

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

const (
	VPNAPIURL     = "https://vpnapi.io/api/" + fetch.IPPlaceholder
	ProxyCheckURL = "https://proxycheck.io/v3/" + fetch.IPPlaceholder
)

func withKey(base, key string) string {
	return base + "?key=" + url.QueryEscape(key)
}

type vpnAPIResponse struct {
	Security *struct {
		VPN   bool `json:"vpn"`
		Proxy bool `json:"proxy"`
		Tor   bool `json:"tor"`
		Relay bool `json:"relay"`
	} `json:"security"`
}

// NewVPNAPI returns the vpnapi.io provider. base defaults to VPNAPIURL.
func NewVPNAPI(base, apiKey string, upstream fetch.ClientConfig, deps Deps) Provider {
	if base == "" {
		base = VPNAPIURL
	}
	return newHTTPProvider(ProviderVPNAPI, withKey(base, apiKey), nil, upstream, parseVPNAPI, deps)
}

func parseVPNAPI(_ string, body []byte) (*VPNInfo, error) {
	var resp vpnAPIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Security == nil {
		return nil, errors.New("response has no security object")
	}
	// vpnapi.io does not report hosting providers.
	return &VPNInfo{
		VPN:   resp.Security.VPN,
		Proxy: resp.Security.Proxy,
		Tor:   resp.Security.Tor,
		Relay: resp.Security.Relay,
	}, nil
}

// NewProxyCheck returns the proxycheck.io provider. base defaults to ProxyCheckURL.
func NewProxyCheck(base, apiKey string, upstream fetch.ClientConfig, deps Deps) Provider {
	if base == "" {
		base = ProxyCheckURL
	}
	return newHTTPProvider(ProviderProxyCheck, withKey(base, apiKey), nil, upstream, parseProxyCheck, deps)
}

// parseProxyCheck reads the detections of the object keyed by ip, falling back to the
// first object-valued key of the response.
func parseProxyCheck(ip string, body []byte) (*VPNInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, errors.New("response is not a JSON object")
	}

	var entry gjson.Result
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		if key.String() == ip {
			entry = value
			return false
		}
		if !entry.Exists() {
			entry = value
		}
		return true
	})
	if !entry.Exists() {
		return nil, fmt.Errorf("response has no entry for %s", ip)
	}

	detections := entry.Get("detections")
	if !detections.IsObject() {
		return nil, errors.New("response has no detections object")
	}
	// proxycheck.io does not report relays.
	return &VPNInfo{
		VPN:     detections.Get("vpn").Type == gjson.True,
		Proxy:   detections.Get("proxy").Type == gjson.True,
		Tor:     detections.Get("tor").Type == gjson.True,
		Hosting: detections.Get("hosting").Type == gjson.True,
	}, nil
}
