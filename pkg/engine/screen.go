package engine

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtriggiano/netwatchz/pkg/ipdata"
	"github.com/gtriggiano/netwatchz/pkg/policy"
	"github.com/gtriggiano/netwatchz/pkg/vpndata"
)

// Verdict is the outcome of screening one address.
type Verdict struct {
	IP string
	// Allowed is the final decision. It is true for bypassed denials.
	Allowed bool
	// Denied reports that the policy rejected the address, bypassed or not.
	Denied bool
	// Bypassed is set when a denial was overridden by the bypass setting.
	Bypassed bool
	// Skipped is set for addresses that cannot be screened (not IPv4).
	Skipped bool
	// Culprit names the signal that caused the denial.
	Culprit string
	// Signals holds the evaluated signals.
	Signals map[string]bool
	// IPData and VPN are the enrichment results gathered while screening, when any.
	IPData   *ipdata.IPData
	VPN      *vpndata.VPNInfo
	Duration time.Duration
}

// IsIPBlocked applies the configured list mode: in blacklist mode an address is blocked
// when it appears in any list, in whitelist mode when it appears in none. It is always
// false when lists are disabled.
func (e *Engine) IsIPBlocked(ip string) bool {
	if e.lists == nil {
		return false
	}
	listed := e.lists.IsInAny(ip)
	if e.whitelist {
		return !listed
	}
	return listed
}

// MatchingLists returns the list files containing ip.
func (e *Engine) MatchingLists(ip string) []string {
	if e.lists == nil {
		return nil
	}
	return e.lists.Matching(ip)
}

// FetchIPData returns geolocation and network data for ip. A nil result with a nil
// error means the provider has no data for the address.
func (e *Engine) FetchIPData(ctx context.Context, ip string) (*ipdata.IPData, error) {
	return e.ipProvider.Fetch(ctx, ip)
}

// FetchVPNData returns anonymizer detections for ip.
func (e *Engine) FetchVPNData(ctx context.Context, ip string) (*vpndata.VPNInfo, error) {
	if e.vpnProvider == nil {
		return nil, ErrVPNDisabled
	}
	return e.vpnProvider.Fetch(ctx, ip)
}

// Screen evaluates the policy for ip. Only the signals the policy reads are computed.
// Failed lookups leave their signals lowered so that an unavailable provider never
// blocks traffic.
func (e *Engine) Screen(ctx context.Context, ip string) (v Verdict) {
	start := time.Now()
	v = Verdict{IP: ip, Allowed: true, Signals: make(map[string]bool)}
	defer func() { v.Duration = time.Since(start) }()

	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Unmap().Is4() {
		v.Skipped = true
		return v
	}
	ip = addr.Unmap().String()
	v.IP = ip

	if e.policy.References(policy.SignalIPList) {
		v.Signals[policy.SignalIPList] = e.IsIPBlocked(ip)
	}

	needGeo := e.policy.References(policy.SignalGeoBlocked)
	needVPN := e.vpnProvider != nil && e.referencesVPN()

	g, gctx := errgroup.WithContext(ctx)
	if needGeo {
		g.Go(func() error {
			data, err := e.FetchIPData(gctx, ip)
			if err != nil {
				e.enrichmentFailed("ip-info", ip, err)
				return nil
			}
			v.IPData = data
			return nil
		})
	}
	if needVPN {
		g.Go(func() error {
			info, err := e.FetchVPNData(gctx, ip)
			if err != nil {
				e.enrichmentFailed("vpn", ip, err)
				return nil
			}
			v.VPN = info
			return nil
		})
	}
	_ = g.Wait()

	if needGeo && v.IPData != nil {
		v.Signals[policy.SignalGeoBlocked] = e.geo.Blocks(v.IPData.CountryCode)
	}
	if needVPN && v.VPN != nil {
		v.Signals[policy.SignalVPN] = v.VPN.VPN
		v.Signals[policy.SignalProxy] = v.VPN.Proxy
		v.Signals[policy.SignalTor] = v.VPN.Tor
		v.Signals[policy.SignalRelay] = v.VPN.Relay
		v.Signals[policy.SignalHosting] = v.VPN.Hosting
	}
	for signal, raised := range v.Signals {
		if raised {
			e.instr.ObserveSignal(signal)
		}
	}

	allowed, culprit := e.policy.Evaluate(v.Signals)
	if allowed {
		return v
	}
	v.Denied = true
	v.Culprit = culprit
	if e.bypass {
		v.Bypassed = true
		return v
	}
	v.Allowed = false
	return v
}

func (e *Engine) referencesVPN() bool {
	for _, s := range []string{policy.SignalVPN, policy.SignalProxy, policy.SignalTor, policy.SignalRelay, policy.SignalHosting} {
		if e.policy.References(s) {
			return true
		}
	}
	return false
}

func (e *Engine) enrichmentFailed(source, ip string, err error) {
	e.instr.ObserveEnrichmentFailure(source)
	e.logger.Warn("lookup failed while screening, treating address as clean",
		zap.String("source", source),
		zap.String("ip", ip),
		zap.Error(err),
	)
}
