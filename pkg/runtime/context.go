// Package runtime holds per-check state for the authorization flow: the downstream
// peer address and authority taken from an Envoy CheckRequest and the log fields
// gathered while screening it.
package runtime

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"go.uber.org/zap"
)

const unknownAuthority = "-"

// RequestContext describes one authorization check.
type RequestContext struct {
	Request    *authv3.CheckRequest
	ReceivedAt time.Time
	// Authority is the :authority (or Host) of the checked request, "-" when absent.
	Authority string
	// PeerIP is the downstream socket address. It is invalid when Envoy sent none.
	PeerIP netip.Addr

	mu        sync.RWMutex
	logFields []zap.Field
}

// NewRequestContext extracts the peer address and authority from req.
func NewRequestContext(req *authv3.CheckRequest) *RequestContext {
	authority := requestAuthority(req)
	peer := peerAddress(req)

	return &RequestContext{
		Request:    req,
		ReceivedAt: time.Now(),
		Authority:  authority,
		PeerIP:     peer,
		logFields: []zap.Field{
			zap.String("authority", authority),
			zap.String("ip", peerString(peer)),
		},
	}
}

// IP returns the peer address in the form screening expects, IPv4-mapped addresses
// unwrapped. It is empty when the address is unknown.
func (r *RequestContext) IP() string {
	if r == nil || !r.PeerIP.IsValid() {
		return ""
	}
	return r.PeerIP.Unmap().String()
}

// Elapsed returns the time spent since the check was received.
func (r *RequestContext) Elapsed() time.Duration {
	return time.Since(r.ReceivedAt)
}

// AddLogFields appends fields to the check's log line. The ip and authority keys are
// reserved.
func (r *RequestContext) AddLogFields(fields ...zap.Field) {
	if r == nil {
		return
	}

	kept := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "ip" || f.Key == "authority" {
			continue
		}
		kept = append(kept, f)
	}

	r.mu.Lock()
	r.logFields = append(r.logFields, kept...)
	r.mu.Unlock()
}

// LogFields returns a copy of the accumulated fields.
func (r *RequestContext) LogFields() []zap.Field {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]zap.Field(nil), r.logFields...)
}

func peerString(addr netip.Addr) string {
	if !addr.IsValid() {
		return unknownAuthority
	}
	return addr.Unmap().String()
}

// peerAddress reads attributes.source.address.socket_address.address.
func peerAddress(req *authv3.CheckRequest) netip.Addr {
	socket := req.GetAttributes().GetSource().GetAddress().GetSocketAddress()
	if socket == nil {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(socket.GetAddress())
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// requestAuthority prefers the host attribute and falls back to a Host header.
func requestAuthority(req *authv3.CheckRequest) string {
	http := req.GetAttributes().GetRequest().GetHttp()
	if http == nil {
		return unknownAuthority
	}

	authority := http.GetHost()
	if authority == "" {
		for k, v := range http.GetHeaders() {
			if strings.EqualFold(k, "host") {
				authority = v
				break
			}
		}
	}
	if authority == "" {
		return unknownAuthority
	}
	return authority
}
