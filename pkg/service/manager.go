package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gtriggiano/netwatchz/pkg/engine"
	"github.com/gtriggiano/netwatchz/pkg/metrics"
	"github.com/gtriggiano/netwatchz/pkg/runtime"
)

// Upstream and downstream headers set by the service.
const (
	HeaderCountryCode     = "X-NetwatchZ-Country-Code"
	HeaderASN             = "X-NetwatchZ-ASN"
	HeaderVPN             = "X-NetwatchZ-VPN"
	HeaderProxy           = "X-NetwatchZ-Proxy"
	HeaderTor             = "X-NetwatchZ-Tor"
	HeaderRelay           = "X-NetwatchZ-Relay"
	HeaderHosting         = "X-NetwatchZ-Hosting"
	HeaderBypassedCulprit = "X-NetwatchZ-Bypassed-Culprit"
	HeaderDeniedBy        = "X-NetwatchZ-Denied-By"
)

// Screener decides whether an address may pass.
type Screener interface {
	Screen(ctx context.Context, ip string) engine.Verdict
}

// Manager turns Envoy authorization checks into screening verdicts.
type Manager struct {
	screener        Screener
	instrumentation *metrics.Instrumentation
	logger          *zap.Logger
}

// NewManager builds a Manager. instrumentation may be nil.
func NewManager(screener Screener, instrumentation *metrics.Instrumentation, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		screener:        screener,
		instrumentation: instrumentation,
		logger:          logger,
	}
}

// Check screens the downstream peer of req.
func (m *Manager) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	reqCtx := runtime.NewRequestContext(req)

	m.instrumentation.InFlight(reqCtx.Authority, 1)
	defer m.instrumentation.InFlight(reqCtx.Authority, -1)

	verdict := m.screener.Screen(ctx, reqCtx.IP())
	reqCtx.AddLogFields(zap.Duration("screening_duration", verdict.Duration))

	switch {
	case verdict.Skipped:
		m.logger.Debug("address not screened", reqCtx.LogFields()...)
		m.instrumentation.ObserveDecision(reqCtx.Authority, metrics.ALLOW, "", reqCtx.Elapsed())
		return m.okResponse(nil), nil

	case !verdict.Denied:
		m.logger.Debug("request allowed", append(reqCtx.LogFields(), zap.String("verdict", metrics.ALLOW))...)
		m.instrumentation.ObserveDecision(reqCtx.Authority, metrics.ALLOW, "", reqCtx.Elapsed())
		return m.okResponse(upstreamHeaders(verdict)), nil

	case verdict.Bypassed:
		m.logger.Warn("request would be denied but policy bypass is enabled",
			append(reqCtx.LogFields(), zap.String("verdict", metrics.BYPASS), zap.String("culprit", verdict.Culprit))...)
		m.instrumentation.ObserveDecision(reqCtx.Authority, metrics.BYPASS, verdict.Culprit, reqCtx.Elapsed())
		return m.okResponse(upstreamHeaders(verdict)), nil
	}

	m.logger.Warn("request denied by policy",
		append(reqCtx.LogFields(), zap.String("verdict", metrics.DENY), zap.String("culprit", verdict.Culprit))...)
	m.instrumentation.ObserveDecision(reqCtx.Authority, metrics.DENY, verdict.Culprit, reqCtx.Elapsed())
	return m.denyResponse(
		codes.PermissionDenied,
		fmt.Sprintf("access denied: address raised signal '%s'", verdict.Culprit),
		sanitizedHeaders(map[string]string{HeaderDeniedBy: verdict.Culprit}),
	), nil
}

// upstreamHeaders describes the enrichment gathered for an allowed address.
func upstreamHeaders(v engine.Verdict) []*corev3.HeaderValueOption {
	values := make(map[string]string)
	if v.IPData != nil {
		values[HeaderCountryCode] = v.IPData.CountryCode
		values[HeaderASN] = v.IPData.ASN
	}
	if v.VPN != nil {
		values[HeaderVPN] = strconv.FormatBool(v.VPN.VPN)
		values[HeaderProxy] = strconv.FormatBool(v.VPN.Proxy)
		values[HeaderTor] = strconv.FormatBool(v.VPN.Tor)
		values[HeaderRelay] = strconv.FormatBool(v.VPN.Relay)
		values[HeaderHosting] = strconv.FormatBool(v.VPN.Hosting)
	}
	if v.Bypassed {
		values[HeaderBypassedCulprit] = v.Culprit
	}
	return sanitizedHeaders(values)
}

func (m *Manager) okResponse(headers []*corev3.HeaderValueOption) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status: status.New(codes.OK, "ok").Proto(),
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{Headers: headers},
		},
	}
}

func (m *Manager) denyResponse(code codes.Code, message string, headers []*corev3.HeaderValueOption) *authv3.CheckResponse {
	if code == codes.OK {
		code = codes.PermissionDenied
	}

	return &authv3.CheckResponse{
		Status: status.New(code, message).Proto(),
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status:  &typev3.HttpStatus{Code: codeToHTTP(code)},
				Body:    message,
				Headers: headers,
			},
		},
	}
}

// codeToHTTP maps a gRPC status code to the HTTP status Envoy returns downstream.
func codeToHTTP(code codes.Code) typev3.StatusCode {
	switch code {
	case codes.OK:
		return typev3.StatusCode_OK
	case codes.Unauthenticated:
		return typev3.StatusCode_Unauthorized
	case codes.Unavailable:
		return typev3.StatusCode_ServiceUnavailable
	default:
		return typev3.StatusCode_Forbidden
	}
}

var headerPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// sanitizedHeaders converts values into Envoy header options sorted by name. Malformed
// names and empty values are dropped.
func sanitizedHeaders(values map[string]string) []*corev3.HeaderValueOption {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var headers []*corev3.HeaderValueOption
	for _, key := range keys {
		name := strings.TrimSpace(key)
		value := strings.TrimSpace(values[key])
		if !headerPattern.MatchString(name) || value == "" {
			continue
		}
		headers = append(headers, &corev3.HeaderValueOption{
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
			Header:       &corev3.HeaderValue{Key: name, Value: value},
		})
	}
	return headers
}
