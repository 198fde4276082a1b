package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	// UserAgent identifies outbound requests.
	UserAgent = "netwatchz/1.0"

	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	maxBodySize            = 1 << 20

	// IPPlaceholder is replaced with the looked-up address in provider URLs.
	IPPlaceholder = "%ip%"
)

// ClientConfig tunes the upstream HTTP client of a provider.
type ClientConfig struct {
	// Timeout bounds a single request (e.g. "10s").
	Timeout string `yaml:"timeout"`
	// RequestsPerMinute paces outbound requests; 0 disables pacing.
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	// Burst is the number of requests allowed above the pace at once.
	Burst int `yaml:"burst"`
	// BreakerFailures is the number of consecutive failures that open the circuit; 0 disables it.
	BreakerFailures *uint32 `yaml:"breakerFailures"`
	// BreakerCooldown is how long the circuit stays open before probing again (e.g. "30s").
	BreakerCooldown string `yaml:"breakerCooldown"`
}

// ApplyDefaults fills unset fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout == "" {
		c.Timeout = defaultTimeout.String()
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
	if c.BreakerFailures == nil {
		failures := uint32(defaultBreakerFailures)
		c.BreakerFailures = &failures
	}
	if c.BreakerCooldown == "" {
		c.BreakerCooldown = defaultBreakerCooldown.String()
	}
}

// Validate checks durations and limits.
func (c ClientConfig) Validate() error {
	if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
		return errors.New("timeout must be a positive duration")
	}
	if c.RequestsPerMinute < 0 {
		return errors.New("requestsPerMinute must be non-negative")
	}
	if c.Burst < 0 {
		return errors.New("burst must be non-negative")
	}
	if d, err := time.ParseDuration(c.BreakerCooldown); err != nil || d <= 0 {
		return errors.New("breakerCooldown must be a positive duration")
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// BreakerObserver is told about circuit state transitions.
type BreakerObserver func(client, from, to string)

// Client issues GET requests to a provider's upstream with pacing and a circuit breaker.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// ClientOption customizes a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	observer   BreakerObserver
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithBreakerObserver registers a circuit state observer.
func WithBreakerObserver(fn BreakerObserver) ClientOption {
	return func(o *clientOptions) {
		o.observer = fn
	}
}

// NewClient builds the upstream client for the named provider.
func NewClient(name string, cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.ApplyDefaults()

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: parseDurationOr(cfg.Timeout, defaultTimeout)}
	}

	c := &Client{name: name, http: o.httpClient}

	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), max(cfg.Burst, 1))
	}

	if failures := *cfg.BreakerFailures; failures > 0 {
		observer := o.observer
		c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     parseDurationOr(cfg.BreakerCooldown, defaultBreakerCooldown),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: isUpstreamHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				if observer != nil {
					observer(name, from.String(), to.String())
				}
			},
		})
	}

	return c
}

// Name returns the provider name the client was built for.
func (c *Client) Name() string {
	return c.name
}

// Get fetches url for ip and returns the response body. Every failure is an *Error of
// kind IoFailed.
func (c *Client) Get(ctx context.Context, ip, url string, headers map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewError(IoFailed, c.name, ip, fmt.Errorf("rate limiter: %w", err))
		}
	}

	do := func() ([]byte, error) {
		return c.do(ctx, url, headers)
	}

	var (
		body []byte
		err  error
	)
	if c.breaker != nil {
		body, err = c.breaker.Execute(do)
	} else {
		body, err = do()
	}
	if err != nil {
		return nil, NewError(IoFailed, c.name, ip, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return body, nil
}

// isUpstreamHealthy keeps client errors (4xx other than 429) from tripping the breaker.
func isUpstreamHealthy(err error) bool {
	if err == nil {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// ExpandURL substitutes every %ip% token in template, or appends ip when there is none.
func ExpandURL(template, ip string) string {
	if strings.Contains(template, IPPlaceholder) {
		return strings.ReplaceAll(template, IPPlaceholder, ip)
	}
	return template + ip
}
