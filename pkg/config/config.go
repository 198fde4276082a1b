// Package config loads and validates the NetwatchZ YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gtriggiano/netwatchz/pkg/ipdata"
	"github.com/gtriggiano/netwatchz/pkg/listsync"
	"github.com/gtriggiano/netwatchz/pkg/logging"
	"github.com/gtriggiano/netwatchz/pkg/metrics"
	"github.com/gtriggiano/netwatchz/pkg/policy"
	"github.com/gtriggiano/netwatchz/pkg/vpndata"
)

const (
	defaultShutdownTimeout = 20 * time.Second
	defaultDataDir         = "data"
	ipListsDirName         = "ipLists"
)

// List and geo blocking modes.
const (
	ModeBlacklist = "blacklist"
	ModeWhitelist = "whitelist"
)

// Config models the complete service configuration.
type Config struct {
	// Server configures the gRPC authorization listener.
	Server ServerConfig `yaml:"server"`
	// Metrics configures the HTTP server for Prometheus metrics and probes.
	Metrics metrics.ServerConfig `yaml:"metrics"`
	// Logging configures structured logging output and levels.
	Logging logging.Config `yaml:"logging"`
	// Shutdown controls graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`
	// DataDir holds downloaded lists and databases.
	DataDir string `yaml:"dataDir"`

	IPList      IPListConfig      `yaml:"ipList"`
	IPInfo      ipdata.Config     `yaml:"ipInfo"`
	GeoBlocking GeoBlockingConfig `yaml:"geoBlocking"`
	VPNBlock    VPNBlockConfig    `yaml:"vpnBlock"`
	Screening   ScreeningConfig   `yaml:"screening"`

	// Postgres is the database read by list fetch jobs that use a query.
	Postgres *listsync.PostgresConfig `yaml:"postgres"`
}

// ServerConfig controls the gRPC listener and optional TLS settings.
type ServerConfig struct {
	// Address is the bind address (e.g. ":9001").
	Address string `yaml:"address"`
	// TLS configures optional mutual TLS.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig wraps TLS material locations for server certificates and client verification.
type TLSConfig struct {
	CertFile          string `yaml:"certFile"`
	KeyFile           string `yaml:"keyFile"`
	CAFile            string `yaml:"caFile"`
	RequireClientCert bool   `yaml:"requireClientCert"`
}

// ShutdownConfig holds graceful shutdown parameters.
type ShutdownConfig struct {
	// Timeout is the maximum duration to wait for graceful shutdown (e.g. "25s").
	Timeout string `yaml:"timeout"`
}

// IPListConfig configures list based blocking.
type IPListConfig struct {
	Enabled bool `yaml:"enabled"`
	// Mode is blacklist (block listed addresses) or whitelist (block unlisted ones).
	Mode string `yaml:"mode"`
	// Dir holds the list files; defaults to <dataDir>/ipLists.
	Dir string `yaml:"dir"`
	// Lists names the files inside Dir that are screened.
	Lists []string `yaml:"lists"`
	// FetchJobs keep files inside Dir up to date.
	FetchJobs []listsync.JobConfig `yaml:"fetchJobs"`
	// Watch reloads lists when their files change on disk (default true).
	Watch *bool `yaml:"watch"`
}

// GeoBlockingConfig blocks by country.
type GeoBlockingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Mode is blacklist (block listed countries) or whitelist (block all others).
	Mode string `yaml:"mode"`
	// Countries holds ISO 3166-1 alpha-2 codes.
	Countries []string `yaml:"countries"`
}

// VPNBlockConfig configures anonymizer detection.
type VPNBlockConfig struct {
	Enabled        bool `yaml:"enabled"`
	vpndata.Config `yaml:",inline"`
	// Flags selects which detections deny in the default policy.
	Flags VPNFlags `yaml:"flags"`
}

// VPNFlags selects the anonymizer detections that block.
type VPNFlags struct {
	VPN     *bool `yaml:"vpn"`
	Proxy   *bool `yaml:"proxy"`
	Tor     *bool `yaml:"tor"`
	Relay   *bool `yaml:"relay"`
	Hosting *bool `yaml:"hosting"`
}

// ScreeningConfig configures the decision policy.
type ScreeningConfig struct {
	// Policy is a boolean expression over signal names; true allows. When empty it is
	// derived from the enabled features.
	Policy string `yaml:"policy"`
	// Bypass allows every connection while still reporting would-be denials.
	Bypass bool `yaml:"bypass"`
}

// Load reads, normalizes, and validates a configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("a path to a configuration file is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read the configuration file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse the configuration file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults populates unset fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":9001"
	}
	c.Metrics.ApplyDefaults()
	c.Logging.ApplyDefaults()
	if c.Shutdown.Timeout == "" {
		c.Shutdown.Timeout = defaultShutdownTimeout.String()
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}

	if c.IPList.Mode == "" {
		c.IPList.Mode = ModeBlacklist
	}
	if c.IPList.Dir == "" {
		c.IPList.Dir = filepath.Join(c.DataDir, ipListsDirName)
	}
	if c.IPList.Watch == nil {
		c.IPList.Watch = boolPtr(true)
	}
	for i := range c.IPList.FetchJobs {
		c.IPList.FetchJobs[i].ApplyDefaults()
	}

	c.IPInfo.ApplyDefaults(c.DataDir)

	if c.GeoBlocking.Mode == "" {
		c.GeoBlocking.Mode = ModeBlacklist
	}
	for i, code := range c.GeoBlocking.Countries {
		c.GeoBlocking.Countries[i] = strings.ToUpper(strings.TrimSpace(code))
	}

	c.VPNBlock.Config.ApplyDefaults()
	c.VPNBlock.Flags.applyDefaults()

	if c.Postgres != nil {
		c.Postgres.ApplyDefaults()
	}

	c.resolveTLSPaths()
}

// Validate ensures the configuration is ready for use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.Shutdown.Timeout); err != nil {
		return fmt.Errorf("configuration 'shutdown.timeout' must be a valid duration: %w", err)
	}
	if err := c.IPList.validate(); err != nil {
		return err
	}
	if err := c.IPInfo.Validate(); err != nil {
		return err
	}
	if err := c.GeoBlocking.validate(); err != nil {
		return err
	}
	if c.VPNBlock.Enabled {
		if err := c.VPNBlock.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Validate(); err != nil {
			return fmt.Errorf("configuration 'postgres' is invalid: %w", err)
		}
	}
	if c.IPList.Enabled && c.Postgres == nil {
		for _, job := range c.IPList.FetchJobs {
			if job.Query != "" {
				return fmt.Errorf("configuration 'ipList.fetchJobs' job %s uses a query but 'postgres' is not configured", job.Name)
			}
		}
	}
	return c.validatePolicy()
}

func (c *Config) validatePolicy() error {
	p, err := policy.Parse(c.PolicyExpression(), policy.AllSignals)
	if err != nil {
		return fmt.Errorf("configuration 'screening.policy' is invalid: %w", err)
	}
	enabled := c.EnabledSignals()
	for _, signal := range p.Signals() {
		if !slices.Contains(enabled, signal) {
			return fmt.Errorf("configuration 'screening.policy' references signal %s but the feature raising it is disabled", signal)
		}
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.Address == "" {
		return errors.New("configuration 'server.address' is required")
	}
	if s.TLS == nil {
		return nil
	}
	return s.TLS.validate()
}

func (t TLSConfig) validate() error {
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("configuration 'server.tls.certFile' and 'server.tls.keyFile' are required when TLS is enabled")
	}
	if t.RequireClientCert && t.CAFile == "" {
		return errors.New("configuration 'server.tls.caFile' is required when 'server.tls.requireClientCert' is true")
	}
	for _, filePath := range []string{t.CertFile, t.KeyFile, t.CAFile} {
		if filePath == "" {
			continue
		}
		if _, err := os.Stat(filePath); err != nil {
			return err
		}
	}
	return nil
}

func (l IPListConfig) validate() error {
	if err := validateMode("ipList.mode", l.Mode); err != nil {
		return err
	}
	if !l.Enabled {
		return nil
	}
	if len(l.ListPaths()) == 0 {
		return errors.New("configuration 'ipList.lists' must name at least one list when 'ipList' is enabled")
	}
	for _, name := range l.Lists {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("configuration 'ipList.lists' entry %q must be a plain file name", name)
		}
	}
	seen := make(map[string]struct{}, len(l.FetchJobs))
	for i, job := range l.FetchJobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("configuration 'ipList.fetchJobs[%d]' is invalid: %w", i, err)
		}
		if _, dup := seen[job.Filename]; dup {
			return fmt.Errorf("configuration 'ipList.fetchJobs' writes %s more than once", job.Filename)
		}
		seen[job.Filename] = struct{}{}
	}
	return nil
}

// ListPaths returns the screened list files: every configured list plus the target of
// every fetch job, each once.
func (l IPListConfig) ListPaths() []string {
	var paths []string
	add := func(name string) {
		p := filepath.Join(l.Dir, name)
		if !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	for _, name := range l.Lists {
		add(name)
	}
	for _, job := range l.FetchJobs {
		if job.Filename != "" {
			add(job.Filename)
		}
	}
	return paths
}

// WatchEnabled reports whether list files are watched for changes.
func (l IPListConfig) WatchEnabled() bool {
	return l.Watch == nil || *l.Watch
}

func (g GeoBlockingConfig) validate() error {
	if err := validateMode("geoBlocking.mode", g.Mode); err != nil {
		return err
	}
	for _, code := range g.Countries {
		if len(code) != 2 {
			return fmt.Errorf("configuration 'geoBlocking.countries' entry %q is not a two letter country code", code)
		}
	}
	return nil
}

// Blocks reports whether a connection from countryCode is blocked. An unknown country
// is never blocked.
func (g GeoBlockingConfig) Blocks(countryCode string) bool {
	if !g.Enabled || countryCode == "" {
		return false
	}
	listed := slices.Contains(g.Countries, strings.ToUpper(countryCode))
	if g.Mode == ModeWhitelist {
		return !listed
	}
	return listed
}

func (f *VPNFlags) applyDefaults() {
	def := func(p **bool, v bool) {
		if *p == nil {
			*p = boolPtr(v)
		}
	}
	def(&f.VPN, true)
	def(&f.Proxy, false)
	def(&f.Tor, true)
	def(&f.Relay, false)
	def(&f.Hosting, false)
}

// Blocked returns the signal names of the detections that block.
func (f VPNFlags) Blocked() []string {
	var out []string
	for _, flag := range []struct {
		signal string
		value  *bool
	}{
		{policy.SignalVPN, f.VPN},
		{policy.SignalProxy, f.Proxy},
		{policy.SignalTor, f.Tor},
		{policy.SignalRelay, f.Relay},
		{policy.SignalHosting, f.Hosting},
	} {
		if flag.value != nil && *flag.value {
			out = append(out, flag.signal)
		}
	}
	return out
}

// EnabledSignals returns the signals that the enabled features can raise.
func (c *Config) EnabledSignals() []string {
	var out []string
	if c.IPList.Enabled {
		out = append(out, policy.SignalIPList)
	}
	if c.GeoBlocking.Enabled {
		out = append(out, policy.SignalGeoBlocked)
	}
	if c.VPNBlock.Enabled {
		out = append(out, policy.SignalVPN, policy.SignalProxy, policy.SignalTor, policy.SignalRelay, policy.SignalHosting)
	}
	return out
}

// PolicyExpression returns screening.policy, or when empty the expression that denies
// on every enabled blocking feature.
func (c *Config) PolicyExpression() string {
	if strings.TrimSpace(c.Screening.Policy) != "" {
		return c.Screening.Policy
	}
	var deny []string
	if c.IPList.Enabled {
		deny = append(deny, policy.SignalIPList)
	}
	if c.GeoBlocking.Enabled {
		deny = append(deny, policy.SignalGeoBlocked)
	}
	if c.VPNBlock.Enabled {
		deny = append(deny, c.VPNBlock.Flags.Blocked()...)
	}
	terms := make([]string, len(deny))
	for i, s := range deny {
		terms[i] = "!" + s
	}
	return strings.Join(terms, " && ")
}

// ShutdownTimeout returns the parsed graceful shutdown deadline.
func (c ShutdownConfig) ShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

func validateMode(key, mode string) error {
	switch mode {
	case ModeBlacklist, ModeWhitelist:
		return nil
	default:
		return fmt.Errorf("configuration '%s' must be %q or %q, got %q", key, ModeBlacklist, ModeWhitelist, mode)
	}
}

// resolveTLSPaths makes relative TLS file paths absolute against the working directory.
func (c *Config) resolveTLSPaths() {
	if c.Server.TLS == nil {
		return
	}
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	for _, p := range []*string{&c.Server.TLS.CertFile, &c.Server.TLS.KeyFile, &c.Server.TLS.CAFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(cwd, *p)
		}
	}
}

func boolPtr(v bool) *bool {
	return &v
}
