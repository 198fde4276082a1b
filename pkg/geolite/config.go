package geolite

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	DefaultUpdateInterval = 7 * 24 * time.Hour
	defaultDirName        = "GeoLite2"
)

// Config describes where the GeoLite2 databases come from and where they live.
type Config struct {
	// Dir holds the .mmdb files. Defaults to <dataDir>/GeoLite2.
	Dir string `yaml:"dir"`
	// UpdateInterval is the maximum age of a database file before it is downloaded again.
	UpdateInterval string `yaml:"updateInterval"`
	// ASNURL, CityURL and CountryURL point at a raw .mmdb or a .tar.gz archive. An empty URL
	// means the file is managed externally.
	ASNURL     string `yaml:"asnUrl"`
	CityURL    string `yaml:"cityUrl"`
	CountryURL string `yaml:"countryUrl"`
	// LicenseKey replaces the %license_key% placeholder in the URLs.
	LicenseKey string `yaml:"licenseKey"`
}

// ApplyDefaults fills unset fields. dataDir is the service-wide data directory.
func (c *Config) ApplyDefaults(dataDir string) {
	if c.Dir == "" && dataDir != "" {
		c.Dir = filepath.Join(dataDir, defaultDirName)
	}
	if c.UpdateInterval == "" {
		c.UpdateInterval = DefaultUpdateInterval.String()
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("configuration 'geolite2.dir' is required")
	}
	if _, err := c.interval(); err != nil {
		return err
	}
	return nil
}

func (c Config) interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return 0, fmt.Errorf("configuration 'geolite2.updateInterval' is not a valid duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("configuration 'geolite2.updateInterval' must be positive")
	}
	return d, nil
}
