// Package geolite maintains local copies of the GeoLite2 ASN, City and Country databases
// and answers lookups against them. Databases are downloaded lazily, refreshed when older
// than the configured interval and swapped under a write lock.
package geolite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang/v2"
	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

const (
	ProviderName = "geolite2"

	ASNFile     = "GeoLite2-ASN.mmdb"
	CityFile    = "GeoLite2-City.mmdb"
	CountryFile = "GeoLite2-Country.mmdb"

	licenseKeyPlaceholder = "%license_key%"
	defaultRetryAfter     = time.Minute
	downloadTimeout       = 5 * time.Minute
)

// Database identifies one of the three GeoLite2 editions.
type Database int

const (
	ASN Database = iota
	City
	Country
)

var databases = [...]Database{ASN, City, Country}

// String returns the edition name used in logs and metrics.
func (d Database) String() string {
	switch d {
	case ASN:
		return "asn"
	case City:
		return "city"
	case Country:
		return "country"
	default:
		return "unknown"
	}
}

func (d Database) file() string {
	switch d {
	case ASN:
		return ASNFile
	case City:
		return CityFile
	default:
		return CountryFile
	}
}

// Record is the merged result of a lookup. Absent values are empty or nil.
type Record struct {
	Country     string
	CountryCode string
	RegionName  string
	RegionCode  string
	City        string
	Lat         *float64
	Lon         *float64
	Timezone    string
	ASN         string
	Org         string
}

// DatabaseStatus describes one database for readiness reporting.
type DatabaseStatus struct {
	Database    Database
	Path        string
	Loaded      bool
	RefreshedAt time.Time
}

// RefreshObserver is notified after every download attempt.
type RefreshObserver func(db Database, err error)

// Option customizes a Store.
type Option func(*Store)

// WithHTTPClient replaces the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithRefreshObserver registers fn to observe download attempts.
func WithRefreshObserver(fn RefreshObserver) Option {
	return func(s *Store) { s.observer = fn }
}

// WithRetryAfter sets how long a failed refresh is trusted before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Store) { s.retryAfter = d }
}

// Store owns the database files and their open readers.
type Store struct {
	dir        string
	interval   time.Duration
	urls       [len(databases)]string
	httpClient *http.Client
	logger     *zap.Logger
	observer   RefreshObserver
	retryAfter time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	readers     [len(databases)]*geoip2.Reader
	refreshedAt [len(databases)]time.Time
	lastFailure time.Time
	lastErr     error
}

// New validates cfg and returns a Store. No file is touched until the first lookup or
// Refresh.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval, _ := cfg.interval()
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("configuration 'geolite2.dir' is not valid: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		dir:        dir,
		interval:   interval,
		httpClient: &http.Client{Timeout: downloadTimeout},
		logger:     logger,
		retryAfter: defaultRetryAfter,
		now:        time.Now,
	}
	for i, url := range [...]string{cfg.ASNURL, cfg.CityURL, cfg.CountryURL} {
		s.urls[i] = strings.ReplaceAll(url, licenseKeyPlaceholder, cfg.LicenseKey)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute directory holding the database files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(db Database) string {
	return filepath.Join(s.dir, db.file())
}

// Refresh runs the readiness state machine immediately.
func (s *Store) Refresh(ctx context.Context) error {
	return s.ensureReady(ctx)
}

// ensureReady brings the readers to a fresh state. The fast path only takes the read lock.
func (s *Store) ensureReady(ctx context.Context) error {
	s.mu.RLock()
	ready, err := s.usableLocked()
	s.mu.RUnlock()
	if ready {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ready, err := s.usableLocked(); ready {
		return err
	}
	return s.reloadLocked(ctx)
}

// usableLocked reports whether lookups can proceed without touching the disk. It is true
// when every managed database is fresh, or when a recent refresh failed and some reader
// is still open; the recorded failure is returned only when nothing is open.
func (s *Store) usableLocked() (bool, error) {
	now := s.now()
	if s.freshLocked(now) {
		return true, nil
	}
	if !s.lastFailure.IsZero() && now.Sub(s.lastFailure) < s.retryAfter {
		if s.anyOpenLocked() {
			return true, nil
		}
		return true, s.lastErr
	}
	return false, nil
}

func (s *Store) freshLocked(now time.Time) bool {
	for _, db := range databases {
		if s.urls[db] == "" {
			continue
		}
		if s.readers[db] == nil || !now.Before(s.refreshedAt[db].Add(s.interval)) {
			return false
		}
	}
	return s.anyOpenLocked()
}

func (s *Store) anyOpenLocked() bool {
	for _, r := range s.readers {
		if r != nil {
			return true
		}
	}
	return false
}

// reloadLocked downloads stale databases, then replaces the reader set as a unit.
func (s *Store) reloadLocked(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return s.failLocked(fetch.Errorf(fetch.IoFailed, ProviderName, "", "could not create %s: %v", s.dir, err))
	}

	var downloadErrs []error
	now := s.now()
	for _, db := range databases {
		path := s.path(db)
		url := s.urls[db]

		stale, err := needsDownload(path, s.interval, now)
		if err != nil {
			downloadErrs = append(downloadErrs, fmt.Errorf("%s: %w", db, err))
			continue
		}
		if stale && url != "" {
			start := time.Now()
			s.logger.Info("downloading database", zap.Stringer("database", db), zap.String("path", path))
			err := download(ctx, s.httpClient, url, path)
			s.observe(db, err)
			if err == nil {
				s.refreshedAt[db] = s.now()
				s.logger.Info("database downloaded", zap.Stringer("database", db), zap.Duration("duration", time.Since(start)))
				continue
			}
			downloadErrs = append(downloadErrs, fmt.Errorf("%s: %w", db, err))
			s.logger.Warn("could not download database", zap.Stringer("database", db), zap.Error(err))
		}
		if info, err := os.Stat(path); err == nil {
			s.refreshedAt[db] = info.ModTime()
		}
	}

	s.closeLocked()
	for _, db := range databases {
		path := s.path(db)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		reader, err := geoip2.Open(path)
		if err != nil {
			s.closeLocked()
			return s.failLocked(fetch.Errorf(fetch.ParseFailed, ProviderName, "", "could not open %s: %v", path, err))
		}
		s.readers[db] = reader
	}

	if len(downloadErrs) > 0 {
		err := fetch.NewError(fetch.IoFailed, ProviderName, "", errors.Join(downloadErrs...))
		if !s.anyOpenLocked() {
			return s.failLocked(err)
		}
		s.failLocked(err)
		return nil
	}
	if !s.anyOpenLocked() {
		return s.failLocked(fetch.Errorf(fetch.IoFailed, ProviderName, "", "no database available in %s", s.dir))
	}

	s.lastFailure = time.Time{}
	s.lastErr = nil
	return nil
}

func (s *Store) failLocked(err error) error {
	s.lastFailure = s.now()
	s.lastErr = err
	return err
}

func (s *Store) observe(db Database, err error) {
	if s.observer != nil {
		s.observer(db, err)
	}
}

func (s *Store) closeLocked() {
	for i, r := range s.readers {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			s.logger.Warn("could not close database", zap.Stringer("database", Database(i)), zap.Error(err))
		}
		s.readers[i] = nil
	}
}

// Close releases the open readers. A later lookup reopens them.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.lastFailure = time.Time{}
	s.lastErr = nil
}

// Status reports the state of every database.
func (s *Store) Status() []DatabaseStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DatabaseStatus, 0, len(databases))
	for _, db := range databases {
		out = append(out, DatabaseStatus{
			Database:    db,
			Path:        s.path(db),
			Loaded:      s.readers[db] != nil,
			RefreshedAt: s.refreshedAt[db],
		})
	}
	return out
}

// Lookup resolves ip against the open databases. Addresses missing from every database
// produce an empty record, not an error.
func (s *Store) Lookup(ctx context.Context, ip string) (*Record, error) {
	ip, err := fetch.ValidateIP(ProviderName, ip)
	if err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fetch.NewError(fetch.InvalidInput, ProviderName, ip, err)
	}

	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &Record{}
	if r := s.readers[ASN]; r != nil {
		asn, err := r.ASN(addr)
		if err != nil {
			return nil, fetch.NewError(fetch.ParseFailed, ProviderName, ip, err)
		}
		if asn.HasData() {
			if asn.AutonomousSystemNumber != 0 {
				rec.ASN = fmt.Sprintf("AS%d", asn.AutonomousSystemNumber)
			}
			rec.Org = asn.AutonomousSystemOrganization
		}
	}

	if r := s.readers[City]; r != nil {
		city, err := r.City(addr)
		if err != nil {
			return nil, fetch.NewError(fetch.ParseFailed, ProviderName, ip, err)
		}
		if city.HasData() {
			rec.Country = city.Country.Names.English
			rec.CountryCode = city.Country.ISOCode
			if n := len(city.Subdivisions); n > 0 {
				sub := city.Subdivisions[n-1]
				rec.RegionName = sub.Names.English
				rec.RegionCode = sub.ISOCode
			}
			rec.City = city.City.Names.English
			if city.Location.HasCoordinates() {
				lat, lon := *city.Location.Latitude, *city.Location.Longitude
				rec.Lat, rec.Lon = &lat, &lon
			}
			rec.Timezone = city.Location.TimeZone
		}
	}

	if r := s.readers[Country]; r != nil && rec.CountryCode == "" {
		country, err := r.Country(addr)
		if err != nil {
			return nil, fetch.NewError(fetch.ParseFailed, ProviderName, ip, err)
		}
		if country.HasData() {
			rec.Country = country.Country.Names.English
			rec.CountryCode = country.Country.ISOCode
		}
	}

	return rec, nil
}
