package listsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultUpdateIntervalHours = 24

// JobConfig is the configuration form of a Job.
type JobConfig struct {
	Name string `yaml:"name"`
	// URL downloads the list over HTTP.
	URL string `yaml:"url"`
	// Query reads the list from the configured Postgres database; the first column of
	// every row is one entry.
	Query string `yaml:"query"`
	// Filename is the list file inside the list directory.
	Filename string `yaml:"filename"`
	// UpdateIntervalHours is clamped to at least one hour.
	UpdateIntervalHours int `yaml:"updateIntervalHours"`
}

// ApplyDefaults fills unset fields.
func (c *JobConfig) ApplyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	c.Filename = strings.TrimSpace(c.Filename)
	if c.UpdateIntervalHours == 0 {
		c.UpdateIntervalHours = defaultUpdateIntervalHours
	}
	if c.UpdateIntervalHours < 1 {
		c.UpdateIntervalHours = 1
	}
	if c.Name == "" {
		c.Name = c.Filename
	}
}

// Validate checks that the job has exactly one source and a plain file name.
func (c JobConfig) Validate() error {
	if (c.URL == "") == (c.Query == "") {
		return errors.New("exactly one of url or query is required")
	}
	if c.Filename == "" {
		return errors.New("filename is required")
	}
	if filepath.Base(c.Filename) != c.Filename || c.Filename == "." || c.Filename == ".." {
		return fmt.Errorf("filename %q must not contain a path", c.Filename)
	}
	return nil
}

// Interval returns the update interval as a duration.
func (c JobConfig) Interval() time.Duration {
	return time.Duration(c.UpdateIntervalHours) * time.Hour
}

// BuildJobs turns job configurations into Jobs writing into dir. A Postgres pool is
// opened lazily, only when some job needs it, and returned so the caller can close it.
func BuildJobs(ctx context.Context, configs []JobConfig, dir string, pg *PostgresConfig, userAgent string) ([]Job, *pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	jobs := make([]Job, 0, len(configs))
	for _, cfg := range configs {
		var source Source
		switch {
		case cfg.URL != "":
			source = NewHTTPSource(cfg.URL, nil, userAgent)
		default:
			if pool == nil {
				if pg == nil {
					return nil, nil, fmt.Errorf("list job %s reads from postgres but no postgres connection is configured", cfg.Name)
				}
				var err error
				if pool, err = NewPostgresPool(ctx, pg); err != nil {
					return nil, nil, err
				}
			}
			source = NewPostgresSource(pool, cfg.Query)
		}
		jobs = append(jobs, Job{
			Name:        cfg.Name,
			Source:      source,
			Destination: filepath.Join(dir, cfg.Filename),
			Interval:    cfg.Interval(),
		})
	}
	return jobs, pool, nil
}
