package listsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type staticSource struct {
	body  string
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (s *staticSource) Download(ctx context.Context, w io.Writer, _ time.Time) (time.Time, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return time.Time{}, s.err
	}
	_, err := io.WriteString(w, s.body)
	return time.Time{}, err
}

func (s *staticSource) String() string { return "static" }

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".download") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestNewValidatesJobs(t *testing.T) {
	logger := zaptest.NewLogger(t)
	src := &staticSource{}
	dir := t.TempDir()

	tests := []struct {
		name string
		jobs []Job
	}{
		{"empty destination", []Job{{Name: "a", Source: src, Interval: time.Hour}}},
		{"missing source", []Job{{Name: "a", Destination: filepath.Join(dir, "a.txt"), Interval: time.Hour}}},
		{"zero interval", []Job{{Name: "a", Source: src, Destination: filepath.Join(dir, "a.txt")}}},
		{"negative interval", []Job{{Name: "a", Source: src, Destination: filepath.Join(dir, "a.txt"), Interval: -time.Second}}},
		{"duplicate destination", []Job{
			{Name: "a", Source: src, Destination: filepath.Join(dir, "a.txt"), Interval: time.Hour},
			{Name: "b", Source: src, Destination: filepath.Join(dir, "a.txt"), Interval: time.Hour},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.jobs, logger); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}

	s, err := New(nil, logger)
	if err != nil {
		t.Fatalf("no jobs is valid: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start without jobs: %v", err)
	}
	s.Stop()
}

func TestRunReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "lists", "block.txt")

	var updates []string
	var results []string
	src := &staticSource{body: "1.2.3.0/24\n"}
	s, err := New([]Job{{Name: "block", Source: src, Destination: dest, Interval: time.Hour}}, zaptest.NewLogger(t),
		WithObserver(func(_ string, result string, _ time.Duration) { results = append(results, result) }))
	if err != nil {
		t.Fatal(err)
	}
	s.OnUpdate(func(j Job) { updates = append(updates, j.Name) })

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := readFile(t, dest); got != "1.2.3.0/24\n" {
		t.Fatalf("unexpected content %q", got)
	}

	src.err = errors.New("source down")
	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
	if got := readFile(t, dest); got != "1.2.3.0/24\n" {
		t.Fatalf("failed run must leave destination untouched, got %q", got)
	}
	assertNoTemps(t, filepath.Dir(dest))

	if len(updates) != 1 || updates[0] != "block" {
		t.Fatalf("unexpected update callbacks %v", updates)
	}
	if len(results) != 2 || results[0] != ResultUpdated || results[1] != ResultError {
		t.Fatalf("unexpected results %v", results)
	}
}

func TestHTTPSource(t *testing.T) {
	t.Run("sends back the remote last modified time", func(t *testing.T) {
		lastModified := time.Date(2024, time.March, 1, 10, 30, 0, 0, time.UTC)
		var sinceHeaders []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("User-Agent") != "netwatchz-test" {
				t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
			}
			since := r.Header.Get("If-Modified-Since")
			sinceHeaders = append(sinceHeaders, since)
			if since != "" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
			_, _ = w.Write([]byte("10.0.0.0/8\n"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		dest := filepath.Join(dir, "remote.txt")
		var results []string
		s, err := New([]Job{{Name: "remote", Source: NewHTTPSource(srv.URL, nil, "netwatchz-test"), Destination: dest, Interval: time.Hour}},
			zaptest.NewLogger(t), WithObserver(func(_ string, result string, _ time.Duration) { results = append(results, result) }))
		if err != nil {
			t.Fatal(err)
		}

		for range 2 {
			if err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
		}
		if got := readFile(t, dest); got != "10.0.0.0/8\n" {
			t.Fatalf("unexpected content %q", got)
		}
		want := []string{"", lastModified.Format(http.TimeFormat)}
		if len(sinceHeaders) != 2 || sinceHeaders[0] != want[0] || sinceHeaders[1] != want[1] {
			t.Fatalf("If-Modified-Since = %q, want %q", sinceHeaders, want)
		}
		info, err := os.Stat(dest)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(lastModified) {
			t.Fatalf("file mtime = %s, want %s", info.ModTime(), lastModified)
		}
		if len(results) != 2 || results[1] != ResultNotModified {
			t.Fatalf("unexpected results %v", results)
		}
		assertNoTemps(t, dir)
	})

	t.Run("no conditional request without remote last modified", func(t *testing.T) {
		var conditional atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-Modified-Since") != "" {
				conditional.Add(1)
				w.WriteHeader(http.StatusNotModified)
				return
			}
			_, _ = w.Write([]byte("10.0.0.0/8\n"))
		}))
		defer srv.Close()

		dest := filepath.Join(t.TempDir(), "remote.txt")
		var results []string
		s, err := New([]Job{{Name: "remote", Source: NewHTTPSource(srv.URL, nil, ""), Destination: dest, Interval: time.Hour}},
			zaptest.NewLogger(t), WithObserver(func(_ string, result string, _ time.Duration) { results = append(results, result) }))
		if err != nil {
			t.Fatal(err)
		}
		for range 2 {
			if err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
		}
		if conditional.Load() != 0 {
			t.Fatalf("local mtime must not be sent as If-Modified-Since, got %d conditional requests", conditional.Load())
		}
		if len(results) != 2 || results[0] != ResultUpdated || results[1] != ResultUpdated {
			t.Fatalf("unexpected results %v", results)
		}
	})

	t.Run("non-2xx keeps the previous file", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		dir := t.TempDir()
		dest := filepath.Join(dir, "remote.txt")
		if err := os.WriteFile(dest, []byte("old\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		s, err := New([]Job{{Name: "remote", Source: NewHTTPSource(srv.URL, nil, ""), Destination: dest, Interval: time.Hour}}, zaptest.NewLogger(t))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.RunOnce(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if got := readFile(t, dest); got != "old\n" {
			t.Fatalf("destination changed: %q", got)
		}
		assertNoTemps(t, dir)
	})
}

func TestStartAndStop(t *testing.T) {
	dir := t.TempDir()
	src := &staticSource{body: "192.168.0.0/16\n"}

	updated := make(chan struct{}, 1)
	s, err := New([]Job{{Name: "periodic", Source: src, Destination: filepath.Join(dir, "p.txt"), Interval: 20 * time.Millisecond}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	s.OnUpdate(func(Job) {
		select {
		case updated <- struct{}{}:
		default:
		}
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	for range 2 {
		select {
		case <-updated:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for periodic updates")
		}
	}

	s.Stop()
	calls := src.calls.Load()
	time.Sleep(80 * time.Millisecond)
	if src.calls.Load() != calls {
		t.Fatalf("no run may start after Stop: before=%d after=%d", calls, src.calls.Load())
	}
	s.Stop()
}

func TestStartAfterStop(t *testing.T) {
	src := &staticSource{body: "192.168.0.0/16\n"}
	s, err := New([]Job{{Name: "early", Source: src, Destination: filepath.Join(t.TempDir(), "e.txt"), Interval: 20 * time.Millisecond}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	s.Stop()
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start after Stop should fail")
	}
	time.Sleep(60 * time.Millisecond)
	if got := src.calls.Load(); got != 0 {
		t.Fatalf("stopped scheduler ran %d syncs", got)
	}
}

func TestStopWaitsForInflightRun(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "slow.txt")
	src := &staticSource{body: "8.8.8.8\n", block: make(chan struct{})}

	s, err := New([]Job{{Name: "slow", Source: src, Destination: dest, Interval: time.Hour}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := readFile(t, dest); got != "8.8.8.8\n" {
		t.Fatalf("in-flight write should complete, got %q", got)
	}
	assertNoTemps(t, dir)
}

func TestJobConfig(t *testing.T) {
	cfg := JobConfig{URL: " https://example.com/list.txt ", Filename: "list.txt"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval() != 24*time.Hour || cfg.Name != "list.txt" || cfg.URL != "https://example.com/list.txt" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg = JobConfig{URL: "https://x", Filename: "a.txt", UpdateIntervalHours: -5}
	cfg.ApplyDefaults()
	if cfg.Interval() != time.Hour {
		t.Fatalf("interval should be clamped to one hour, got %s", cfg.Interval())
	}

	invalid := []JobConfig{
		{Filename: "a.txt"},
		{URL: "https://x", Query: "SELECT 1", Filename: "a.txt"},
		{URL: "https://x"},
		{URL: "https://x", Filename: "../a.txt"},
		{URL: "https://x", Filename: "sub/a.txt"},
	}
	for _, c := range invalid {
		if err := c.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", c)
		}
	}

	jobs, pool, err := BuildJobs(context.Background(), []JobConfig{{Name: "a", URL: "https://x", Filename: "a.txt", UpdateIntervalHours: 2}}, "/lists", nil, "ua")
	if err != nil || pool != nil {
		t.Fatalf("BuildJobs: %v %v", pool, err)
	}
	if len(jobs) != 1 || jobs[0].Destination != filepath.Join("/lists", "a.txt") || jobs[0].Interval != 2*time.Hour {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	if _, _, err := BuildJobs(context.Background(), []JobConfig{{Name: "db", Query: "SELECT 1", Filename: "db.txt"}}, "/lists", nil, "ua"); err == nil {
		t.Fatal("query job without postgres config should fail")
	}
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{" 1.2.3.4 ", "1.2.3.4"},
		{netip.MustParsePrefix("10.0.0.0/8"), "10.0.0.0/8"},
		{netip.MustParsePrefix("10.1.2.3/32"), "10.1.2.3"},
		{netip.MustParseAddr("8.8.4.4"), "8.8.4.4"},
	}
	for _, tt := range tests {
		got, err := formatEntry(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("formatEntry(%v) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := formatEntry(42); err == nil {
		t.Error("integers are not list entries")
	}
}
