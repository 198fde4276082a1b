package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/gtriggiano/netwatchz/pkg/config"
	"github.com/gtriggiano/netwatchz/pkg/metrics"
)

// loadConfig writes body below a fresh data directory and loads it. List files named
// in lists are created in the list directory with the given content.
func loadConfig(t *testing.T, body string, lists map[string]string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	listDir := filepath.Join(dir, "ipLists")
	if err := os.MkdirAll(listDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range lists {
		if err := os.WriteFile(filepath.Join(listDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(dir, "config.yaml")
	body = fmt.Sprintf("dataDir: %s\n", dir) + body
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("could not load config: %v", err)
	}
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	e, err := New(context.Background(), cfg, zaptest.NewLogger(t), metrics.NewInstrumentation(reg))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e, reg
}

// counterValue returns the value of the counter series with the given labels, or 0.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// ipInfoServer answers with a country per address and counts requests.
func ipInfoServer(t *testing.T, countries map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ip := strings.TrimPrefix(r.URL.Path, "/")
		code, ok := countries[ip]
		if !ok {
			code = "IT"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"query":%q,"country":{"code":%q}}`, ip, code)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// vpnServer flags the given addresses as VPN exits and, separately, as Tor nodes.
func vpnServer(t *testing.T, vpn, tor map[string]bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ip := strings.TrimPrefix(r.URL.Path, "/")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"security":{"vpn":%t,"tor":%t}}`, vpn[ip], tor[ip])
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func ipInfoSection(url string) string {
	return fmt.Sprintf(`
ipInfo:
  provider: custom
  custom:
    url: %s/%%ip%%
    fields:
      ip: query
      countryCode: country.code
`, url)
}

func vpnSection(url string) string {
	return fmt.Sprintf(`
vpnBlock:
  enabled: true
  provider: custom
  custom:
    url: %s/%%ip%%
    fields:
      vpn: security.vpn
      tor: security.tor
`, url)
}

func TestIsIPBlocked(t *testing.T) {
	info, _ := ipInfoServer(t, nil)
	lists := map[string]string{
		"bad.txt":   "10.0.0.0/8\n192.0.2.1\n",
		"worse.txt": "198.51.100.0/24\n",
	}

	t.Run("blacklist", func(t *testing.T) {
		cfg := loadConfig(t, `
ipList:
  enabled: true
  lists: [bad.txt, worse.txt]
`+ipInfoSection(info.URL), lists)
		e, _ := newEngine(t, cfg)

		for ip, want := range map[string]bool{
			"10.1.2.3":      true,
			"192.0.2.1":     true,
			"198.51.100.77": true,
			"203.0.113.5":   false,
		} {
			if got := e.IsIPBlocked(ip); got != want {
				t.Errorf("IsIPBlocked(%s) = %v, want %v", ip, got, want)
			}
		}
		if got := e.MatchingLists("198.51.100.1"); len(got) != 1 || filepath.Base(got[0]) != "worse.txt" {
			t.Errorf("MatchingLists = %v", got)
		}
	})

	t.Run("whitelist", func(t *testing.T) {
		cfg := loadConfig(t, `
ipList:
  enabled: true
  mode: whitelist
  lists: [bad.txt]
`+ipInfoSection(info.URL), lists)
		e, _ := newEngine(t, cfg)

		if e.IsIPBlocked("10.9.9.9") {
			t.Error("listed address must pass in whitelist mode")
		}
		if !e.IsIPBlocked("203.0.113.5") {
			t.Error("unlisted address must be blocked in whitelist mode")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := loadConfig(t, ipInfoSection(info.URL), nil)
		e, _ := newEngine(t, cfg)
		if e.IsIPBlocked("10.1.2.3") || e.MatchingLists("10.1.2.3") != nil {
			t.Error("lists are disabled")
		}
	})
}

func TestScreen(t *testing.T) {
	info, infoHits := ipInfoServer(t, map[string]string{"203.0.113.7": "RU"})
	vpn, vpnHits := vpnServer(t,
		map[string]bool{"198.51.100.9": true},
		map[string]bool{"198.51.100.10": true},
	)
	lists := map[string]string{"bad.txt": "192.0.2.0/24\n"}

	body := `
ipList:
  enabled: true
  lists: [bad.txt]
geoBlocking:
  enabled: true
  countries: [ru]
` + ipInfoSection(info.URL) + vpnSection(vpn.URL)

	cfg := loadConfig(t, body, lists)
	e, reg := newEngine(t, cfg)

	tests := []struct {
		ip          string
		wantAllowed bool
		wantCulprit string
	}{
		{"8.8.8.8", true, ""},
		{"192.0.2.44", false, "ip_list"},
		{"203.0.113.7", false, "geo_blocked"},
		{"198.51.100.9", false, "vpn"},
		{"198.51.100.10", false, "tor"},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			v := e.Screen(context.Background(), tt.ip)
			if v.Allowed != tt.wantAllowed || v.Culprit != tt.wantCulprit {
				t.Fatalf("Screen(%s) = allowed %v culprit %q, want %v %q", tt.ip, v.Allowed, v.Culprit, tt.wantAllowed, tt.wantCulprit)
			}
			if v.Denied == v.Allowed {
				t.Fatal("Denied must mirror Allowed without bypass")
			}
			if v.Duration <= 0 {
				t.Fatal("duration not recorded")
			}
		})
	}

	if v := e.Screen(context.Background(), "203.0.113.7"); v.IPData == nil || v.IPData.CountryCode != "RU" {
		t.Fatalf("expected ip data on the verdict, got %+v", v.IPData)
	}
	if got := counterValue(t, reg, "netwatchz_signals_raised_total", map[string]string{"signal": "tor"}); got != 1 {
		t.Fatalf("tor raised %v times, want 1", got)
	}

	t.Run("ipv6 is skipped", func(t *testing.T) {
		before := infoHits.Load() + vpnHits.Load()
		v := e.Screen(context.Background(), "2001:db8::1")
		if !v.Skipped || !v.Allowed {
			t.Fatalf("got %+v", v)
		}
		if infoHits.Load()+vpnHits.Load() != before {
			t.Fatal("skipped address must not reach providers")
		}
	})

	t.Run("mapped ipv4 is screened", func(t *testing.T) {
		v := e.Screen(context.Background(), "::ffff:192.0.2.44")
		if v.Allowed || v.IP != "192.0.2.44" {
			t.Fatalf("got %+v", v)
		}
	})
}

func TestScreenOnlyComputesReferencedSignals(t *testing.T) {
	info, infoHits := ipInfoServer(t, nil)
	vpn, vpnHits := vpnServer(t, nil, nil)

	cfg := loadConfig(t, `
ipList:
  enabled: true
  lists: [bad.txt]
screening:
  policy: "!ip_list"
`+ipInfoSection(info.URL)+vpnSection(vpn.URL), map[string]string{"bad.txt": "192.0.2.1\n"})
	e, _ := newEngine(t, cfg)

	if v := e.Screen(context.Background(), "192.0.2.1"); v.Allowed {
		t.Fatal("listed address allowed")
	}
	if v := e.Screen(context.Background(), "8.8.4.4"); !v.Allowed {
		t.Fatal("clean address denied")
	}
	if infoHits.Load() != 0 || vpnHits.Load() != 0 {
		t.Fatalf("providers queried for unreferenced signals: ip-info %d vpn %d", infoHits.Load(), vpnHits.Load())
	}
}

func TestScreenBypass(t *testing.T) {
	info, _ := ipInfoServer(t, nil)
	cfg := loadConfig(t, `
ipList:
  enabled: true
  lists: [bad.txt]
screening:
  bypass: true
`+ipInfoSection(info.URL), map[string]string{"bad.txt": "192.0.2.1\n"})
	e, _ := newEngine(t, cfg)

	v := e.Screen(context.Background(), "192.0.2.1")
	if !v.Allowed || !v.Denied || !v.Bypassed || v.Culprit != "ip_list" {
		t.Fatalf("got %+v", v)
	}
}

func TestScreenFailsOpen(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	cfg := loadConfig(t, `
geoBlocking:
  enabled: true
  countries: [IT]
`+ipInfoSection(broken.URL)+vpnSection(broken.URL), nil)
	e, reg := newEngine(t, cfg)

	v := e.Screen(context.Background(), "203.0.113.50")
	if !v.Allowed || v.Denied {
		t.Fatalf("unavailable providers must not deny, got %+v", v)
	}
	if got := counterValue(t, reg, "netwatchz_enrichment_failures_total", map[string]string{"source": "ip-info"}); got != 1 {
		t.Fatalf("ip-info failures = %v", got)
	}
	if got := counterValue(t, reg, "netwatchz_enrichment_failures_total", map[string]string{"source": "vpn"}); got != 1 {
		t.Fatalf("vpn failures = %v", got)
	}
}

func TestFetchVPNDataDisabled(t *testing.T) {
	info, _ := ipInfoServer(t, nil)
	e, _ := newEngine(t, loadConfig(t, ipInfoSection(info.URL), nil))

	if _, err := e.FetchVPNData(context.Background(), "8.8.8.8"); !errors.Is(err, ErrVPNDisabled) {
		t.Fatalf("expected ErrVPNDisabled, got %v", err)
	}
	data, err := e.FetchIPData(context.Background(), "8.8.8.8")
	if err != nil || data == nil || data.CountryCode != "IT" {
		t.Fatalf("FetchIPData = %+v, %v", data, err)
	}
}

func TestListSync(t *testing.T) {
	var body atomic.Value
	body.Store("192.0.2.0/24\n")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body.Load().(string))
	}))
	t.Cleanup(upstream.Close)
	info, _ := ipInfoServer(t, nil)

	cfg := loadConfig(t, fmt.Sprintf(`
ipList:
  enabled: true
  watch: false
  fetchJobs:
    - name: feed
      url: %s
      filename: feed.txt
`, upstream.URL)+ipInfoSection(info.URL), nil)
	e, reg := newEngine(t, cfg)

	if err := e.HealthCheck(context.Background()); err == nil {
		t.Fatal("health check must fail before any list is loaded")
	}

	t.Run("sync once", func(t *testing.T) {
		if err := e.SyncLists(context.Background()); err != nil {
			t.Fatal(err)
		}
		if !e.IsIPBlocked("192.0.2.9") {
			t.Fatal("synced list not applied")
		}
		if err := e.HealthCheck(context.Background()); err != nil {
			t.Fatalf("health check: %v", err)
		}
	})

	t.Run("background sync", func(t *testing.T) {
		body.Store("198.51.100.0/24\n")
		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := e.Start(context.Background()); err == nil {
			t.Fatal("second Start must fail")
		}

		deadline := time.Now().Add(5 * time.Second)
		for !e.IsIPBlocked("198.51.100.1") {
			if time.Now().After(deadline) {
				t.Fatal("list was not refreshed by the scheduler")
			}
			time.Sleep(20 * time.Millisecond)
		}
		if e.IsIPBlocked("192.0.2.9") {
			t.Fatal("stale range still matches")
		}
		if got := counterValue(t, reg, "netwatchz_ip_list_syncs_total", map[string]string{"job": "feed", "result": "updated"}); got < 2 {
			t.Fatalf("expected two recorded syncs, got %v", got)
		}

		e.Shutdown()
		e.Shutdown()
	})
}

func TestStartAfterShutdown(t *testing.T) {
	info, _ := ipInfoServer(t, nil)
	cfg := loadConfig(t, `
ipList:
  enabled: true
  watch: true
  fetchJobs:
    - name: feed
      url: http://127.0.0.1:1/feed.txt
      filename: feed.txt
`+ipInfoSection(info.URL), nil)
	e, _ := newEngine(t, cfg)

	e.Shutdown()
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start after Shutdown must fail")
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected an error")
	}
}
