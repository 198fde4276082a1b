package metrics

import (
	"errors"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type failingGatherer struct{ err error }

func (g failingGatherer) Gather() ([]*dto.MetricFamily, error) { return nil, g.err }

func TestFilteringGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, name := range []string{"go_threads_fake", "process_fds_fake", "netwatchz_fake_total"} {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name})
		c.Inc()
		reg.MustRegister(c)
	}

	tests := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{"runtime prefixes dropped", []string{"go_", "process_"}, []string{"netwatchz_fake_total"}},
		{"everything dropped", []string{"go_", "process_", "netwatchz_"}, []string{}},
		{"nothing dropped", nil, []string{"go_threads_fake", "netwatchz_fake_total", "process_fds_fake"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfs, err := filteringGatherer{inner: reg, dropPrefixes: tt.prefixes}.Gather()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := make([]string, 0, len(mfs))
			for _, mf := range mfs {
				got = append(got, mf.GetName())
			}
			slices.Sort(got)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("gather errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		if _, err := (filteringGatherer{inner: failingGatherer{err: boom}}).Gather(); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})
}
