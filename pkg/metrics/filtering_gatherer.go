package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// filteringGatherer drops metric families whose name starts with one of dropPrefixes.
type filteringGatherer struct {
	inner        prometheus.Gatherer
	dropPrefixes []string
}

func (f filteringGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := f.inner.Gather()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(families, func(mf *dto.MetricFamily) bool {
		return slices.ContainsFunc(f.dropPrefixes, func(prefix string) bool {
			return strings.HasPrefix(mf.GetName(), prefix)
		})
	}), nil
}
