package metering

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/dbsync/internal/model"
)

// seqSource replays one value per tick for each network/unit/username. A nil
// entry in errs at the tick index means success.
type seqSource struct {
	mu     sync.Mutex
	units  map[string][]string
	values map[string][]float64
	errs   map[string][]error
	ticks  map[string]int
}

func newSeqSource(units map[string][]string) *seqSource {
	return &seqSource{
		units:  units,
		values: make(map[string][]float64),
		errs:   make(map[string][]error),
		ticks:  make(map[string]int),
	}
}

func seqKey(network, unit, username string) string {
	return network + "/" + unit + "/" + username
}

func (s *seqSource) set(network, unit, username string, values ...float64) {
	s.values[seqKey(network, unit, username)] = values
}

func (s *seqSource) fail(network, unit string, errs ...error) {
	s.errs[network+"/"+unit] = errs
}

func (s *seqSource) Units(network string) ([]string, error) {
	units, ok := s.units[network]
	if !ok {
		return nil, model.ConfigurationError("units", fmt.Errorf("unknown network %s", network))
	}
	return units, nil
}

func (s *seqSource) Read(_ context.Context, network, unit string, usernames []string, _ Window) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tk := network + "/" + unit
	tick := s.ticks[tk]
	s.ticks[tk]++

	if errs := s.errs[tk]; tick < len(errs) && errs[tick] != nil {
		return nil, errs[tick]
	}

	out := make(map[string]float64)
	for _, u := range usernames {
		vals := s.values[seqKey(network, unit, u)]
		if tick < len(vals) {
			out[u] = vals[tick]
		}
	}
	return out, nil
}

type staticDirectory struct {
	owners map[string]map[string]model.Owner
	err    error
}

func (d *staticDirectory) Owners(network string) (map[string]model.Owner, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.owners[network], nil
}

func demoDirectory() *staticDirectory {
	return &staticDirectory{owners: map[string]map[string]model.Owner{
		"preprod": {"dmtr_dbsync1alice": {Project: "demo", Resource: "alice", Tier: "1"}},
		"mainnet": {"dmtr_dbsync1bob": {Project: "demo", Resource: "bob"}},
	}}
}

// counter sums the values of name whose labels include labels.
func counter(reg *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metric:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
