package metering

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	pmodel "github.com/prometheus/common/model"

	"github.com/edvin/dbsync/internal/model"
)

// DefaultPrometheusQuery measures busy pgbouncer client connections per user.
// {window} is replaced by the tick length in seconds and {at} by the
// evaluation instant; {network} is available to custom expressions.
const DefaultPrometheusQuery = `sum by (user) (avg_over_time(pgbouncer_pools_client_active_connections{user=~"dmtr_.*"}[{window}s] @ {at})) > 0`

// PrometheusSource derives execution time from a windowed rate expression.
// Each result is the average number of busy seconds per second over the
// window; multiplied by the window it becomes the window's usage, which is
// accumulated into a per-user cumulative counter.
type PrometheusSource struct {
	api   v1.API
	query string

	mu     sync.Mutex
	totals map[string]map[string]float64
}

func NewPrometheusSource(address, query string, tlsConfig *tls.Config) (*PrometheusSource, error) {
	rt := api.DefaultRoundTripper
	if tlsConfig != nil {
		rt = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	client, err := api.NewClient(api.Config{Address: address, RoundTripper: rt})
	if err != nil {
		return nil, model.ConfigurationError("create prometheus client", err)
	}
	if query == "" {
		query = DefaultPrometheusQuery
	}
	return &PrometheusSource{
		api:    v1.NewAPI(client),
		query:  query,
		totals: make(map[string]map[string]float64),
	}, nil
}

// Units returns a single unit: the query covers the whole network.
func (s *PrometheusSource) Units(_ string) ([]string, error) {
	return []string{"prometheus"}, nil
}

func (s *PrometheusSource) Read(ctx context.Context, network, _ string, usernames []string, window Window) (map[string]float64, error) {
	seconds := int64(window.End.Sub(window.Start).Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	expr := s.expression(network, seconds, window.End)

	val, _, err := s.api.Query(ctx, expr, window.End)
	if err != nil {
		return nil, model.ExternalQueryError("query prometheus", err)
	}
	vec, ok := val.(pmodel.Vector)
	if !ok {
		return nil, model.ExternalQueryError("query prometheus", fmt.Errorf("expected vector result, got %s", val.Type()))
	}

	wanted := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		wanted[u] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	totals := s.totals[network]
	if totals == nil {
		totals = make(map[string]float64)
		s.totals[network] = totals
	}

	for _, sample := range vec {
		user := string(sample.Metric["user"])
		if user == "" {
			user = string(sample.Metric["usename"])
		}
		v := float64(sample.Value)
		if !wanted[user] || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		totals[user] += v * float64(seconds) * 1000
	}

	out := make(map[string]float64, len(usernames))
	for _, u := range usernames {
		out[u] = totals[u]
		totals[u] = out[u]
	}
	for u := range totals {
		if !wanted[u] {
			delete(totals, u)
		}
	}
	return out, nil
}

func (s *PrometheusSource) expression(network string, seconds int64, at time.Time) string {
	return strings.NewReplacer(
		"{network}", network,
		"{window}", strconv.FormatInt(seconds, 10),
		"{at}", strconv.FormatInt(at.Unix(), 10),
	).Replace(s.query)
}
