package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/dbsync/internal/config"
	"github.com/edvin/dbsync/internal/metrics"
	"github.com/edvin/dbsync/internal/model"
)

// Endpoint is one physical replica serving a network.
type Endpoint struct {
	Network string
	Name    string
	Pool    *pgxpool.Pool
}

// Registry owns the connection pools of every network. It is built once at
// startup and read-only afterwards.
type Registry struct {
	endpoints map[string][]*Endpoint
}

// NewRegistry creates one pool per (network, server) pair. Unreachable
// servers are logged and kept: their pools reconnect on demand and the
// failures surface as retryable database errors.
func NewRegistry(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Registry, error) {
	logger = logger.With().Str("component", "db-registry").Logger()
	r := &Registry{endpoints: make(map[string][]*Endpoint, len(cfg.DBNames))}

	for _, network := range cfg.Networks() {
		database := cfg.DBNames[network]
		for _, url := range cfg.DBURLs {
			name, err := EndpointName(url, database)
			if err != nil {
				r.Close()
				return nil, model.ConfigurationError("network "+network, err)
			}

			pool, err := NewPool(ctx, url, database, cfg.DBMaxConnections)
			if err != nil {
				r.Close()
				return nil, model.ConfigurationError("network "+network, err)
			}
			r.endpoints[network] = append(r.endpoints[network], &Endpoint{Network: network, Name: name, Pool: pool})

			if err := pool.Ping(ctx); err != nil {
				logger.Warn().Err(err).Str("network", network).Str("endpoint", name).Msg("replica not reachable at startup")
			}

			if reg != nil {
				if err := metrics.RegisterPoolMetrics(reg, network, name, pool); err != nil {
					r.Close()
					return nil, fmt.Errorf("register pool metrics for %s: %w", name, err)
				}
			}
		}
		logger.Info().Str("network", network).Int("endpoints", len(r.endpoints[network])).Msg("network configured")
	}

	return r, nil
}

// NewStaticRegistry builds a registry from already constructed endpoints.
func NewStaticRegistry(endpoints ...*Endpoint) *Registry {
	r := &Registry{endpoints: make(map[string][]*Endpoint)}
	for _, e := range endpoints {
		r.endpoints[e.Network] = append(r.endpoints[e.Network], e)
	}
	return r
}

// Endpoints returns the endpoint set of network. A network without endpoints
// is a configuration error.
func (r *Registry) Endpoints(network string) ([]*Endpoint, error) {
	eps := r.endpoints[network]
	if len(eps) == 0 {
		return nil, model.ConfigurationError("resolve endpoints", fmt.Errorf("no database configured for network %q", network))
	}
	return eps, nil
}

// Networks returns the networks with at least one endpoint, sorted.
func (r *Registry) Networks() []string {
	out := make([]string, 0, len(r.endpoints))
	for n, eps := range r.endpoints {
		if len(eps) > 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Close closes every pool, waiting for acquired connections to be released.
func (r *Registry) Close() {
	for _, eps := range r.endpoints {
		for _, e := range eps {
			if e.Pool != nil {
				e.Pool.Close()
			}
		}
	}
}
