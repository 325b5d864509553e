package credential

import (
	"context"
	"fmt"

	"github.com/edvin/dbsync/internal/db"
	"github.com/edvin/dbsync/internal/model"
)

// Store is the credential surface of one database endpoint.
type Store interface {
	Exists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, username, password string) error
	Enable(ctx context.Context, username, password string) error
	Drop(ctx context.Context, username string) error
	Disable(ctx context.Context, username string) error
}

// Target is a Store bound to the endpoint it manages.
type Target struct {
	Endpoint string
	Store    Store
}

// Resolver maps networks to their endpoint sets.
type Resolver interface {
	Endpoints(network string) ([]*db.Endpoint, error)
}

// Router hands out the credential stores of a network's endpoints.
type Router struct {
	resolver Resolver
	opts     Options
	static   map[string][]Target
}

// NewRouter returns a router creating a Manager per endpoint of resolver.
func NewRouter(resolver Resolver, opts Options) *Router {
	return &Router{resolver: resolver, opts: opts}
}

// NewStaticRouter returns a router over fixed targets.
func NewStaticRouter(targets map[string][]Target) *Router {
	return &Router{static: targets}
}

// Targets returns one Target per endpoint of network.
func (r *Router) Targets(network string) ([]Target, error) {
	if r.static != nil {
		if ts := r.static[network]; len(ts) > 0 {
			return ts, nil
		}
		return nil, noEndpoints(network)
	}

	eps, err := r.resolver.Endpoints(network)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(eps))
	for _, e := range eps {
		out = append(out, Target{Endpoint: e.Name, Store: NewManager(e.Pool, r.opts)})
	}
	return out, nil
}

func noEndpoints(network string) error {
	return model.ConfigurationError("resolve endpoints", fmt.Errorf("no database configured for network %q", network))
}
