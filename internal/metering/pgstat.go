package metering

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/dbsync/internal/db"
	"github.com/edvin/dbsync/internal/model"
)

// execTimeQuery sums statement execution time per user. Users without
// recorded statements report zero so their first sample is a baseline.
const execTimeQuery = `SELECT u.usename, COALESCE(SUM(s.total_exec_time), 0)::float8
FROM pg_catalog.pg_user u
LEFT JOIN pg_stat_statements s ON s.userid = u.usesysid
WHERE u.usename = ANY($1)
GROUP BY u.usename`

// Querier is the read side of a pgx pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgTarget struct {
	endpoint string
	db       Querier
}

// PgStatSource reads pg_stat_statements on every replica of a network.
type PgStatSource struct {
	targets map[string][]pgTarget
}

func NewPgStatSource(reg *db.Registry) *PgStatSource {
	s := &PgStatSource{targets: make(map[string][]pgTarget)}
	for _, network := range reg.Networks() {
		eps, _ := reg.Endpoints(network)
		for _, e := range eps {
			s.targets[network] = append(s.targets[network], pgTarget{endpoint: e.Name, db: e.Pool})
		}
	}
	return s
}

func (s *PgStatSource) Units(network string) ([]string, error) {
	ts := s.targets[network]
	if len(ts) == 0 {
		return nil, model.ConfigurationError("resolve endpoints", fmt.Errorf("no database configured for network %q", network))
	}
	units := make([]string, 0, len(ts))
	for _, t := range ts {
		units = append(units, t.endpoint)
	}
	return units, nil
}

func (s *PgStatSource) Read(ctx context.Context, network, unit string, usernames []string, _ Window) (map[string]float64, error) {
	var q Querier
	for _, t := range s.targets[network] {
		if t.endpoint == unit {
			q = t.db
		}
	}
	if q == nil {
		return nil, model.ConfigurationError("read "+unit, fmt.Errorf("unknown endpoint for network %q", network))
	}

	rows, err := q.Query(ctx, execTimeQuery, usernames)
	if err != nil {
		return nil, model.DatabaseError("query pg_stat_statements on "+unit, err)
	}
	defer rows.Close()

	out := make(map[string]float64, len(usernames))
	for rows.Next() {
		var (
			username string
			totalMS  float64
		)
		if err := rows.Scan(&username, &totalMS); err != nil {
			return nil, model.DatabaseError("scan pg_stat_statements on "+unit, err)
		}
		out[username] = totalMS
	}
	if err := rows.Err(); err != nil {
		return nil, model.DatabaseError("read pg_stat_statements on "+unit, err)
	}
	return out, nil
}
