package credential

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeServer is an in-memory stand-in for one Postgres endpoint. Statements
// are applied to its role set only when their transaction commits.
type fakeServer struct {
	mu        sync.Mutex
	roles     map[string]bool
	committed [][]string
	failOn    string
	beginErr  error
	begins    int
	rollbacks int
}

func newFakeServer(roles ...string) *fakeServer {
	s := &fakeServer{roles: make(map[string]bool)}
	for _, r := range roles {
		s.roles[r] = true
	}
	return s
}

func (s *fakeServer) hasRole(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[name]
}

func (s *fakeServer) Begin(_ context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &fakeTx{s: s}, nil
}

func (s *fakeServer) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	return s.existsRow(args)
}

func (s *fakeServer) existsRow(args []any) pgx.Row {
	return &fakeRow{scan: func(dest ...any) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		*dest[0].(*bool) = s.roles[args[0].(string)]
		return nil
	}}
}

func (s *fakeServer) lastTx() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.committed) == 0 {
		return nil
	}
	return s.committed[len(s.committed)-1]
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeTx implements the parts of pgx.Tx used by Manager.
type fakeTx struct {
	pgx.Tx
	s     *fakeServer
	stmts []string
	done  bool
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	return t.s.existsRow(args)
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if t.s.failOn != "" && strings.Contains(sql, t.s.failOn) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	t.stmts = append(t.stmts, sql)
	return pgconn.NewCommandTag("OK"), nil
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, stmt := range t.stmts {
		switch {
		case strings.HasPrefix(stmt, "CREATE ROLE "):
			t.s.roles[quoted(stmt)] = true
		case strings.HasPrefix(stmt, "DROP ROLE "):
			delete(t.s.roles, quoted(stmt))
		}
	}
	t.s.committed = append(t.s.committed, t.stmts)
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.rollbacks++
	return nil
}

// quoted returns the first double-quoted identifier in stmt.
func quoted(stmt string) string {
	_, rest, _ := strings.Cut(stmt, `"`)
	name, _, _ := strings.Cut(rest, `"`)
	return name
}
