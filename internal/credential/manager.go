package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/dbsync/internal/model"
)

// validRoleRe matches role names that need no quoting in Postgres.
var validRoleRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrRoleNotFound is returned by Enable when the role does not exist.
var ErrRoleNotFound = errors.New("role not found")

// DB is the subset of a pgx pool used by Manager.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Options shape the privileges granted to provisioned roles.
type Options struct {
	Schema    string
	AdminRole string
	// StatementTimeoutMS is applied as the role's statement_timeout when > 0.
	StatementTimeoutMS int
}

// Manager manages read-only login roles on a single database endpoint.
// Every operation is idempotent and runs in its own transaction.
type Manager struct {
	db   DB
	opts Options
}

func NewManager(db DB, opts Options) *Manager {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "postgres"
	}
	return &Manager{db: db, opts: opts}
}

// Exists reports whether the role exists.
func (m *Manager) Exists(ctx context.Context, username string) (bool, error) {
	if err := checkRole(username); err != nil {
		return false, err
	}
	ok, err := roleExists(ctx, m.db, username)
	if err != nil {
		return false, model.DatabaseError("check role "+username, err)
	}
	return ok, nil
}

// Create creates a login role with read-only access to the schema. An
// existing role is re-enabled with the given password and its grants are
// reapplied, so repeated calls converge on the same state.
func (m *Manager) Create(ctx context.Context, username, password string) error {
	if err := checkRole(username); err != nil {
		return err
	}
	role := quoteIdent(username)
	schema := quoteIdent(m.opts.Schema)

	err := pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, username)
		if err != nil {
			return err
		}

		stmts := make([]string, 0, 4)
		if exists {
			stmts = append(stmts, fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", role, quoteLiteral(password)))
		} else {
			stmts = append(stmts, fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", role, quoteLiteral(password)))
		}
		stmts = append(stmts,
			fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", schema, role),
			fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA %s TO %s", schema, role),
		)
		if m.opts.StatementTimeoutMS > 0 {
			stmts = append(stmts, fmt.Sprintf("ALTER ROLE %s SET statement_timeout = %d", role, m.opts.StatementTimeoutMS))
		}
		return execAll(ctx, tx, stmts)
	})
	if err != nil {
		return model.DatabaseError("create role "+username, err)
	}
	return nil
}

// Enable restores login on an existing role and sets a new password.
func (m *Manager) Enable(ctx context.Context, username, password string) error {
	if err := checkRole(username); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, username)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRoleNotFound
		}
		return execAll(ctx, tx, []string{
			fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", quoteIdent(username), quoteLiteral(password)),
		})
	})
	if err != nil {
		return model.DatabaseError("enable role "+username, err)
	}
	return nil
}

// Drop hands objects owned by the role to the admin role, drops what is left
// and removes the role. Dropping an absent role is a no-op.
func (m *Manager) Drop(ctx context.Context, username string) error {
	if err := checkRole(username); err != nil {
		return err
	}
	role := quoteIdent(username)

	err := pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, username)
		if err != nil || !exists {
			return err
		}
		return execAll(ctx, tx, []string{
			fmt.Sprintf("REASSIGN OWNED BY %s TO %s", role, quoteIdent(m.opts.AdminRole)),
			fmt.Sprintf("DROP OWNED BY %s", role),
			fmt.Sprintf("DROP ROLE %s", role),
		})
	})
	if err != nil {
		return model.DatabaseError("drop role "+username, err)
	}
	return nil
}

// Disable revokes login but keeps the role and its grants.
func (m *Manager) Disable(ctx context.Context, username string) error {
	if err := checkRole(username); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		exists, err := roleExists(ctx, tx, username)
		if err != nil || !exists {
			return err
		}
		return execAll(ctx, tx, []string{
			fmt.Sprintf("ALTER ROLE %s WITH NOLOGIN", quoteIdent(username)),
		})
	})
	if err != nil {
		return model.DatabaseError("disable role "+username, err)
	}
	return nil
}

func roleExists(ctx context.Context, q queryRower, username string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query pg_roles: %w", err)
	}
	return exists, nil
}

func execAll(ctx context.Context, tx execer, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			// Keep passwords out of error messages.
			verb, _, _ := strings.Cut(stmt, " WITH ")
			return fmt.Errorf("%s: %w", verb, err)
		}
	}
	return nil
}

func checkRole(username string) error {
	if !validRoleRe.MatchString(username) {
		return model.EncodingError("check role", fmt.Errorf("invalid role name %q", username))
	}
	return nil
}

func quoteIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
