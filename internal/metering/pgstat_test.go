package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/dbsync/internal/db"
	"github.com/edvin/dbsync/internal/model"
)

type mockQuerier struct {
	mock.Mock
}

func (m *mockQuerier) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

// mockRows yields one row per scan function.
type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	err       error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	fn := m.scanFuncs[m.callIndex]
	m.callIndex++
	return fn(dest...)
}

func (m *mockRows) Err() error                                   { return m.err }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

func row(username string, totalMS float64) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = username
		*dest[1].(*float64) = totalMS
		return nil
	}
}

func TestPgStatSource_Read(t *testing.T) {
	q := new(mockQuerier)
	usernames := []string{"dmtr_dbsync1alice", "dmtr_dbsync1bob"}
	q.On("Query", mock.Anything, execTimeQuery, []any{usernames}).
		Return(newMockRows(row("dmtr_dbsync1alice", 1234.5), row("dmtr_dbsync1bob", 0)), nil)

	s := &PgStatSource{targets: map[string][]pgTarget{"preprod": {{endpoint: "db-a", db: q}}}}

	got, err := s.Read(context.Background(), "preprod", "db-a", usernames, Window{})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"dmtr_dbsync1alice": 1234.5, "dmtr_dbsync1bob": 0}, got)
	q.AssertExpectations(t)
}

func TestPgStatSource_Errors(t *testing.T) {
	q := new(mockQuerier)
	q.On("Query", mock.Anything, execTimeQuery, mock.Anything).Return(nil, errors.New("too many connections")).Once()
	q.On("Query", mock.Anything, execTimeQuery, mock.Anything).Return(&mockRows{err: errors.New("conn closed")}, nil).Once()

	s := &PgStatSource{targets: map[string][]pgTarget{"preprod": {{endpoint: "db-a", db: q}}}}

	_, err := s.Read(context.Background(), "preprod", "db-a", []string{"u"}, Window{})
	require.Error(t, err)
	assert.Equal(t, model.KindDatabase, model.KindOf(err))

	_, err = s.Read(context.Background(), "preprod", "db-a", []string{"u"}, Window{})
	require.Error(t, err)
	assert.Equal(t, model.KindDatabase, model.KindOf(err))

	_, err = s.Read(context.Background(), "preprod", "db-z", []string{"u"}, Window{})
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestPgStatSource_UnitsFromRegistry(t *testing.T) {
	reg := db.NewStaticRegistry(
		&db.Endpoint{Network: "preprod", Name: "a:5432/dbsync-preprod"},
		&db.Endpoint{Network: "preprod", Name: "b:5432/dbsync-preprod"},
	)
	s := NewPgStatSource(reg)

	units, err := s.Units("preprod")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:5432/dbsync-preprod", "b:5432/dbsync-preprod"}, units)

	_, err = s.Units("mainnet")
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}
