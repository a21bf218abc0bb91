package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

type fakeRow struct {
	vals []string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(*string)) = r.vals[i]
	}
	return nil
}

// fakeDB emulates the panel_credentials table in memory.
type fakeDB struct {
	rows    map[string]model.CredentialPair
	stmts   []string
	pingErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[string]model.CredentialPair{}}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, strings.TrimSpace(sql))
	switch {
	case strings.Contains(sql, "INSERT INTO panel_credentials"):
		f.rows[args[0].(string)] = model.CredentialPair{AccessToken: args[1].(string), RefreshToken: args[2].(string)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM panel_credentials"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	pair, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: []string{pair.AccessToken, pair.RefreshToken}}
}

func (f *fakeDB) Ping(context.Context) error { return f.pingErr }

func TestPostgresBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	b := NewPostgresBackend(db, "")

	require.NoError(t, b.EnsureSchema(ctx))
	assert.Contains(t, db.stmts[0], "CREATE TABLE IF NOT EXISTS panel_credentials")

	_, err := b.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Save(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, b.Save(ctx, model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}))

	pair, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}, pair)
	assert.Contains(t, db.rows, "default")

	require.NoError(t, b.Delete(ctx))
	_, err = b.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresBackend_SlotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()

	require.NoError(t, NewPostgresBackend(db, "alice").Save(ctx, model.CredentialPair{AccessToken: "a", RefreshToken: "r"}))

	_, err := NewPostgresBackend(db, "bob").Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresBackend_HealthCheck(t *testing.T) {
	db := newFakeDB()
	b := NewPostgresBackend(db, "default")
	require.NoError(t, b.HealthCheck(context.Background()))

	db.pingErr = errors.New("connection refused")
	assert.Error(t, b.HealthCheck(context.Background()))
}
