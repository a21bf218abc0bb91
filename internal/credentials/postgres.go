package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

// DB is the subset of *pgxpool.Pool used by PostgresBackend.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const (
	schemaSQL = `
		CREATE TABLE IF NOT EXISTS panel_credentials (
			slot          TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	loadSQL = `SELECT access_token, refresh_token FROM panel_credentials WHERE slot = $1;`
	saveSQL = `
		INSERT INTO panel_credentials (slot, access_token, refresh_token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (slot)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			updated_at = EXCLUDED.updated_at;
	`
	deleteSQL = `DELETE FROM panel_credentials WHERE slot = $1;`
)

// PostgresBackend keeps the pair in one row keyed by slot; the upsert replaces
// both columns in a single statement.
type PostgresBackend struct {
	db   DB
	slot string
}

func NewPostgresBackend(db DB, slot string) *PostgresBackend {
	if slot == "" {
		slot = "default"
	}
	return &PostgresBackend{db: db, slot: slot}
}

// EnsureSchema creates the credentials table if it does not exist.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create panel_credentials: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context) (model.CredentialPair, error) {
	var pair model.CredentialPair
	err := p.db.QueryRow(ctx, loadSQL, p.slot).Scan(&pair.AccessToken, &pair.RefreshToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CredentialPair{}, ErrNotFound
	}
	if err != nil {
		return model.CredentialPair{}, err
	}
	return pair, nil
}

func (p *PostgresBackend) Save(ctx context.Context, pair model.CredentialPair) error {
	_, err := p.db.Exec(ctx, saveSQL, p.slot, pair.AccessToken, pair.RefreshToken)
	return err
}

func (p *PostgresBackend) Delete(ctx context.Context) error {
	_, err := p.db.Exec(ctx, deleteSQL, p.slot)
	return err
}

func (p *PostgresBackend) HealthCheck(ctx context.Context) error {
	if p.db == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return p.db.Ping(ctx)
}
