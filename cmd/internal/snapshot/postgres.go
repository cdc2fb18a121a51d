package snapshot

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersister keeps the blob in one row of <schema>.snapshot_blobs.
//
// It does not own the pool; Close is a no-op.
type PostgresPersister struct {
	pool   *pgxpool.Pool
	schema string
	key    string
}

// PostgresOption configures PostgresPersister.
type PostgresOption func(*PostgresPersister) error

// WithSchema sets the schema (default "chatsync"). The name is validated and
// quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(p *PostgresPersister) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("snapshot: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("snapshot: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// WithKey selects the row holding the blob (default "default"), so several
// daemons can share one table.
func WithKey(key string) PostgresOption {
	return func(p *PostgresPersister) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("snapshot: empty key")
		}
		p.key = key
		return nil
	}
}

// NewPostgresPersister constructs a PostgresPersister.
func NewPostgresPersister(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresPersister, error) {
	p := &PostgresPersister{pool: pool, schema: "chatsync", key: "default"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("snapshot: nil pool")
	}
	return p, nil
}

// Close is a no-op because the pool is owned by the caller.
func (p *PostgresPersister) Close() error { return nil }

// EnsureSchema creates the schema and table when missing.
func (p *PostgresPersister) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table()+` (
  key        TEXT PRIMARY KEY,
  payload    BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

// Load implements Persister.
func (p *PostgresPersister) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM `+p.table()+` WHERE key = $1`,
		p.key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Save implements Persister.
func (p *PostgresPersister) Save(ctx context.Context, blob []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table()+` (key, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		p.key, blob,
	)
	return err
}

// Clear implements Persister.
func (p *PostgresPersister) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table()+` WHERE key = $1`, p.key)
	return err
}

func (p *PostgresPersister) table() string {
	return pgIdent(p.schema, "snapshot_blobs")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
