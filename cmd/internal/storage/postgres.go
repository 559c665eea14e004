package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Postgres is a Store backed by a single table:
//
//	<schema>.client_kv(key text primary key, value text, expires_at timestamptz null)
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	owned  bool
}

// NewPostgres wraps an existing pool. The caller keeps ownership of pool.
func NewPostgres(pool *pgxpool.Pool, schema string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("storage: nil pgx pool")
	}
	if schema == "" {
		schema = "goldvision"
	}
	if !identRe.MatchString(schema) {
		return nil, fmt.Errorf("storage: invalid schema name %q", schema)
	}
	return &Postgres{pool: pool, schema: schema}, nil
}

// OpenPostgres builds a pool from dsn, validates connectivity and ensures the schema.
func OpenPostgres(ctx context.Context, dsn, schema string) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse database url: %w", err)
	}
	pcfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", ErrUnavailable, err)
	}

	s, err := NewPostgres(pool, schema)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;
		CREATE TABLE IF NOT EXISTS %[1]s.client_kv (
			key        text PRIMARY KEY,
			value      text NOT NULL,
			expires_at timestamptz NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
	`, s.schema))
	if err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT value
		FROM %s.client_kv
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > now())
	`, s.schema), key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.wrap(err)
	}
	return v, nil
}

func (s *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var exp *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		exp = &t
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.client_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()
	`, s.schema), key, value, exp)
	if err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.client_kv WHERE key = $1`, s.schema), key)
	if err != nil {
		return s.wrap(err)
	}
	return nil
}

// Close closes the pool when the store opened it.
func (s *Postgres) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
