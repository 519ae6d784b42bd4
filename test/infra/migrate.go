package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"exchangeflow/db"
)

// ApplyMigrations runs the embedded schema migrations against dsn and returns
// a pool on the migrated schema. When isolate is true the schema is created
// fresh for this run and dropped by the returned teardown.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
		conn.Close(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}

		scoped, err := withSearchPath(dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
		dsn = scoped
	}

	if err := db.MigrateUp(dsn); err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{
		MaxConns:        64,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}
	return pool, cleanup, nil
}

// withSearchPath pins every connection opened from dsn to schema.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
