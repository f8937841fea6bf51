// Package database is the durable store for recordings and batches: a
// fixed-size pool of WAL-mode SQLite connections, versioned migrations,
// and the CRUD surface the processing queue persists through.
package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

type DB struct {
	Pool *Pool
	sqlv *sql.DB
	log  zerolog.Logger
}

// Open creates (if needed) and opens the SQLite database at path, runs
// pending migrations, and builds the connection pool.
func Open(ctx context.Context, path string, poolSize int, timeout time.Duration, log zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDatabase, err, "create database directory %s", dir)
	}

	sqlv, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDatabase, err, "open database at %s", path)
	}
	// The pool below hands out pinned connections; cap the driver to match.
	sqlv.SetMaxOpenConns(poolSize)
	sqlv.SetMaxIdleConns(poolSize)
	sqlv.SetConnMaxLifetime(0)

	pool, err := NewPool(ctx, sqlv, poolSize, timeout, log)
	if err != nil {
		sqlv.Close()
		return nil, err
	}

	db := &DB{Pool: pool, sqlv: sqlv, log: log}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Int("pool_size", poolSize).Msg("database ready")
	return db, nil
}

// HealthCheck verifies a connection can be acquired and used.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.WithConn(ctx, func(c *Conn) error {
		var one int
		return c.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
	db.sqlv.Close()
}
