package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// connPragmas are applied to every pooled connection at creation.
// cache_size is in KiB when negative (-65536 = 64 MB page cache).
var connPragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -65536",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA optimize",
}

// Conn is a pooled SQLite connection.
type Conn struct {
	conn *sql.Conn
}

// ExecContext runs a statement on the pooled connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pooled connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pooled connection.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// Pool is a fixed-size FIFO pool of configured SQLite connections.
// Broken connections detected on release are replaced, preserving size.
type Pool struct {
	db      *sql.DB
	conns   chan *Conn
	size    int
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool opens size connections from db, applying the standard pragmas to
// each. Acquisition blocks up to timeout.
func NewPool(ctx context.Context, db *sql.DB, size int, timeout time.Duration, log zerolog.Logger) (*Pool, error) {
	p := &Pool{
		db:      db,
		conns:   make(chan *Conn, size),
		size:    size,
		timeout: timeout,
		log:     log,
	}
	for i := 0; i < size; i++ {
		c, err := p.newConn(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.conns <- c
	}
	log.Debug().Int("size", size).Msg("connection pool ready")
	return p, nil
}

func (p *Pool) newConn(ctx context.Context) (*Conn, error) {
	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDatabase, err, "open connection")
	}
	for _, pragma := range connPragmas {
		if _, err := raw.ExecContext(ctx, pragma); err != nil {
			raw.Close()
			return nil, errdefs.Wrap(errdefs.KindDatabase, err, "apply %q", pragma)
		}
	}
	return &Conn{conn: raw}, nil
}

// Acquire takes a connection from the pool, blocking up to the pool timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errdefs.New(errdefs.KindDatabase, "pool is closed")
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case c := <-p.conns:
		return c, nil
	case <-timer.C:
		return nil, errdefs.New(errdefs.KindDatabase, "pool acquisition timed out after %s", p.timeout)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.KindDatabase, ctx.Err(), "acquire connection")
	}
}

// Release probes the connection and returns it to the pool. A connection
// failing the probe is discarded and replaced so the pool keeps its size.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		c.conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var one int
	if err := c.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		p.log.Warn().Err(err).Msg("discarding broken connection")
		c.conn.Close()
		replacement, rerr := p.newConn(ctx)
		if rerr != nil {
			p.log.Error().Err(rerr).Msg("failed to replace broken connection")
			return
		}
		c = replacement
	}
	p.conns <- c
}

// WithConn runs fn with a pooled connection, returning it afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// WithTx runs fn inside a transaction: commit on nil, rollback on error.
// The connection is always returned to the pool.
func (p *Pool) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDatabase, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(errdefs.KindDatabase, err, "commit transaction")
	}
	return nil
}

// Available reports how many connections are idle in the pool.
func (p *Pool) Available() int { return len(p.conns) }

// Size returns the configured pool size.
func (p *Pool) Size() int { return p.size }

// Close drains and closes all pooled connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case c := <-p.conns:
			c.conn.Close()
		default:
			return
		}
	}
}
