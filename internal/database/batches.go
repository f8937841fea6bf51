package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// Batch is the persisted accounting row for a group of related tasks.
type Batch struct {
	BatchID        string
	TotalCount     int
	CompletedCount int
	FailedCount    int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Options        string
	Status         string
}

// InsertBatch stores a new batch row.
func (db *DB) InsertBatch(ctx context.Context, b *Batch) error {
	if b.Status == "" {
		b.Status = "processing"
	}
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.ExecContext(ctx, `INSERT INTO batch_processing
	(batch_id, total_count, completed_count, failed_count, started_at, options, status)
	VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
			b.BatchID, b.TotalCount, b.CompletedCount, b.FailedCount,
			time.Now().UTC(), b.Options, b.Status)
		return err
	})
	return errdefs.Wrap(errdefs.KindDatabase, err, "insert batch %s", b.BatchID)
}

// GetBatch loads a batch by id. Returns (nil, nil) when absent.
func (db *DB) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		row := c.QueryRowContext(ctx, `SELECT batch_id, total_count, completed_count, failed_count,
			created_at, started_at, completed_at, COALESCE(options, ''), status
			FROM batch_processing WHERE batch_id = ?`, batchID)
		var startedAt, completedAt sql.NullTime
		if err := row.Scan(&b.BatchID, &b.TotalCount, &b.CompletedCount, &b.FailedCount,
			&b.CreatedAt, &startedAt, &completedAt, &b.Options, &b.Status); err != nil {
			return err
		}
		if startedAt.Valid {
			b.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			b.CompletedAt = &completedAt.Time
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDatabase, err, "get batch %s", batchID)
	}
	return &b, nil
}

// UpdateBatchCounts sets the total/completed/failed counters for a batch.
func (db *DB) UpdateBatchCounts(ctx context.Context, batchID string, total, completed, failed int) error {
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.ExecContext(ctx, `UPDATE batch_processing
			SET total_count = ?, completed_count = ?, failed_count = ? WHERE batch_id = ?`,
			total, completed, failed, batchID)
		return err
	})
	return errdefs.Wrap(errdefs.KindDatabase, err, "update batch counts %s", batchID)
}

// CompleteBatch records the completion time and marks the row completed.
func (db *DB) CompleteBatch(ctx context.Context, batchID string, completedAt time.Time) error {
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.ExecContext(ctx, `UPDATE batch_processing
			SET status = 'completed', completed_at = ? WHERE batch_id = ?`,
			completedAt.UTC(), batchID)
		return err
	})
	return errdefs.Wrap(errdefs.KindDatabase, err, "complete batch %s", batchID)
}
