package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// Status is a recording's processing state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Recording is one captured consultation and its generated artifacts.
type Recording struct {
	ID                    int64
	Filename              string
	PatientName           string
	AudioPath             string
	Transcript            string
	SOAPNote              string
	Referral              string
	Letter                string
	Metadata              string
	ProcessingStatus      Status
	ErrorMessage          string
	RetryCount            int
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const recordingColumns = `id, filename, patient_name,
	COALESCE(audio_path, ''), COALESCE(transcript, ''), COALESCE(soap_note, ''),
	COALESCE(referral, ''), COALESCE(letter, ''), COALESCE(metadata, ''),
	processing_status, COALESCE(error_message, ''), retry_count,
	processing_started_at, processing_completed_at, created_at, updated_at`

func scanRecording(row *sql.Row) (*Recording, error) {
	var r Recording
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Filename, &r.PatientName,
		&r.AudioPath, &r.Transcript, &r.SOAPNote,
		&r.Referral, &r.Letter, &r.Metadata,
		&r.ProcessingStatus, &r.ErrorMessage, &r.RetryCount,
		&startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		r.ProcessingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.ProcessingCompletedAt = &completedAt.Time
	}
	return &r, nil
}

// InsertRecording stores a new recording row and returns its id.
func (db *DB) InsertRecording(ctx context.Context, r *Recording) (int64, error) {
	if r.ProcessingStatus == "" {
		r.ProcessingStatus = StatusPending
	}
	var id int64
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		res, err := c.ExecContext(ctx, `INSERT INTO recordings
	(filename, patient_name, audio_path, transcript, soap_note, referral, letter, metadata, processing_status, retry_count)
	VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
			r.Filename, r.PatientName, r.AudioPath, r.Transcript, r.SOAPNote,
			r.Referral, r.Letter, r.Metadata, r.ProcessingStatus, r.RetryCount)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindDatabase, err, "insert recording")
	}
	r.ID = id
	return id, nil
}

// EnsureRecording creates a pending recording row with an explicit id when
// none exists yet. Submissions reference recordings by id, so first contact
// with an unknown id seeds the row the executor will update.
func (db *DB) EnsureRecording(ctx context.Context, id int64, filename, patientName string) error {
	return db.execRecording(ctx, "ensure recording",
		`INSERT INTO recordings (id, filename, patient_name, processing_status, retry_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, filename, patientName, StatusPending)
}

// GetRecording loads a recording by id. Returns (nil, nil) when absent.
func (db *DB) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	var rec *Recording
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		row := c.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
		var err error
		rec, err = scanRecording(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDatabase, err, "get recording %d", id)
	}
	return rec, nil
}

func (db *DB) execRecording(ctx context.Context, op, query string, args ...any) error {
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.ExecContext(ctx, query, args...)
		return err
	})
	return errdefs.Wrap(errdefs.KindDatabase, err, "%s", op)
}

// MarkProcessing transitions a recording to processing and stamps the start.
func (db *DB) MarkProcessing(ctx context.Context, id int64, startedAt time.Time) error {
	return db.execRecording(ctx, "mark processing",
		`UPDATE recordings SET processing_status = ?, processing_started_at = ?, error_message = NULL,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusProcessing, startedAt.UTC(), id)
}

// MarkCompleted transitions a recording to completed.
func (db *DB) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error {
	return db.execRecording(ctx, "mark completed",
		`UPDATE recordings SET processing_status = ?, processing_completed_at = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusCompleted, completedAt.UTC(), id)
}

// MarkFailed transitions a recording to failed with a terminal error message.
func (db *DB) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return db.execRecording(ctx, "mark failed",
		`UPDATE recordings SET processing_status = ?, error_message = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusFailed, errMsg, id)
}

// MarkCancelled transitions a recording to cancelled, preserving any
// artifacts already persisted.
func (db *DB) MarkCancelled(ctx context.Context, id int64) error {
	return db.execRecording(ctx, "mark cancelled",
		`UPDATE recordings SET processing_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusCancelled, id)
}

// UpdateTranscript persists the transcript for a recording.
func (db *DB) UpdateTranscript(ctx context.Context, id int64, transcript string) error {
	return db.execRecording(ctx, "update transcript",
		`UPDATE recordings SET transcript = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, transcript, id)
}

// UpdateSOAPNote persists the SOAP note for a recording.
func (db *DB) UpdateSOAPNote(ctx context.Context, id int64, note string) error {
	return db.execRecording(ctx, "update soap note",
		`UPDATE recordings SET soap_note = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, note, id)
}

// UpdateReferral persists the referral for a recording.
func (db *DB) UpdateReferral(ctx context.Context, id int64, referral string) error {
	return db.execRecording(ctx, "update referral",
		`UPDATE recordings SET referral = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, referral, id)
}

// UpdateLetter persists the letter for a recording.
func (db *DB) UpdateLetter(ctx context.Context, id int64, letter string) error {
	return db.execRecording(ctx, "update letter",
		`UPDATE recordings SET letter = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, letter, id)
}

// SetAudioPath records where the audio blob was written.
func (db *DB) SetAudioPath(ctx context.Context, id int64, path string) error {
	return db.execRecording(ctx, "set audio path",
		`UPDATE recordings SET audio_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, path, id)
}

// SetRetryCount records how many times processing has been retried.
func (db *DB) SetRetryCount(ctx context.Context, id int64, n int) error {
	return db.execRecording(ctx, "set retry count",
		`UPDATE recordings SET retry_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, n, id)
}

// ResetForReprocess clears the failure state of a recording so it can be
// submitted again: error message, retry count, and processing timestamps.
func (db *DB) ResetForReprocess(ctx context.Context, id int64) error {
	return db.execRecording(ctx, "reset for reprocess",
		`UPDATE recordings SET processing_status = ?, error_message = NULL, retry_count = 0,
			processing_started_at = NULL, processing_completed_at = NULL,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusPending, id)
}
