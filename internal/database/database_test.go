package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), path, 3, 2*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n1, err := db.MigrationCount(ctx)
	if err != nil {
		t.Fatalf("MigrationCount: %v", err)
	}
	if n1 != len(migrations) {
		t.Fatalf("ledger rows = %d, want %d", n1, len(migrations))
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	n2, _ := db.MigrationCount(ctx)
	if n2 != n1 {
		t.Errorf("second migrate added ledger rows: %d -> %d", n1, n2)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.InsertRecording(ctx, &Recording{
		Filename:    "consult.mp3",
		PatientName: "Alice",
		Metadata:    `{"context":"follow-up"}`,
	})
	if err != nil {
		t.Fatalf("InsertRecording: %v", err)
	}

	rec, err := db.GetRecording(ctx, id)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if rec == nil {
		t.Fatal("GetRecording returned nil for existing row")
	}
	if rec.ProcessingStatus != StatusPending {
		t.Errorf("status = %q, want pending", rec.ProcessingStatus)
	}
	if rec.PatientName != "Alice" {
		t.Errorf("patient = %q, want Alice", rec.PatientName)
	}

	if missing, err := db.GetRecording(ctx, 9999); err != nil || missing != nil {
		t.Errorf("GetRecording(absent) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.InsertRecording(ctx, &Recording{Filename: "a.mp3"})

	started := time.Now()
	if err := db.MarkProcessing(ctx, id, started); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := db.UpdateTranscript(ctx, id, "Hello"); err != nil {
		t.Fatalf("UpdateTranscript: %v", err)
	}
	if err := db.UpdateSOAPNote(ctx, id, "S: Hello"); err != nil {
		t.Fatalf("UpdateSOAPNote: %v", err)
	}
	if err := db.MarkCompleted(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	rec, _ := db.GetRecording(ctx, id)
	if rec.ProcessingStatus != StatusCompleted {
		t.Errorf("status = %q, want completed", rec.ProcessingStatus)
	}
	if rec.ProcessingCompletedAt == nil {
		t.Error("completed recording must have processing_completed_at set")
	}
	if rec.Transcript != "Hello" || rec.SOAPNote != "S: Hello" {
		t.Errorf("artifacts = (%q, %q), want (Hello, S: Hello)", rec.Transcript, rec.SOAPNote)
	}
}

func TestMarkFailedRequiresMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.InsertRecording(ctx, &Recording{Filename: "a.mp3"})
	if err := db.MarkFailed(ctx, id, ""); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	rec, _ := db.GetRecording(ctx, id)
	if rec.ErrorMessage == "" {
		t.Error("failed recording must carry a non-empty error_message")
	}
}

func TestResetForReprocess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.InsertRecording(ctx, &Recording{Filename: "a.mp3"})
	db.MarkProcessing(ctx, id, time.Now())
	db.SetRetryCount(ctx, id, 3)
	db.MarkFailed(ctx, id, "ServiceUnavailable: boom")

	if err := db.ResetForReprocess(ctx, id); err != nil {
		t.Fatalf("ResetForReprocess: %v", err)
	}
	rec, _ := db.GetRecording(ctx, id)
	if rec.ProcessingStatus != StatusPending {
		t.Errorf("status = %q, want pending", rec.ProcessingStatus)
	}
	if rec.ErrorMessage != "" || rec.RetryCount != 0 {
		t.Errorf("error/retry not cleared: %q / %d", rec.ErrorMessage, rec.RetryCount)
	}
	if rec.ProcessingStartedAt != nil || rec.ProcessingCompletedAt != nil {
		t.Error("processing timestamps should be cleared")
	}
}

func TestBatchCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := &Batch{BatchID: "batch-1", TotalCount: 5, Options: `{"generate_soap":true}`}
	if err := db.InsertBatch(ctx, b); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if err := db.UpdateBatchCounts(ctx, "batch-1", 5, 3, 2); err != nil {
		t.Fatalf("UpdateBatchCounts: %v", err)
	}
	if err := db.CompleteBatch(ctx, "batch-1", time.Now()); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}

	got, err := db.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.CompletedCount+got.FailedCount != got.TotalCount {
		t.Errorf("counts %d+%d != total %d", got.CompletedCount, got.FailedCount, got.TotalCount)
	}
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Errorf("batch not completed: status=%q completed_at=%v", got.Status, got.CompletedAt)
	}

	if missing, err := db.GetBatch(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetBatch(absent) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestPoolInvariant(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if db.Pool.Available() != db.Pool.Size() {
		t.Fatalf("idle pool: available = %d, want %d", db.Pool.Available(), db.Pool.Size())
	}

	c, err := db.Pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if db.Pool.Available() != db.Pool.Size()-1 {
		t.Errorf("after acquire: available = %d, want %d", db.Pool.Available(), db.Pool.Size()-1)
	}
	db.Pool.Release(c)
	if db.Pool.Available() != db.Pool.Size() {
		t.Errorf("after release: available = %d, want %d", db.Pool.Available(), db.Pool.Size())
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	db, err := Open(context.Background(), path, 1, 100*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	c, err := db.Pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer db.Pool.Release(c)

	_, err = db.Pool.Acquire(ctx)
	if err == nil {
		t.Fatal("second Acquire on exhausted pool should time out")
	}
	if errdefs.KindOf(err) != errdefs.KindDatabase {
		t.Errorf("timeout error kind = %v, want KindDatabase", errdefs.KindOf(err))
	}
}

func TestTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := db.InsertRecording(ctx, &Recording{Filename: "a.mp3"})

	wantErr := errdefs.New(errdefs.KindDatabase, "forced")
	err := db.Pool.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `UPDATE recordings SET transcript = 'should not persist' WHERE id = ?`, id)
		if execErr != nil {
			return execErr
		}
		return wantErr
	})
	if err == nil {
		t.Fatal("WithTx should surface the callback error")
	}

	rec, _ := db.GetRecording(ctx, id)
	if rec.Transcript != "" {
		t.Errorf("rolled-back write persisted: transcript = %q", rec.Transcript)
	}
}
