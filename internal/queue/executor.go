package queue

import (
	"context"
	"errors"
	"time"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// errCancelled aborts the pipeline when cooperative cancellation is seen
// between steps.
var errCancelled = errors.New("task cancelled")

func isCancelled(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, context.Canceled)
}

// execute runs the per-task pipeline: persist audio, transcribe, then
// generate the requested artifacts in order, persisting each one as soon as
// it exists. Cancellation is checked before every step; artifacts already
// written stay in the database when a later step is cancelled or fails.
func (q *ProcessingQueue) execute(t *Task) error {
	ctx := t.ctx
	// Persistence survives mid-pipeline cancellation so partial results
	// are kept.
	dbCtx := context.WithoutCancel(ctx)

	if err := q.db.MarkProcessing(dbCtx, t.RecordingID, time.Now()); err != nil {
		return err
	}

	provider := ""
	if len(t.AudioData) > 0 && t.Transcript == "" {
		if t.Cancelled() {
			return errCancelled
		}
		path, err := q.store.SaveRecording(ctx, t.PatientName, t.AudioData)
		if err != nil {
			return errdefs.Wrap(errdefs.KindUnknown, err, "persist audio")
		}
		if err := q.db.SetAudioPath(dbCtx, t.RecordingID, path); err != nil {
			return err
		}

		res := q.stt.Transcribe(ctx, t.AudioData)
		if !res.Success {
			return res.Err
		}
		t.Transcript = res.Text
		provider = res.Metadata["provider"]
		if err := q.db.UpdateTranscript(dbCtx, t.RecordingID, t.Transcript); err != nil {
			return err
		}
	}

	var soapNote, referral, letter string

	if t.Options.GenerateSOAP && t.Transcript != "" {
		if t.Cancelled() {
			return errCancelled
		}
		note, err := q.generateSOAP(ctx, t)
		if err != nil {
			return err
		}
		soapNote = note
		if err := q.db.UpdateSOAPNote(dbCtx, t.RecordingID, soapNote); err != nil {
			return err
		}
	}

	if t.Options.GenerateReferral && soapNote != "" {
		if t.Cancelled() {
			return errCancelled
		}
		ref, err := q.gen.Referral(ctx, soapNote, "")
		if err != nil {
			return err
		}
		referral = ref
		if err := q.db.UpdateReferral(dbCtx, t.RecordingID, referral); err != nil {
			return err
		}
	}

	if t.Options.GenerateLetter {
		if t.Cancelled() {
			return errCancelled
		}
		// SOAP is the preferred letter source, transcript the fallback.
		source := soapNote
		if source == "" {
			source = t.Transcript
		}
		if source != "" {
			if q.gen == nil {
				return errdefs.New(errdefs.KindConfiguration, "no document generator configured")
			}
			l, err := q.gen.Letter(ctx, source, "patient", "")
			if err != nil {
				return err
			}
			letter = l
			if err := q.db.UpdateLetter(dbCtx, t.RecordingID, letter); err != nil {
				return err
			}
		}
	}

	if t.Cancelled() {
		return errCancelled
	}

	t.Result = &Result{
		Transcript: t.Transcript,
		SOAPNote:   soapNote,
		Referral:   referral,
		Letter:     letter,
		Provider:   provider,
	}
	return nil
}

func (q *ProcessingQueue) generateSOAP(ctx context.Context, t *Task) (string, error) {
	if q.gen == nil {
		return "", errdefs.New(errdefs.KindConfiguration, "no document generator configured")
	}
	return q.gen.SOAP(ctx, t.Transcript, t.Context)
}
