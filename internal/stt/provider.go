// Package stt contains the speech-to-text provider abstraction: a common
// contract, concrete clients for Deepgram, Groq, ElevenLabs, and a local
// Whisper server, and a failover manager that routes between them based on
// per-provider health.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

// Word is a timestamped word from any STT provider. Speaker is the
// diarization speaker id, or -1 when the provider does not diarize.
type Word struct {
	Word    string  `json:"word"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker int     `json:"speaker"`
}

// Result is the common transcription outcome from any provider.
type Result struct {
	Text       string            `json:"text"`
	Success    bool              `json:"success"`
	Err        error             `json:"-"`
	Confidence float64           `json:"confidence,omitempty"`
	Duration   float64           `json:"duration_seconds,omitempty"`
	Words      []Word            `json:"words,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func failure(err error) *Result {
	return &Result{Success: false, Err: err, Metadata: map[string]string{}}
}

// Provider is the contract every speech-to-text backend implements.
type Provider interface {
	// Name is the unique lowercase provider id.
	Name() string
	// Configured reports whether the provider can accept calls.
	Configured() bool
	SupportsDiarization() bool
	RequiresAPIKey() bool
	// TestConnection probes the provider; it never returns an error.
	TestConnection(ctx context.Context) bool
	// Transcribe returns the transcript text, empty on soft failure. It
	// only returns an error for unrecoverable conditions (bad credentials).
	Transcribe(ctx context.Context, audio []byte) (string, error)
	// TranscribeResult returns the full outcome; never nil.
	TranscribeResult(ctx context.Context, audio []byte) *Result
}

// ClientOptions is shared plumbing for the HTTP-backed providers.
type ClientOptions struct {
	Timeout  time.Duration
	Breakers *resilience.BreakerRegistry
	Limiter  *resilience.Limiter
	Retry    resilience.RetryPolicy
	Log      zerolog.Logger

	// UseTempFile routes uploads through a temp file instead of an
	// in-memory buffer, for providers that truncate large buffer uploads.
	UseTempFile bool
}

// callOpts builds the resilience stack for one provider call.
func (c *ClientOptions) callOpts(name string) resilience.CallOptions {
	opts := resilience.CallOptions{
		Name:  name,
		Retry: c.Retry,
		Log:   c.Log,
	}
	if c.Breakers != nil {
		opts.Breaker = c.Breakers.Get(name)
	}
	if c.Limiter != nil {
		opts.Limiter = c.Limiter
	}
	return opts
}

// httpTimeout scales the client timeout with the audio payload size.
func (c *ClientOptions) httpTimeout(audioBytes int) time.Duration {
	base := c.Timeout
	if base <= 0 {
		base = 60 * time.Second
	}
	kb := audioBytes / 1024
	scaled := time.Duration(float64(kb) / 500.0 * float64(60*time.Second))
	if scaled > base {
		return scaled
	}
	return base
}

// multipartUpload builds a multipart body with the audio under fieldName and
// the given extra form fields, then POSTs it. When useTempFile is set the
// audio is staged on disk and streamed, avoiding in-memory buffer truncation
// seen with some providers.
func multipartUpload(ctx context.Context, client *http.Client, url string, headers map[string]string,
	fieldName, filename string, audio []byte, fields map[string]string, useTempFile bool) ([]byte, int, http.Header, error) {

	var audioReader io.Reader = bytes.NewReader(audio)
	if useTempFile {
		tmp, err := os.CreateTemp("", "stt-upload-*.wav")
		if err == nil {
			tmpPath := tmp.Name()
			defer os.Remove(tmpPath)
			if _, werr := tmp.Write(audio); werr == nil {
				if _, serr := tmp.Seek(0, io.SeekStart); serr == nil {
					audioReader = tmp
				}
			}
			defer tmp.Close()
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audioReader); err != nil {
		return nil, 0, nil, fmt.Errorf("copy audio data: %w", err)
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, nil, errdefs.Wrap(errdefs.KindServiceUnavailable, err, "request %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

// statusError maps a non-200 provider response to a classified error,
// honoring a Retry-After header when present.
func statusError(provider string, status int, header http.Header, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	var retryAfter time.Duration
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			retryAfter = secs
		}
	}
	return errdefs.FromStatus(status, retryAfter, "%s API error (status %d): %s", provider, status, truncate(body, 300))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// probe issues a GET and reports whether the endpoint answered successfully.
func probe(ctx context.Context, client *http.Client, url string, headers map[string]string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400
}

// softText implements the Transcribe contract on top of TranscribeResult:
// text on success, empty string on soft failure, error only when the
// failure is unrecoverable.
func softText(res *Result) (string, error) {
	if res.Success {
		return res.Text, nil
	}
	switch errdefs.KindOf(res.Err) {
	case errdefs.KindAuthentication, errdefs.KindConfiguration:
		return "", res.Err
	default:
		return "", nil
	}
}
