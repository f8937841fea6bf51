package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

// WhisperClient calls a local OpenAI-compatible /v1/audio/transcriptions
// endpoint (speaches, faster-whisper-server, whisper.cpp server). It is the
// no-API-key fallback when every cloud provider is unavailable.
type WhisperClient struct {
	url    string
	model  string
	cfg    ClientOptions
	client *http.Client
}

// NewWhisperClient creates a local Whisper STT client.
func NewWhisperClient(endpoint, model string, cfg ClientOptions) *WhisperClient {
	return &WhisperClient{url: endpoint, model: model, cfg: cfg, client: &http.Client{}}
}

func (wc *WhisperClient) Name() string              { return "whisper" }
func (wc *WhisperClient) Configured() bool          { return wc.url != "" }
func (wc *WhisperClient) SupportsDiarization() bool { return false }
func (wc *WhisperClient) RequiresAPIKey() bool      { return false }

// TestConnection probes the server root; any HTTP answer means reachable.
func (wc *WhisperClient) TestConnection(ctx context.Context) bool {
	if !wc.Configured() {
		return false
	}
	u, err := url.Parse(wc.url)
	if err != nil {
		return false
	}
	u.Path = "/"
	u.RawQuery = ""
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (wc *WhisperClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return softText(wc.TranscribeResult(ctx, audio))
}

func (wc *WhisperClient) TranscribeResult(ctx context.Context, audio []byte) *Result {
	if !wc.Configured() {
		return failure(errdefs.New(errdefs.KindConfiguration, "whisper server URL not configured"))
	}
	wav := ensureWAV(audio)

	res, err := resilience.Call(ctx, wc.cfg.callOpts(wc.Name()), func(ctx context.Context) (*Result, error) {
		return wc.transcribeOnce(ctx, wav)
	})
	if err != nil {
		return failure(err)
	}
	return res
}

func (wc *WhisperClient) transcribeOnce(ctx context.Context, wav []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, wc.cfg.httpTimeout(len(wav)))
	defer cancel()

	fields := map[string]string{"response_format": "verbose_json"}
	if wc.model != "" {
		fields["model"] = wc.model
	}

	body, status, header, err := multipartUpload(ctx, wc.client, wc.url, nil,
		"file", "audio.wav", wav, fields, wc.cfg.UseTempFile)
	if err != nil {
		return nil, err
	}
	if err := statusError("whisper", status, header, body); err != nil {
		return nil, err
	}

	var parsed groqResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTranscription, err, "decode whisper response")
	}

	text := strings.TrimSpace(parsed.Text)
	words := make([]Word, 0, len(parsed.Words))
	for _, w := range parsed.Words {
		words = append(words, Word{Word: w.Word, Start: w.Start, End: w.End, Speaker: -1})
	}

	return &Result{
		Text:     text,
		Success:  text != "",
		Duration: parsed.Duration,
		Words:    words,
		Metadata: map[string]string{"provider": wc.Name(), "model": wc.model, "language": parsed.Language},
	}, nil
}
