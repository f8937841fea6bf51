package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

const (
	groqTranscriptionsEndpoint = "https://api.groq.com/openai/v1/audio/transcriptions"
	groqModelsEndpoint         = "https://api.groq.com/openai/v1/models"
)

// GroqClient calls Groq's OpenAI-compatible audio transcription API.
type GroqClient struct {
	apiKey string
	model  string
	cfg    ClientOptions
	client *http.Client
}

// groqResponse is the verbose_json response shape, shared with Whisper.
type groqResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// NewGroqClient creates a Groq STT client. An empty model defaults to
// whisper-large-v3.
func NewGroqClient(apiKey, model string, cfg ClientOptions) *GroqClient {
	if model == "" {
		model = "whisper-large-v3"
	}
	return &GroqClient{apiKey: apiKey, model: model, cfg: cfg, client: &http.Client{}}
}

func (g *GroqClient) Name() string              { return "groq" }
func (g *GroqClient) Configured() bool          { return g.apiKey != "" }
func (g *GroqClient) SupportsDiarization() bool { return false }
func (g *GroqClient) RequiresAPIKey() bool      { return true }

func (g *GroqClient) TestConnection(ctx context.Context) bool {
	if !g.Configured() {
		return false
	}
	return probe(ctx, g.client, groqModelsEndpoint, map[string]string{
		"Authorization": "Bearer " + g.apiKey,
	})
}

func (g *GroqClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return softText(g.TranscribeResult(ctx, audio))
}

func (g *GroqClient) TranscribeResult(ctx context.Context, audio []byte) *Result {
	if !g.Configured() {
		return failure(errdefs.New(errdefs.KindConfiguration, "groq API key not configured"))
	}
	wav := ensureWAV(audio)

	res, err := resilience.Call(ctx, g.cfg.callOpts(g.Name()), func(ctx context.Context) (*Result, error) {
		return g.transcribeOnce(ctx, wav)
	})
	if err != nil {
		return failure(err)
	}
	return res
}

func (g *GroqClient) transcribeOnce(ctx context.Context, wav []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.httpTimeout(len(wav)))
	defer cancel()

	body, status, header, err := multipartUpload(ctx, g.client, groqTranscriptionsEndpoint,
		map[string]string{"Authorization": "Bearer " + g.apiKey},
		"file", "audio.wav", wav,
		map[string]string{
			"model":                     g.model,
			"response_format":           "verbose_json",
			"timestamp_granularities[]": "word",
		}, g.cfg.UseTempFile)
	if err != nil {
		return nil, err
	}
	if err := statusError("groq", status, header, body); err != nil {
		return nil, err
	}

	var parsed groqResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTranscription, err, "decode groq response")
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
		Metadata: map[string]string{"provider": g.Name(), "model": g.model, "language": parsed.Language},
	}, nil
}
