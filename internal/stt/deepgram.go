package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

const (
	deepgramListenEndpoint   = "https://api.deepgram.com/v1/listen"
	deepgramProjectsEndpoint = "https://api.deepgram.com/v1/projects"
)

// DeepgramClient calls the Deepgram pre-recorded transcription API with the
// medical-grade nova-2-medical model and diarization enabled.
type DeepgramClient struct {
	apiKey string
	model  string
	cfg    ClientOptions
	client *http.Client
}

type deepgramWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    *int    `json:"speaker"`
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string         `json:"transcript"`
				Confidence float64        `json:"confidence"`
				Words      []deepgramWord `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgramClient creates a Deepgram STT client. An empty model defaults
// to nova-2-medical.
func NewDeepgramClient(apiKey, model string, cfg ClientOptions) *DeepgramClient {
	if model == "" {
		model = "nova-2-medical"
	}
	return &DeepgramClient{
		apiKey: apiKey,
		model:  model,
		cfg:    cfg,
		client: &http.Client{},
	}
}

func (d *DeepgramClient) Name() string              { return "deepgram" }
func (d *DeepgramClient) Configured() bool          { return d.apiKey != "" }
func (d *DeepgramClient) SupportsDiarization() bool { return true }
func (d *DeepgramClient) RequiresAPIKey() bool      { return true }

// TestConnection verifies the key against the projects endpoint.
func (d *DeepgramClient) TestConnection(ctx context.Context) bool {
	if !d.Configured() {
		return false
	}
	return probe(ctx, d.client, deepgramProjectsEndpoint, map[string]string{
		"Authorization": "Token " + d.apiKey,
	})
}

func (d *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return softText(d.TranscribeResult(ctx, audio))
}

func (d *DeepgramClient) TranscribeResult(ctx context.Context, audio []byte) *Result {
	if !d.Configured() {
		return failure(errdefs.New(errdefs.KindConfiguration, "deepgram API key not configured"))
	}
	wav := ensureWAV(audio)

	res, err := resilience.Call(ctx, d.cfg.callOpts(d.Name()), func(ctx context.Context) (*Result, error) {
		return d.transcribeOnce(ctx, wav)
	})
	if err != nil {
		return failure(err)
	}
	return res
}

func (d *DeepgramClient) transcribeOnce(ctx context.Context, wav []byte) (*Result, error) {
	url := fmt.Sprintf("%s?model=%s&diarize=true&punctuate=true&smart_format=true", deepgramListenEndpoint, d.model)
	ctx, cancel := context.WithTimeout(ctx, d.cfg.httpTimeout(len(wav)))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindServiceUnavailable, err, "deepgram request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := statusError("deepgram", resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTranscription, err, "decode deepgram response")
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return nil, errdefs.New(errdefs.KindTranscription, "deepgram returned no alternatives")
	}

	alt := parsed.Results.Channels[0].Alternatives[0]
	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		words = append(words, Word{Word: w.Word, Start: w.Start, End: w.End, Speaker: speaker})
	}

	text := alt.Transcript
	if diarized := FormatDiarized(text, words); diarized != "" {
		text = diarized
	}

	return &Result{
		Text:       text,
		Success:    text != "",
		Confidence: alt.Confidence,
		Duration:   parsed.Metadata.Duration,
		Words:      words,
		Metadata:   map[string]string{"provider": d.Name(), "model": d.model},
	}, nil
}
