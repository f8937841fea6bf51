package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

const (
	elevenLabsSTTEndpoint  = "https://api.elevenlabs.io/v1/speech-to-text"
	elevenLabsUserEndpoint = "https://api.elevenlabs.io/v1/user"
)

// ElevenLabsClient calls the ElevenLabs Speech-to-Text API. Uploads go
// through a temp file by default: large in-memory buffers have been observed
// to truncate on this endpoint.
type ElevenLabsClient struct {
	apiKey string
	model  string // "scribe_v1"
	cfg    ClientOptions
	client *http.Client
}

// elevenlabsWord is a word, spacing, or audio_event entry.
type elevenlabsWord struct {
	Text      string  `json:"text"`
	Type      string  `json:"type"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker_id"`
}

type elevenlabsResponse struct {
	LanguageCode        string           `json:"language_code"`
	LanguageProbability float64          `json:"language_probability"`
	Text                string           `json:"text"`
	Words               []elevenlabsWord `json:"words"`
}

// NewElevenLabsClient creates an ElevenLabs STT client. An empty model
// defaults to scribe_v1.
func NewElevenLabsClient(apiKey, model string, cfg ClientOptions) *ElevenLabsClient {
	if model == "" {
		model = "scribe_v1"
	}
	// Truncated buffer uploads have been seen against this endpoint;
	// always stage through a temp file.
	cfg.UseTempFile = true
	return &ElevenLabsClient{apiKey: apiKey, model: model, cfg: cfg, client: &http.Client{}}
}

func (el *ElevenLabsClient) Name() string              { return "elevenlabs" }
func (el *ElevenLabsClient) Configured() bool          { return el.apiKey != "" }
func (el *ElevenLabsClient) SupportsDiarization() bool { return true }
func (el *ElevenLabsClient) RequiresAPIKey() bool      { return true }

func (el *ElevenLabsClient) TestConnection(ctx context.Context) bool {
	if !el.Configured() {
		return false
	}
	return probe(ctx, el.client, elevenLabsUserEndpoint, map[string]string{
		"xi-api-key": el.apiKey,
	})
}

func (el *ElevenLabsClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return softText(el.TranscribeResult(ctx, audio))
}

func (el *ElevenLabsClient) TranscribeResult(ctx context.Context, audio []byte) *Result {
	if !el.Configured() {
		return failure(errdefs.New(errdefs.KindConfiguration, "elevenlabs API key not configured"))
	}
	wav := ensureWAV(audio)

	res, err := resilience.Call(ctx, el.cfg.callOpts(el.Name()), func(ctx context.Context) (*Result, error) {
		return el.transcribeOnce(ctx, wav)
	})
	if err != nil {
		return failure(err)
	}
	return res
}

func (el *ElevenLabsClient) transcribeOnce(ctx context.Context, wav []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, el.cfg.httpTimeout(len(wav)))
	defer cancel()

	body, status, header, err := multipartUpload(ctx, el.client, elevenLabsSTTEndpoint,
		map[string]string{"xi-api-key": el.apiKey},
		"file", "audio.wav", wav,
		map[string]string{
			"model_id": el.model,
			"diarize":  "true",
		}, el.cfg.UseTempFile)
	if err != nil {
		return nil, err
	}
	if err := statusError("elevenlabs", status, header, body); err != nil {
		return nil, err
	}

	var parsed elevenlabsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTranscription, err, "decode elevenlabs response")
	}

	words := make([]Word, 0, len(parsed.Words))
	for _, ew := range parsed.Words {
		if ew.Type != "word" {
			continue
		}
		words = append(words, Word{
			Word:    ew.Text,
			Start:   ew.Start,
			End:     ew.End,
			Speaker: parseSpeakerID(ew.SpeakerID),
		})
	}

	text := strings.TrimSpace(parsed.Text)
	if diarized := FormatDiarized(text, words); diarized != "" {
		text = diarized
	}

	return &Result{
		Text:       text,
		Success:    text != "",
		Confidence: parsed.LanguageProbability,
		Words:      words,
		Metadata: map[string]string{
			"provider": el.Name(),
			"model":    el.model,
			"language": parsed.LanguageCode,
		},
	}, nil
}

// parseSpeakerID maps ElevenLabs "speaker_0" style ids to integers.
func parseSpeakerID(id string) int {
	if id == "" {
		return -1
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "speaker_")); err == nil {
		return n
	}
	return -1
}
