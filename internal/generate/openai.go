package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/resilience"
)

const defaultChatEndpoint = "https://api.openai.com/v1/chat/completions"

// ChatOptions configures the chat-completions generator.
type ChatOptions struct {
	// Endpoint is the chat completions URL; empty means the OpenAI API.
	Endpoint string
	Model    string
	Timeout  time.Duration

	Breakers *resilience.BreakerRegistry
	Limiter  *resilience.Limiter
	Retry    resilience.RetryPolicy
	Log      zerolog.Logger
}

// ChatGenerators implements Generators over an OpenAI-compatible chat
// completions endpoint.
type ChatGenerators struct {
	apiKey string
	opts   ChatOptions
	client *http.Client
}

// NewChatGenerators builds a generator backed by a chat completions API.
// An empty model defaults to gpt-4o-mini.
func NewChatGenerators(apiKey string, opts ChatOptions) *ChatGenerators {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultChatEndpoint
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &ChatGenerators{apiKey: apiKey, opts: opts, client: &http.Client{}}
}

// Configured reports whether the generator can accept calls.
func (g *ChatGenerators) Configured() bool { return g.apiKey != "" }

func (g *ChatGenerators) SOAP(ctx context.Context, transcript, extra string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", errdefs.New(errdefs.KindInput, "empty transcript")
	}
	sys := "You are a clinical documentation assistant. Write a concise SOAP note " +
		"(Subjective, Objective, Assessment, Plan) from the consultation transcript. " +
		"Use only information present in the transcript."
	user := "Transcript:\n" + transcript
	if extra != "" {
		user += "\n\nAdditional clinical context:\n" + extra
	}
	return g.complete(ctx, "soap", sys, user)
}

func (g *ChatGenerators) Referral(ctx context.Context, soapNote, conditions string) (string, error) {
	if strings.TrimSpace(soapNote) == "" {
		return "", errdefs.New(errdefs.KindInput, "empty SOAP note")
	}
	sys := "You are a clinical documentation assistant. Write a professional referral " +
		"letter based on the SOAP note. Address it to the receiving specialist."
	user := "SOAP note:\n" + soapNote
	if conditions != "" {
		user += "\n\nRefer for the following conditions:\n" + conditions
	}
	return g.complete(ctx, "referral", sys, user)
}

func (g *ChatGenerators) Letter(ctx context.Context, content, recipientType, specs string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errdefs.New(errdefs.KindInput, "empty source content")
	}
	if recipientType == "" {
		recipientType = "patient"
	}
	sys := fmt.Sprintf("You are a clinical documentation assistant. Write a letter "+
		"addressed to a %s based on the clinical content provided.", recipientType)
	user := "Clinical content:\n" + content
	if specs != "" {
		user += "\n\nInstructions:\n" + specs
	}
	return g.complete(ctx, "letter", sys, user)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// complete runs one chat completion through the resilience stack. kind names
// the document type for logging and limiter keys.
func (g *ChatGenerators) complete(ctx context.Context, kind, system, user string) (string, error) {
	if !g.Configured() {
		return "", errdefs.New(errdefs.KindConfiguration, "generation API key not configured")
	}

	opts := resilience.CallOptions{
		Name:     "generate",
		LimitKey: "generate:" + kind,
		Retry:    g.opts.Retry,
		Log:      g.opts.Log,
	}
	if g.opts.Breakers != nil {
		opts.Breaker = g.opts.Breakers.Get("generate")
	}
	if g.opts.Limiter != nil {
		opts.Limiter = g.opts.Limiter
	}

	return resilience.Call(ctx, opts, func(ctx context.Context) (string, error) {
		return g.completeOnce(ctx, system, user)
	})
}

func (g *ChatGenerators) completeOnce(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model: g.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindServiceUnavailable, err, "request %s", g.opts.Endpoint)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if d, perr := time.ParseDuration(v + "s"); perr == nil {
				retryAfter = d
			}
		}
		return "", errdefs.FromStatus(resp.StatusCode, retryAfter, "generation API error (status %d)", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errdefs.Wrap(errdefs.KindAPI, err, "decode chat response")
	}
	if parsed.Error != nil {
		return "", errdefs.New(errdefs.KindAPI, "generation API: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errdefs.New(errdefs.KindAPI, "generation API returned no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", errdefs.New(errdefs.KindAPI, "generation API returned empty content")
	}
	return text, nil
}
