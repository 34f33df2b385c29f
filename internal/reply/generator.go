// Package reply adapts a remote chat-completions endpoint into the
// controller's reply generation capability.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voiceturn/internal/turn"
)

// Common errors
var (
	ErrMissingKey = errors.New("generation api key missing")
	ErrEmptyReply = errors.New("generation returned no choices")
)

// Config configures the HTTP generator.
type Config struct {
	URL    string
	APIKey string
	Model  string
}

// HTTPGenerator calls an OpenAI-style chat completions endpoint. The
// caller (the turn controller) owns the timeout via ctx.
type HTTPGenerator struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ turn.Generator = (*HTTPGenerator)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// NewHTTPGenerator creates a generator for the configured endpoint.
func NewHTTPGenerator(config Config, logger zerolog.Logger) *HTTPGenerator {
	return &HTTPGenerator{
		config: config,
		// No client-level timeout; the per-call ctx carries the deadline
		// so a fired timeout cancels the transport immediately.
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "reply-generator").Logger(),
	}
}

// Generate produces reply text for the conversation history.
func (g *HTTPGenerator) Generate(ctx context.Context, history []turn.Turn) (string, error) {
	if g.config.APIKey == "" {
		return "", ErrMissingKey
	}

	messages := make([]chatMessage, 0, len(history))
	for _, t := range history {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Text})
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{Model: g.config.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Surface the ctx error so callers can tell a fired timeout
		// apart from a transport failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("generation error: status=%d body=%s", resp.StatusCode, string(b))
	}

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", ErrEmptyReply
	}

	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	g.logger.Debug().
		Dur("elapsed", time.Since(started)).
		Int("chars", len(answer)).
		Msg("Reply generated")
	return answer, nil
}
