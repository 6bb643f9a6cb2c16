package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

const (
	// EditEvery is the growth, in characters, between progressive edits.
	EditEvery = 100
	// ThinkingText is the placeholder a streamed reply replaces.
	ThinkingText = "Thinking..."

	DefaultDeepSeekBaseURL = "https://api.deepseek.com"
)

// StreamConfig configures an OpenAI-compatible streaming adapter.
type StreamConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// Logger receives failed progressive edits. The zero value discards.
	Logger zerolog.Logger
}

// StreamAdapter streams chat completions from an OpenAI-compatible API and
// mirrors the growing reply into a placeholder message.
type StreamAdapter struct {
	family      Family
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	log         zerolog.Logger
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(cfg StreamConfig) *StreamAdapter {
	return newStreamAdapter(OpenAI, cfg)
}

// NewDeepSeek creates the DeepSeek adapter; DeepSeek speaks the OpenAI wire
// protocol on its own base URL.
func NewDeepSeek(cfg StreamConfig) *StreamAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDeepSeekBaseURL
	}
	return newStreamAdapter(DeepSeek, cfg)
}

func newStreamAdapter(family Family, cfg StreamConfig) *StreamAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &StreamAdapter{
		family:      family,
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		log:         cfg.Logger.With().Str("family", string(family)).Logger(),
	}
}

func (a *StreamAdapter) Family() Family {
	return a.family
}

// Complete opens one streaming completion, sends the placeholder once the
// stream is established and edits it each time the reply crosses another
// EditEvery characters. The final edit shows the reply cut to
// DisplayLimit; the returned text is never cut.
func (a *StreamAdapter) Complete(ctx context.Context, window []history.Turn, out Output) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(window),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		Stream:      true,
	}
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", Classify(a.family, err)
	}
	defer stream.Close()

	placeholderID, err := out.Send(ctx, ThinkingText)
	if err != nil {
		return "", fmt.Errorf("send placeholder: %w", err)
	}

	var reply strings.Builder
	chars, shown := 0, 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", Classify(a.family, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		chars += utf8.RuneCountInString(delta)
		if chars/EditEvery > shown/EditEvery {
			shown = chars
			if err := out.Edit(ctx, placeholderID, Truncate(reply.String(), DisplayLimit)); err != nil {
				// The stream goes on; the final edit still has to land.
				a.log.Warn().Err(err).Int("chars", chars).Msg("progressive edit failed")
			}
		}
	}

	full := reply.String()
	if strings.TrimSpace(full) == "" {
		full = emptyReply
	}
	if err := out.Edit(ctx, placeholderID, Truncate(full, DisplayLimit)); err != nil {
		return "", fmt.Errorf("deliver reply: %w", err)
	}
	return full, nil
}

func toOpenAIMessages(window []history.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(window))
	for _, turn := range window {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case history.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case history.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return msgs
}
