package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// plainTextInstruction prefixes the user's question so the reply renders
// without markdown.
const plainTextInstruction = "Respond in plain text format without using markdown or special formatting. " +
	"Use simple bullet points (•) for lists and regular text for everything else. " +
	"If the question is in Uzbek, answer in Uzbek.\n\n" +
	"Question: "

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// GeminiAdapter is a minimal blocking Gemini generateContent client.
type GeminiAdapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGemini creates a Gemini adapter.
func NewGemini(cfg GeminiConfig) *GeminiAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &GeminiAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (a *GeminiAdapter) Family() Family {
	return Gemini
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Complete sends the window in one blocking call and delivers the reply
// as consecutive messages of at most DisplayLimit characters.
func (a *GeminiAdapter) Complete(ctx context.Context, window []history.Turn, out Output) (string, error) {
	payload, err := json.Marshal(buildGeminiRequest(window))
	if err != nil {
		return "", fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		a.baseURL, url.PathEscape(a.model), url.QueryEscape(a.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", Classify(Gemini, fmt.Errorf("gemini request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Classify(Gemini, fmt.Errorf("failed reading gemini response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Classify(Gemini, &HTTPError{StatusCode: resp.StatusCode, Body: Truncate(string(body), 400)})
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", Classify(Gemini, fmt.Errorf("failed to parse gemini response: %s", Truncate(string(body), 400)))
	}

	reply := emptyReply
	if len(parsed.Candidates) > 0 {
		var sb strings.Builder
		for _, p := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		if text := strings.TrimSpace(sb.String()); text != "" {
			reply = text
		}
	}

	for _, chunk := range SplitMessage(reply, DisplayLimit) {
		if _, err := out.Send(ctx, chunk); err != nil {
			return "", fmt.Errorf("deliver reply: %w", err)
		}
	}
	return reply, nil
}

// buildGeminiRequest maps the window onto Gemini contents: the system turn
// becomes systemInstruction and the latest user turn carries the plain-text
// instruction prefix.
func buildGeminiRequest(window []history.Turn) geminiRequest {
	var req geminiRequest
	lastUser := -1
	for i, turn := range window {
		if turn.Role == history.RoleUser {
			lastUser = i
		}
	}
	for i, turn := range window {
		switch turn.Role {
		case history.RoleSystem:
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: turn.Content}}}
		case history.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: turn.Content}}})
		default:
			text := turn.Content
			if i == lastUser {
				text = plainTextInstruction + text
			}
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		}
	}
	return req
}
