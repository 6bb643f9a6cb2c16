package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

// Family identifies an LLM back end.
type Family string

const (
	OpenAI   Family = "openai"
	Gemini   Family = "gemini"
	DeepSeek Family = "deepseek"
)

// Families lists every supported family in menu order.
var Families = []Family{OpenAI, Gemini, DeepSeek}

// Title is the human-facing provider name.
func (f Family) Title() string {
	switch f {
	case OpenAI:
		return "OpenAI"
	case Gemini:
		return "Google Gemini AI"
	case DeepSeek:
		return "DeepSeek AI"
	default:
		return string(f)
	}
}

// ParseFamily maps a case-insensitive name to a Family.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown provider family %q", s)
}

// DisplayLimit is the longest text a single outbound message may carry.
const DisplayLimit = 4096

// Output is where an adapter delivers the reply while it is produced.
type Output interface {
	Send(ctx context.Context, text string) (int64, error)
	Edit(ctx context.Context, messageID int64, text string) error
}

// Adapter performs one chat completion over a prompt window, delivering
// the reply to out and returning the full reply text for history.
type Adapter interface {
	Family() Family
	Complete(ctx context.Context, window []history.Turn, out Output) (string, error)
}

const emptyReply = "(empty model response)"
