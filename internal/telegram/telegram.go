package telegram

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

	"github.com/stupiduntilnot/relaybot/internal/messenger"
)

const (
	DefaultAPIBase = "https://api.telegram.org"

	// MaxMessageChars is the Telegram limit on a single message text.
	MaxMessageChars = 4096
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

var _ messenger.Messenger = (*Client)(nil)

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// BotURL joins an API host and a bot token.
func BotURL(host, token string) string {
	if host == "" {
		host = DefaultAPIBase
	}
	return strings.TrimRight(host, "/") + "/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// APIError is a Telegram response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

type tgRawUpdate struct {
	UpdateID      int64              `json:"update_id"`
	Message       *messenger.Message `json:"message,omitempty"`
	CallbackQuery *tgCallbackQuery   `json:"callback_query,omitempty"`
}

type tgCallbackQuery struct {
	ID      string             `json:"id"`
	Data    string             `json:"data"`
	From    *messenger.User    `json:"from,omitempty"`
	Message *messenger.Message `json:"message,omitempty"`
}

type tgKeyboardButton struct {
	Text string `json:"text"`
}

type tgReplyMarkup struct {
	Keyboard        [][]tgKeyboardButton `json:"keyboard,omitempty"`
	ResizeKeyboard  bool                 `json:"resize_keyboard,omitempty"`
	OneTimeKeyboard bool                 `json:"one_time_keyboard,omitempty"`
	RemoveKeyboard  bool                 `json:"remove_keyboard,omitempty"`
}

type sendMessageRequest struct {
	ChatID           int64          `json:"chat_id"`
	Text             string         `json:"text"`
	ParseMode        string         `json:"parse_mode,omitempty"`
	ReplyToMessageID int64          `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *tgReplyMarkup `json:"reply_markup,omitempty"`
}

// call posts payload to the given method and decodes result into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		code := tgResp.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: tgResp.Description}
	}
	if out != nil && len(tgResp.Result) > 0 {
		if err := json.Unmarshal(tgResp.Result, out); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for updates starting at offset. Callback button
// presses are folded into plain text messages.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]messenger.Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var raws []tgRawUpdate
	if err := c.call(ctx, "getUpdates", payload, &raws); err != nil {
		return nil, err
	}

	updates := make([]messenger.Update, 0, len(raws))
	for _, ru := range raws {
		if ru.Message != nil {
			updates = append(updates, messenger.Update{UpdateID: ru.UpdateID, Message: ru.Message})
			continue
		}
		if ru.CallbackQuery != nil && ru.CallbackQuery.Message != nil {
			msg := *ru.CallbackQuery.Message
			msg.Text = strings.TrimSpace(ru.CallbackQuery.Data)
			if ru.CallbackQuery.From != nil {
				msg.From = ru.CallbackQuery.From
			}
			if msg.Date == 0 {
				msg.Date = time.Now().Unix()
			}
			updates = append(updates, messenger.Update{UpdateID: ru.UpdateID, Message: &msg})
			_ = c.answerCallbackQuery(ctx, ru.CallbackQuery.ID)
			continue
		}
		// Keep the offset moving past updates we don't handle.
		updates = append(updates, messenger.Update{UpdateID: ru.UpdateID})
	}
	return updates, nil
}

// SendMessage sends a text message and returns its message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts messenger.SendOptions) (int64, error) {
	req := sendMessageRequest{
		ChatID:           chatID,
		Text:             truncate(text, MaxMessageChars),
		ParseMode:        opts.ParseMode,
		ReplyToMessageID: opts.ReplyTo,
	}
	switch {
	case opts.Keyboard != nil:
		markup := &tgReplyMarkup{
			ResizeKeyboard:  opts.Keyboard.Resize,
			OneTimeKeyboard: opts.Keyboard.OneTime,
		}
		for _, row := range opts.Keyboard.Rows {
			buttons := make([]tgKeyboardButton, 0, len(row))
			for _, label := range row {
				buttons = append(buttons, tgKeyboardButton{Text: label})
			}
			markup.Keyboard = append(markup.Keyboard, buttons)
		}
		req.ReplyMarkup = markup
	case opts.RemoveKeyboard:
		req.ReplyMarkup = &tgReplyMarkup{RemoveKeyboard: true}
	}

	var sent messenger.Message
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessage replaces the text of a message the bot sent earlier. An edit
// that leaves the text unchanged is not an error.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       truncate(text, MaxMessageChars),
	}
	err := c.call(ctx, "editMessageText", payload, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

// SendTyping shows the typing indicator in the chat.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"}, nil)
}

// SetCommands registers the bot's command menu.
func (c *Client) SetCommands(ctx context.Context, commands []messenger.Command) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

func (c *Client) answerCallbackQuery(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	return c.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID}, nil)
}

// truncate counts code points, not the UTF-16 units Telegram limits on.
func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
