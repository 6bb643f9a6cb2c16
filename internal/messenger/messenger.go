package messenger

import (
	"context"
	"strings"
)

// Messenger is the messaging platform the bot relays through.
type Messenger interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
	SetCommands(ctx context.Context, commands []Command) error
}

// Update represents an incoming platform event.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents an inbound text message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Date      int64  `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// FullName joins first and last name, falling back to @username.
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return ""
}

// Keyboard is a reply keyboard laid out in rows of button labels.
type Keyboard struct {
	Rows    [][]string
	Resize  bool
	OneTime bool
}

// SendOptions controls formatting and reply markup of an outbound message.
type SendOptions struct {
	ReplyTo        int64
	ParseMode      string
	Keyboard       *Keyboard
	RemoveKeyboard bool
}

// Command is a bot command shown in the platform's command menu.
type Command struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}
