package history

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SystemPrompt is the instruction prepended to every prompt window.
const SystemPrompt = "You are a helpful assistant. Provide concise and clear answers."

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is a user's bounded turn log.
type Conversation struct {
	UserID        string
	Turns         []Turn
	LastMessageAt time.Time
}
