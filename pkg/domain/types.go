package domain

import "time"

type MessageType string

const (
	MessageUser MessageType = "user"
	MessageBot  MessageType = "bot"
)

// User is the identity service's view of an account. The ID is
// server-assigned; only Username and Email are client-mutable.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider,omitempty"`
	Confirmed bool      `json:"confirmed,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// AuthState is the session manager's authentication snapshot.
// IsAuthenticated holds exactly when both Token and User are set.
type AuthState struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	User            *User  `json:"user"`
	Token           string `json:"token,omitempty"`
}

type ChatMessage struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// HistoryRecord is one stored chat exchange as returned by
// GET /chat-history/:guestId.
type HistoryRecord struct {
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is one decoded unit from the chat response stream. Exactly one
// field is set per frame; frames are transient and never persisted.
type Frame struct {
	Content string `json:"content,omitempty"`
	GuestID string `json:"guest_id,omitempty"`
	Error   string `json:"error,omitempty"`
}
