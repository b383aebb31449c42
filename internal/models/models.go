package models

import (
	"strings"
	"time"
)

// MessageTypeText is the only message_type the chat layer produces.
const MessageTypeText = "text"

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"-"`
	IsActive  bool   `json:"is_active"`
}

// DisplayName returns the full name, falling back to the username.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the first participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type DeletedConversation struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation Conversation
	OtherUser    User
	LastMessage  *Message
	UnreadCount  int
}
