package ws

import (
	"encoding/json"
	"strings"
)

// ProvisionalPrefix marks a client-side placeholder conversation id.
const ProvisionalPrefix = "temp-"

// OnlineUsersGroup receives presence events for every connected user.
const OnlineUsersGroup = "online_users"

func UserGroup(userID string) string {
	return "user_" + userID
}

func ConversationGroup(conversationID string) string {
	return "conversation_" + conversationID
}

func isProvisional(conversationID string) bool {
	return strings.HasPrefix(conversationID, ProvisionalPrefix)
}

// Outbound event types.
const (
	EventConnectionEstablished = "connection_established"
	EventChatMessage           = "chat_message"
	EventMessageRead           = "message_read"
	EventTypingIndicator       = "typing_indicator"
	EventUserOnline            = "user_online"
	EventUserOffline           = "user_offline"
	EventMessageError          = "message_error"
)

type ConnectionEstablished struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type ChatMessage struct {
	Type              string `json:"type"`
	ID                string `json:"id"`
	Sender            string `json:"sender"`
	Receiver          string `json:"receiver"`
	Message           string `json:"message"`
	MessageType       string `json:"message_type"`
	Timestamp         string `json:"timestamp"`
	ConversationID    string `json:"conversation_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
	SenderName        string `json:"sender_name"`
	ReceiverName      string `json:"receiver_name"`
}

type MessageRead struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	ReaderID   string `json:"reader_id"`
	ReaderName string `json:"reader_name"`
}

type TypingIndicator struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// Presence is sent as user_online or user_offline.
type Presence struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// MessageError tells the sender alone that a send_message was not delivered.
type MessageError struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// encode marshals an event. Event structs only hold strings and bools, so
// marshalling cannot fail.
func encode(event any) []byte {
	data, _ := json.Marshal(event)
	return data
}
