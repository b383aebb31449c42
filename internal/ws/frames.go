package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type frameKind int

const (
	frameUnknown frameKind = iota
	frameJoinConversation
	frameSendMessage
	frameMarkAsRead
	frameTypingStart
	frameTypingStop
)

func parseFrameKind(t string) frameKind {
	switch t {
	case "join_conversation":
		return frameJoinConversation
	case "send_message":
		return frameSendMessage
	case "mark_as_read":
		return frameMarkAsRead
	case "typing_start":
		return frameTypingStart
	case "typing_stop":
		return frameTypingStop
	default:
		return frameUnknown
	}
}

// Frame is an inbound client frame. Fields unused by a kind stay empty.
type Frame struct {
	Type           string `json:"type"`
	ConversationID flexID `json:"conversation_id"`
	Message        string `json:"message"`
	ReceiverID     flexID `json:"receiver_id"`
	MessageID      flexID `json:"message_id"`
}

// flexID accepts an identifier sent either as a JSON string or a number.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = flexID(n.String())
	return nil
}
