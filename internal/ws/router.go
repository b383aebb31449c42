package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pliu/alumnichat/internal/broadcast"
	"github.com/pliu/alumnichat/internal/models"
	"github.com/pliu/alumnichat/internal/store"
)

// Session is what the router needs from a live connection.
type Session interface {
	User() *models.User
	Join(ctx context.Context, group string) error
	Joined(group string) bool
	Send(payload []byte)
}

// Router dispatches inbound frames of an authenticated session.
type Router struct {
	Store  store.Store
	Fabric broadcast.Fabric
	Logger *slog.Logger
}

func NewRouter(s store.Store, fabric broadcast.Fabric, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Store: s, Fabric: fabric, Logger: logger}
}

// Dispatch handles one raw frame. Malformed and unknown frames are dropped;
// handler failures and panics are logged and never reach the caller.
func (r *Router) Dispatch(ctx context.Context, s Session, raw []byte) {
	user := s.User()
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("frame handler panicked", "user_id", user.ID, "panic", p)
		}
	}()

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		r.Logger.Debug("dropping malformed frame", "user_id", user.ID, "error", err)
		return
	}

	var err error
	switch parseFrameKind(f.Type) {
	case frameJoinConversation:
		err = r.joinConversation(ctx, s, f)
	case frameSendMessage:
		err = r.sendMessage(ctx, s, f)
	case frameMarkAsRead:
		err = r.markAsRead(ctx, s, f)
	case frameTypingStart:
		err = r.typing(ctx, s, f, true)
	case frameTypingStop:
		err = r.typing(ctx, s, f, false)
	case frameUnknown:
		r.Logger.Debug("dropping frame with unknown type", "user_id", user.ID, "type", f.Type)
	}
	if err != nil {
		r.Logger.Error("frame handler failed", "user_id", user.ID, "type", f.Type, "error", err)
	}
}

// canUseConversation reports whether the session may join or signal on a
// conversation group. Provisional ids have no group yet.
func (r *Router) canUseConversation(ctx context.Context, s Session, conversationID string) (bool, error) {
	if isProvisional(conversationID) {
		return false, nil
	}
	if s.Joined(ConversationGroup(conversationID)) {
		return true, nil
	}
	return r.Store.IsParticipant(ctx, conversationID, s.User().ID)
}

func (r *Router) joinConversation(ctx context.Context, s Session, f Frame) error {
	conversationID := string(f.ConversationID)
	if conversationID == "" {
		return nil
	}
	ok, err := r.canUseConversation(ctx, s, conversationID)
	if err != nil || !ok {
		return err
	}
	return s.Join(ctx, ConversationGroup(conversationID))
}

func (r *Router) sendMessage(ctx context.Context, s Session, f Frame) error {
	conversationID := string(f.ConversationID)
	receiverID := string(f.ReceiverID)
	if conversationID == "" || strings.TrimSpace(f.Message) == "" || receiverID == "" {
		return nil
	}

	event, err := r.saveMessage(ctx, s.User(), conversationID, f.Message, receiverID)
	if err != nil {
		s.Send(encode(MessageError{
			Type:           EventMessageError,
			ConversationID: conversationID,
			Error:          sendFailureReason(err),
		}))
		return errors.Wrap(err, "send_message")
	}

	// The sender follows its conversation so it sees its own echo.
	group := ConversationGroup(event.ConversationID)
	if err := s.Join(ctx, group); err != nil {
		return errors.Wrap(err, "send_message.join")
	}
	payload := encode(event)
	if err := r.Fabric.Publish(ctx, group, payload); err != nil {
		return errors.Wrap(err, "send_message.publish_conversation")
	}
	if err := r.Fabric.Publish(ctx, UserGroup(receiverID), payload); err != nil {
		return errors.Wrap(err, "send_message.publish_receiver")
	}
	return nil
}

// saveMessage resolves the conversation, provisional or not, and persists
// the message on it.
func (r *Router) saveMessage(ctx context.Context, sender *models.User, conversationID, body, receiverID string) (*ChatMessage, error) {
	if receiverID == sender.ID {
		return nil, store.ErrInvalidArgument
	}
	receiver, err := r.Store.GetUserByID(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	var (
		conv    *models.Conversation
		created bool
	)
	if isProvisional(conversationID) {
		conv, created, err = r.Store.FindOrCreateDirect(ctx, sender.ID, receiver.ID)
	} else {
		conv, err = r.Store.GetConversation(ctx, conversationID)
		if err == nil && !conv.HasParticipant(receiver.ID) {
			err = store.ErrNotAParticipant
		}
	}
	if err != nil {
		return nil, err
	}

	msg, err := r.Store.PostMessage(ctx, conv.ID, sender.ID, body)
	if err != nil {
		return nil, err
	}
	return &ChatMessage{
		Type:              EventChatMessage,
		ID:                msg.ID,
		Sender:            sender.ID,
		Receiver:          receiver.ID,
		Message:           msg.Body,
		MessageType:       models.MessageTypeText,
		Timestamp:         msg.CreatedAt.Format(time.RFC3339Nano),
		ConversationID:    conv.ID,
		IsNewConversation: created,
		SenderName:        sender.DisplayName(),
		ReceiverName:      receiver.DisplayName(),
	}, nil
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrNotAParticipant):
		return "not a participant of this conversation"
	case errors.Is(err, store.ErrNotFound):
		return "conversation or receiver not found"
	case errors.Is(err, store.ErrInvalidArgument):
		return "invalid receiver"
	default:
		return "failed to send message"
	}
}

func (r *Router) markAsRead(ctx context.Context, s Session, f Frame) error {
	messageID := string(f.MessageID)
	if messageID == "" || f.ConversationID == "" {
		return nil
	}
	user := s.User()
	msg, ok, err := r.Store.MarkRead(ctx, messageID, user.ID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotAParticipant) {
		r.Logger.Debug("mark_as_read rejected", "user_id", user.ID, "message_id", messageID, "error", err)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "mark_as_read")
	}
	if !ok {
		return nil
	}
	return r.Fabric.Publish(ctx, ConversationGroup(msg.ConversationID), encode(MessageRead{
		Type:       EventMessageRead,
		MessageID:  msg.ID,
		ReaderID:   user.ID,
		ReaderName: user.Username,
	}))
}

func (r *Router) typing(ctx context.Context, s Session, f Frame, isTyping bool) error {
	conversationID := string(f.ConversationID)
	if conversationID == "" {
		return nil
	}
	ok, err := r.canUseConversation(ctx, s, conversationID)
	if err != nil || !ok {
		return err
	}
	user := s.User()
	return r.Fabric.Publish(ctx, ConversationGroup(conversationID), encode(TypingIndicator{
		Type:     EventTypingIndicator,
		UserID:   user.ID,
		UserName: user.Username,
		IsTyping: isTyping,
	}))
}
