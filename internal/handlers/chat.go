package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/pliu/alumnichat/internal/middleware"
	"github.com/pliu/alumnichat/internal/models"
	"github.com/pliu/alumnichat/internal/store"
)

// ChatHandler serves the request/response mirror of the chat operations.
// Nothing here publishes to the broadcast fabric.
type ChatHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message"`
}

type UserView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type MessageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Message        string `json:"message"`
	MessageType    string `json:"message_type"`
	Timestamp      string `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
	SenderName     string `json:"sender_name"`
	ReceiverName   string `json:"receiver_name"`
}

type ConversationView struct {
	ID            string       `json:"id"`
	OtherUserID   string       `json:"other_user_id"`
	OtherUserName string       `json:"other_user_name"`
	OtherUser     UserView     `json:"other_user"`
	LastMessage   *MessageView `json:"last_message"`
	UnreadCount   int          `json:"unread_count"`
	Timestamp     string       `json:"timestamp"`
}

func newUserView(u *models.User) UserView {
	return UserView{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

// newMessageView renders msg exchanged between the two users of a direct
// conversation.
func newMessageView(msg *models.Message, a, b *models.User) MessageView {
	sender, receiver := a, b
	if msg.SenderID == b.ID {
		sender, receiver = b, a
	}
	return MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         sender.ID,
		Receiver:       receiver.ID,
		Message:        msg.Body,
		MessageType:    models.MessageTypeText,
		Timestamp:      msg.CreatedAt.Format(time.RFC3339Nano),
		IsRead:         msg.IsRead,
		SenderName:     sender.DisplayName(),
		ReceiverName:   receiver.DisplayName(),
	}
}

func (h *ChatHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *ChatHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	summaries, err := h.Store.ListConversations(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch conversations")
		return
	}

	views := make([]ConversationView, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		other := s.OtherUser
		view := ConversationView{
			ID:            s.Conversation.ID,
			OtherUserID:   other.ID,
			OtherUserName: other.DisplayName(),
			OtherUser:     newUserView(&other),
			UnreadCount:   s.UnreadCount,
			Timestamp:     s.Conversation.ModifiedAt.Format(time.RFC3339Nano),
		}
		if s.LastMessage != nil {
			last := newMessageView(s.LastMessage, user, &other)
			view.LastMessage = &last
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMessages returns the history between the caller and a peer, oldest
// first. No conversation yet means an empty list.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	peerID := mux.Vars(r)["peer_id"]

	peer, err := h.Store.GetUserByID(r.Context(), peerID)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch messages")
		return
	}

	conv, err := h.Store.FindDirect(r.Context(), user.ID, peer.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, []MessageView{})
		return
	}
	if err != nil {
		h.fail(w, r, err, "Failed to fetch messages")
		return
	}

	messages, err := h.Store.GetConversationMessages(r.Context(), conv.ID)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch messages")
		return
	}
	views := make([]MessageView, 0, len(messages))
	for i := range messages {
		views = append(views, newMessageView(&messages[i], user, peer))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ReceiverID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "receiver_id and message are required")
		return
	}
	if req.ReceiverID == user.ID {
		writeError(w, http.StatusBadRequest, "Cannot send a message to yourself")
		return
	}

	receiver, err := h.Store.GetUserByID(r.Context(), req.ReceiverID)
	if err != nil {
		h.fail(w, r, err, "Receiver not found")
		return
	}
	conv, _, err := h.Store.FindOrCreateDirect(r.Context(), user.ID, receiver.ID)
	if err != nil {
		h.fail(w, r, err, "Failed to send message")
		return
	}
	msg, err := h.Store.PostMessage(r.Context(), conv.ID, user.ID, req.Message)
	if err != nil {
		h.fail(w, r, err, "Failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, newMessageView(msg, user, receiver))
}

func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	conversationID := mux.Vars(r)["id"]

	if err := h.Store.SoftDelete(r.Context(), user.ID, conversationID); err != nil {
		h.fail(w, r, err, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Conversation deleted successfully",
	})
}

// SearchUsers finds peers by username, leaving out the caller.
func (h *ChatHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []UserView{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		h.fail(w, r, err, "Failed to search users")
		return
	}
	views := make([]UserView, 0, len(users))
	for i := range users {
		if users[i].ID == user.ID {
			continue
		}
		views = append(views, newUserView(&users[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// fail maps a store error to a status code. message is shown for not-found
// errors; persistence failures get a generic body and are logged.
func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, message)
	case errors.Is(err, store.ErrNotAParticipant):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, store.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "Invalid request")
	default:
		h.logger().Error("chat request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
