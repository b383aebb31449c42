package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/pliu/alumnichat/internal/models"
	"github.com/pliu/alumnichat/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.New.Open")
	}
	if driverName == "sqlite3" {
		// Every new connection to ":memory:" is a fresh database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore.New.Ping")
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		direct_key TEXT UNIQUE,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		FOREIGN KEY (sender_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS deleted_conversations (
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		deleted_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, conversation_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "sqlstore.createTables")
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// CreateUser stores a new active user.
func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	query := s.rebind("INSERT INTO users (id, username, first_name, last_name, password, is_active) VALUES (?, ?, ?, ?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.FirstName, user.LastName, user.Password, true); err != nil {
		return errors.Wrap(err, "sqlstore.CreateUser.Exec")
	}
	user.IsActive = true
	return nil
}

func (s *SQLStore) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE users SET is_active = ? WHERE id = ?"), active, id)
	if err != nil {
		return errors.Wrap(err, "sqlstore.SetUserActive.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlstore.SetUserActive.RowsAffected")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, s.db, "id", id)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, s.db, "username", username)
}

func (s *SQLStore) getUser(ctx context.Context, q querier, column, value string) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, first_name, last_name, password, is_active FROM users WHERE " + column + " = ?")
	err := q.QueryRowContext(ctx, query, value).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.Password, &user.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.getUser.Scan")
	}
	return &user, nil
}

// SearchUsers matches active users by username.
func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT id, username, first_name, last_name FROM users WHERE username LIKE ? AND is_active = ? ORDER BY username LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, "%"+queryStr+"%", true)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.SearchUsers.Query")
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName); err != nil {
			return nil, errors.Wrap(err, "sqlstore.SearchUsers.Scan")
		}
		user.IsActive = true
		users = append(users, user)
	}
	return users, errors.Wrap(rows.Err(), "sqlstore.SearchUsers.Rows")
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *SQLStore) getConversation(ctx context.Context, q querier, id string) (*models.Conversation, error) {
	var c models.Conversation
	query := s.rebind("SELECT id, created_at, modified_at FROM conversations WHERE id = ?")
	err := q.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.CreatedAt, &c.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.getConversation.Scan")
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ModifiedAt = c.ModifiedAt.UTC()

	rows, err := q.QueryContext(ctx, s.rebind("SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY user_id"), id)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.getConversation.Participants")
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "sqlstore.getConversation.ScanParticipant")
		}
		c.Participants = append(c.Participants, userID)
	}
	return &c, errors.Wrap(rows.Err(), "sqlstore.getConversation.Rows")
}

func (s *SQLStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?)")
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists)
	return exists, errors.Wrap(err, "sqlstore.IsParticipant.Scan")
}

// directKey orders the pair so (a, b) and (b, a) share one conversation.
func directKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

func (s *SQLStore) FindDirect(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	var id string
	query := s.rebind("SELECT id FROM conversations WHERE direct_key = ?")
	err := s.db.QueryRowContext(ctx, query, directKey(userA, userB)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.FindDirect.Scan")
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLStore) FindOrCreateDirect(ctx context.Context, userA, userB string) (*models.Conversation, bool, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, false, store.ErrInvalidArgument
	}
	for _, id := range []string{userA, userB} {
		if _, err := s.GetUserByID(ctx, id); err != nil {
			return nil, false, err
		}
	}

	conv, err := s.FindDirect(ctx, userA, userB)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	id := uuid.NewString()
	created, err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO conversations (id, direct_key, created_at, modified_at) VALUES (?, ?, ?, ?) ON CONFLICT (direct_key) DO NOTHING"),
			id, directKey(userA, userB), now, now)
		if err != nil {
			return false, errors.Wrap(err, "sqlstore.FindOrCreateDirect.InsertConversation")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, errors.Wrap(err, "sqlstore.FindOrCreateDirect.RowsAffected")
		}
		if n == 0 {
			// Lost the race to a concurrent creator.
			return false, nil
		}
		for _, userID := range []string{userA, userB} {
			if _, err := tx.ExecContext(ctx,
				s.rebind("INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)"),
				id, userID); err != nil {
				return false, errors.Wrap(err, "sqlstore.FindOrCreateDirect.InsertParticipant")
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	conv, err = s.FindDirect(ctx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := s.rebind(`
		SELECT c.id
		FROM conversations c
		JOIN participants p ON c.id = p.conversation_id
		WHERE p.user_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM deleted_conversations d
			WHERE d.conversation_id = c.id AND d.user_id = ?
		)
		ORDER BY c.modified_at DESC, c.id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListConversations.Query")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlstore.ListConversations.Scan")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListConversations.Rows")
	}

	summaries := []models.ConversationSummary{}
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		otherID := conv.OtherParticipant(userID)
		if otherID == "" {
			continue
		}
		other, err := s.GetUserByID(ctx, otherID)
		if err != nil {
			return nil, err
		}
		last, err := s.lastMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		var unread int
		err = s.db.QueryRowContext(ctx,
			s.rebind("SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id <> ? AND is_read = ?"),
			id, userID, false).Scan(&unread)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListConversations.Unread")
		}
		summaries = append(summaries, models.ConversationSummary{
			Conversation: *conv,
			OtherUser:    *other,
			LastMessage:  last,
			UnreadCount:  unread,
		})
	}
	return summaries, nil
}

func (s *SQLStore) lastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	query := s.rebind(`
		SELECT id, conversation_id, sender_id, body, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func (s *SQLStore) SoftDelete(ctx context.Context, userID, conversationID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return store.ErrNotAParticipant
	}
	query := s.rebind(`
		INSERT INTO deleted_conversations (user_id, conversation_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET deleted_at = excluded.deleted_at
	`)
	_, err = s.db.ExecContext(ctx, query, userID, conversationID, s.now())
	return errors.Wrap(err, "sqlstore.SoftDelete.Exec")
}

func (s *SQLStore) PostMessage(ctx context.Context, conversationID, senderID, body string) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      s.now(),
	}
	_, err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		conv, err := s.getConversation(ctx, tx, conversationID)
		if err != nil {
			return false, err
		}
		if !conv.HasParticipant(senderID) {
			return false, store.ErrNotAParticipant
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO messages (id, conversation_id, sender_id, body, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
			msg.ID, msg.ConversationID, msg.SenderID, msg.Body, false, msg.CreatedAt); err != nil {
			return false, errors.Wrap(err, "sqlstore.PostMessage.Insert")
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("UPDATE conversations SET modified_at = ? WHERE id = ?"),
			msg.CreatedAt, conversationID); err != nil {
			return false, errors.Wrap(err, "sqlstore.PostMessage.Touch")
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, bool, error) {
	query := s.rebind("SELECT id, conversation_id, sender_id, body, is_read, created_at FROM messages WHERE id = ?")
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if err != nil {
		return nil, false, err
	}
	if msg.SenderID == readerID {
		return msg, false, nil
	}
	ok, err := s.IsParticipant(ctx, msg.ConversationID, readerID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, store.ErrNotAParticipant
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("UPDATE messages SET is_read = ? WHERE id = ?"), true, messageID); err != nil {
		return nil, false, errors.Wrap(err, "sqlstore.MarkRead.Exec")
	}
	msg.IsRead = true
	return msg, true, nil
}

func (s *SQLStore) GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, conversation_id, sender_id, body, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetConversationMessages.Query")
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, errors.Wrap(rows.Err(), "sqlstore.GetConversationMessages.Rows")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.IsRead, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.scanMessage")
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// withTx runs fn in a transaction, committing only when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.withTx.Begin")
	}
	ok, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "sqlstore.withTx.Commit")
	}
	return ok, nil
}
