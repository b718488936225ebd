package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	sender_type  TEXT NOT NULL,
	display_name TEXT NOT NULL,
	body         TEXT NOT NULL,
	sent_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, sent_at);
`

// StoredMessage is one persisted chat message row.
type StoredMessage struct {
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	SenderType  string    `db:"sender_type"`
	DisplayName string    `db:"display_name"`
	Text        string    `db:"body"`
	Timestamp   time.Time `db:"sent_at"`
}

// MessageStore persists chat messages in Postgres.
type MessageStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenMessageStore connects to Postgres and ensures the schema exists.
func OpenMessageStore(ctx context.Context, dsn string, logger *zap.Logger) (*MessageStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, messagesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure messages schema: %w", err)
	}
	return &MessageStore{db: db, logger: logger.Named("store")}, nil
}

// Save inserts a message and returns its assigned id.
func (s *MessageStore) Save(ctx context.Context, msg StoredMessage) (string, error) {
	msg.ID = uuid.NewString()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	const q = `INSERT INTO messages (id, session_id, sender_type, display_name, body, sent_at)
		VALUES (:id, :session_id, :sender_type, :display_name, :body, :sent_at)`
	if _, err := s.db.NamedExecContext(ctx, q, msg); err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return msg.ID, nil
}

// BySession returns a session's messages, oldest first.
func (s *MessageStore) BySession(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	const q = `SELECT id, session_id, sender_type, display_name, body, sent_at
		FROM messages WHERE session_id = $1 ORDER BY sent_at ASC`
	var out []StoredMessage
	if err := s.db.SelectContext(ctx, &out, q, sessionID); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) Close() error {
	return s.db.Close()
}
