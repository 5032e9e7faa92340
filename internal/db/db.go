package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: service lifecycle
const (
	EventServiceStarted      = "service.started"
	EventServiceStopped      = "service.stopped"
	EventServiceFatal        = "service.fatal"
	EventConversationAdded   = "conversation.added"
	EventConversationRemoved = "conversation.removed"
	EventTranscriptPruned    = "transcript.pruned"
)

// Event type constants: message handling
const (
	EventMessageReceived = "message.received"
	EventDispatchFailed  = "dispatch.failed"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: events, chat_messages.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			group_name TEXT NOT NULL,
			message TEXT NOT NULL,
			reply TEXT NOT NULL,
			model TEXT NOT NULL,
			mark TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_group_created ON chat_messages(group_name, created_at);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog binds LogEvent to a database handle.
type EventLog struct {
	DB *sql.DB
}

// Log records an event; see LogEvent.
func (l EventLog) Log(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(l.DB, parentID, eventType, payload)
}
