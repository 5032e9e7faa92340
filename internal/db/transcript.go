package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Marks stored on transcript rows.
const (
	MarkError = "error"
)

// TranscriptRecord is one message/reply pair.
type TranscriptRecord struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	Conversation string    `json:"group_name"`
	Message      string    `json:"message"`
	Reply        string    `json:"reply"`
	Model        string    `json:"model"`
	Mark         string    `json:"mark,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Transcript is the append-only message/reply log in chat_messages.
type Transcript struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

func NewTranscript(db *sql.DB, log zerolog.Logger) *Transcript {
	return &Transcript{
		db:  db,
		log: log.With().Str("component", "transcript").Logger(),
		now: time.Now,
	}
}

// Record writes rec and only logs on failure.
func (t *Transcript) Record(ctx context.Context, rec TranscriptRecord) {
	if _, err := t.Insert(ctx, rec); err != nil {
		t.log.Error().Err(err).
			Str("conversation", rec.Conversation).
			Str("model", rec.Model).
			Str("trace_id", rec.TraceID).
			Str("op", "record").
			Msg("transcript write failed")
	}
}

// Insert writes rec and returns its row id. A zero CreatedAt means now.
func (t *Transcript) Insert(ctx context.Context, rec TranscriptRecord) (int64, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO chat_messages (trace_id, sender_id, sender_name, group_name, message, reply, model, mark, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(rec.TraceID), rec.SenderID, rec.SenderName, rec.Conversation,
		rec.Message, rec.Reply, rec.Model, nullIfEmpty(rec.Mark), created.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transcript conversation=%s: %w", rec.Conversation, err)
	}
	return res.LastInsertId()
}

// ListMessages returns the newest records first. An empty conversation lists
// every conversation; limit <= 0 means no limit.
func (t *Transcript) ListMessages(ctx context.Context, conversation string, limit int) ([]TranscriptRecord, error) {
	query := `SELECT id, trace_id, sender_id, sender_name, group_name, message, reply, model, mark, created_at
	            FROM chat_messages`
	var args []any
	if conversation != "" {
		query += ` WHERE group_name = ?`
		args = append(args, conversation)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptRecord
	for rows.Next() {
		var (
			rec     TranscriptRecord
			traceID sql.NullString
			mark    sql.NullString
			created int64
		)
		if err := rows.Scan(&rec.ID, &traceID, &rec.SenderID, &rec.SenderName, &rec.Conversation,
			&rec.Message, &rec.Reply, &rec.Model, &mark, &created); err != nil {
			return nil, err
		}
		rec.TraceID = traceID.String
		rec.Mark = mark.String
		rec.CreatedAt = time.Unix(created, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMessages removes records created before the given instant. An empty
// conversation applies to every conversation; a zero before removes all
// matching records.
func (t *Transcript) DeleteMessages(ctx context.Context, conversation string, before time.Time) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if conversation != "" {
		conds = append(conds, "group_name = ?")
		args = append(args, conversation)
	}
	if !before.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, before.Unix())
	}
	query := `DELETE FROM chat_messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete transcript: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
