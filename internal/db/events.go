package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

var ErrNoSession = errors.New("no service.started event found")

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// LatestSessionRoot returns the id of the most recent service.started event.
func LatestSessionRoot(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventServiceStarted,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoSession
	}
	return id, err
}

// QuerySubtree returns all events in the subtree rooted at rootID.
func QuerySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree %d: %w", rootID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree organizes a flat list of events into a tree rooted at rootID.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}

// SessionTree loads the event tree of rootID, or of the latest session when
// rootID is 0.
func SessionTree(db *sql.DB, rootID int64) (*Event, error) {
	if rootID == 0 {
		id, err := LatestSessionRoot(db)
		if err != nil {
			return nil, err
		}
		rootID = id
	}
	events, err := QuerySubtree(db, rootID)
	if err != nil {
		return nil, err
	}
	root := BuildTree(events, rootID)
	if root == nil {
		return nil, fmt.Errorf("event %d not found", rootID)
	}
	return root, nil
}
