package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/groupbot/internal/db"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		eventID   int64
		maxDepth  int
		jsonOut   bool
		noPayload bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event tree of the latest bot session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			database, err := openTranscriptDB(store)
			if err != nil {
				return err
			}
			defer database.Close()

			root, err := db.SessionTree(database, eventID)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), root, maxDepth, noPayload)
			}
			printTree(cmd.OutOrStdout(), root, "", true, 1, maxDepth, noPayload)
			return nil
		},
	}
	cmd.Flags().Int64Var(&eventID, "id", 0, "Show the subtree of this event (default latest session).")
	cmd.Flags().IntVarP(&maxDepth, "depth", "L", 0, "Limit display depth (0 = unlimited).")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON.")
	cmd.Flags().BoolVar(&noPayload, "no-payload", false, "Hide payload details.")
	return cmd
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *db.Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format(time.DateTime)
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	m := payloadMap(ev, noPayload)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

func payloadMap(ev *db.Event, noPayload bool) map[string]any {
	if noPayload || !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
		Payload:   payloadMap(ev, noPayload),
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *db.Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload))
}
