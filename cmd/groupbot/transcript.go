package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/groupbot/internal/db"
)

func newTranscriptCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect or prune the chat transcript",
	}
	cmd.AddCommand(newTranscriptListCmd(opts), newTranscriptPruneCmd(opts))
	return cmd
}

func newTranscriptListCmd(opts *rootOptions) *cobra.Command {
	var (
		group   string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print recent transcript records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			database, err := openTranscriptDB(store)
			if err != nil {
				return err
			}
			defer database.Close()

			recs, err := db.NewTranscript(database, log).ListMessages(cmd.Context(), group, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			for _, r := range recs {
				line := fmt.Sprintf("[%d] %s  %s  %s: %s -> %s",
					r.ID, r.CreatedAt.UTC().Format(time.DateTime), r.Conversation, r.SenderName, r.Message, r.Reply)
				if r.Mark != "" {
					line += "  (" + r.Mark + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Only this group (default all).")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to print.")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON.")
	return cmd
}

func newTranscriptPruneCmd(opts *rootOptions) *cobra.Command {
	var (
		group string
		days  int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete transcript records older than --days (default transcript.retention_days)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = store.Snapshot().Transcript.RetentionDays
			}
			if days < 0 {
				return fmt.Errorf("--days must be >= 0, got %d", days)
			}
			database, err := openTranscriptDB(store)
			if err != nil {
				return err
			}
			defer database.Close()

			before := time.Now().AddDate(0, 0, -days)
			n, err := db.NewTranscript(database, log).DeleteMessages(cmd.Context(), group, before)
			if err != nil {
				return err
			}
			if _, err := db.LogEvent(database, nil, db.EventTranscriptPruned, map[string]any{
				"deleted": n,
				"before":  before.Unix(),
				"group":   group,
			}); err != nil {
				log.Warn().Err(err).Msg("failed to log transcript.pruned")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Only this group (default all).")
	cmd.Flags().IntVar(&days, "days", 0, "Keep this many days of transcript.")
	return cmd
}
