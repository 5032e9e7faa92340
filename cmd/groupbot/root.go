package main

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/groupbot/internal/config"
	"github.com/stupiduntilnot/groupbot/internal/db"
	"github.com/stupiduntilnot/groupbot/internal/logging"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "groupbot",
		Short:        "Chat-group AI bot",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "Config file path; created with defaults when missing.")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newGroupsCmd(opts))
	cmd.AddCommand(newPromptCmd(opts))
	cmd.AddCommand(newTranscriptCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))
	return cmd
}

// load opens the config store and builds the logger it describes.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Store, zerolog.Logger, error) {
	boot, err := logging.NewWithWriter(logConfig(config.Defaults().Logging), cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	store, err := config.Open(o.configPath, boot)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.NewWithWriter(logConfig(store.Snapshot().Logging), cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config %s: %w", store.Path(), err)
	}
	return store, log, nil
}

func logConfig(c config.LoggingConfig) logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format}
}

// openTranscriptDB opens the SQLite database named by the config.
func openTranscriptDB(store *config.Store) (*sql.DB, error) {
	path := store.Snapshot().Transcript.DBPath
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return database, nil
}
