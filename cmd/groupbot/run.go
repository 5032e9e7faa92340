package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/groupbot/internal/chat"
	"github.com/stupiduntilnot/groupbot/internal/claude"
	"github.com/stupiduntilnot/groupbot/internal/config"
	"github.com/stupiduntilnot/groupbot/internal/control"
	"github.com/stupiduntilnot/groupbot/internal/db"
	"github.com/stupiduntilnot/groupbot/internal/dispatch"
	"github.com/stupiduntilnot/groupbot/internal/dummy"
	"github.com/stupiduntilnot/groupbot/internal/gemini"
	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
	"github.com/stupiduntilnot/groupbot/internal/notify"
	"github.com/stupiduntilnot/groupbot/internal/openai"
	"github.com/stupiduntilnot/groupbot/internal/registry"
	"github.com/stupiduntilnot/groupbot/internal/retention"
	"github.com/stupiduntilnot/groupbot/internal/service"
	"github.com/stupiduntilnot/groupbot/internal/telegram"
	"github.com/stupiduntilnot/groupbot/internal/trigger"
)

const backendTimeout = 60 * time.Second

// dummyModel is registered when chat.client is dummy so the bot runs offline.
const dummyModel = "dummy"

// errServiceStopped is returned when the loop stops on its own, e.g. because
// the chat client went away.
var errServiceStopped = errors.New("service stopped")

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the configured groups and answer triggered messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, store, log)
		},
	}
}

// runBot wires the bot from store and blocks until ctx is done or the loop
// stops by itself.
func runBot(ctx context.Context, store *config.Store, log zerolog.Logger) error {
	cfg := store.Snapshot()
	if err := cfg.Validate(); err != nil {
		return err
	}

	database, err := openTranscriptDB(store)
	if err != nil {
		return err
	}
	defer database.Close()
	transcript := db.NewTranscript(database, log)
	events := db.EventLog{DB: database}

	hist := history.NewStore(store.SystemPrompt, history.DefaultMaxExchanges)
	dispatcher := dispatch.New(hist, store.DefaultModel, log)
	registerBackends(dispatcher, store, cfg)
	if cfg.Chat.Client == "dummy" {
		backend, err := dummy.NewBackend("echo")
		if err != nil {
			return err
		}
		dispatcher.Register(dummyModel, backend)
	}

	client, botName, err := newChatClient(ctx, store, cfg, log)
	if err != nil {
		return err
	}

	statuses := notify.NewChannel(16)
	defer statuses.Close()

	loop := service.New(service.Options{
		Client:      client,
		Registry:    registry.New(client, store, cfg.Groups, log),
		Dispatcher:  dispatcher,
		Transcript:  transcript,
		Events:      events,
		Notifier:    notify.Multi{notify.Log{Logger: log}, statuses},
		Matcher:     trigger.NewMatcher(),
		TriggerWord: store.TriggerWord,
		Model:       store.DefaultModel,
		Policy: control.Policy{
			PollInterval: cfg.Loop.PollInterval,
			ErrorBackoff: cfg.Loop.ErrorBackoff,
			Workers:      cfg.Loop.Workers,
		},
		DedupBucket: cfg.Loop.DedupBucket,
		BotName:     botName,
		Log:         log,
	})

	if sched := retention.New(transcript, cfg.Transcript.RetentionDays, log); sched != nil {
		sched.OnPruned = func(n int64, before time.Time) {
			logPruned(events, log, n, before)
		}
		if err := sched.Start(cfg.Transcript.PruneSchedule); err != nil {
			return err
		}
		defer sched.Stop()
	}

	log.Info().
		Str("chat", cfg.Chat.Client).
		Str("default_model", cfg.DefaultModel).
		Strs("models", dispatcher.Models()).
		Msg("groupbot starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Watch(gctx, func(c config.Config) {
			log.Info().Str("trigger", c.TriggerWord).Str("default_model", c.DefaultModel).Msg("settings updated")
		})
	})

	if err := loop.Start(gctx); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("start: %w", err), g.Wait())
	}

	g.Go(func() error {
		defer loop.Wait()
		for {
			select {
			case <-gctx.Done():
				// Nobody reads statuses from here on; closing keeps the
				// final status notification from blocking Stop.
				statuses.Close()
				loop.Stop()
				return nil
			case ev := <-statuses.Events():
				if ev.Type != notify.EventStatus || ev.Running {
					continue
				}
				// A cancelled context also ends the loop; only a stop nobody
				// asked for is an error.
				if gctx.Err() != nil {
					return nil
				}
				return errServiceStopped
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("groupbot stopped")
	return nil
}

// registerBackends registers every configured model. Known ids get their
// provider client; any other id with a base_url is treated as
// OpenAI-compatible.
func registerBackends(d *dispatch.Dispatcher, store *config.Store, cfg config.Config) {
	httpClient := store.HTTPClient(backendTimeout)
	for id, mc := range cfg.Models {
		id := id
		settings := model.Settings{
			Model:       mc.Model,
			BaseURL:     mc.BaseURL,
			Temperature: mc.Temperature,
			MaxTokens:   mc.MaxTokens,
			APIKey:      func() string { return store.APIKey(id) },
			HTTPClient:  httpClient,
		}
		switch id {
		case "deepseek":
			d.Register(id, openai.NewDeepSeek(settings))
		case "qianwen":
			d.Register(id, openai.NewQianwen(settings))
		case "gemini":
			d.Register(id, gemini.NewClient(settings))
		case "claude":
			d.Register(id, claude.NewClient(settings))
		default:
			if mc.BaseURL != "" {
				d.Register(id, openai.NewClient(settings))
			}
		}
	}
}

// newChatClient builds the configured chat client and returns the name the
// bot posts under.
func newChatClient(ctx context.Context, store *config.Store, cfg config.Config, log zerolog.Logger) (chat.Client, string, error) {
	switch cfg.Chat.Client {
	case "dummy":
		c, err := dummy.NewClient(cfg.Chat.DummyPollScript, cfg.Chat.DummySendScript)
		if err != nil {
			return nil, "", err
		}
		return c, cfg.Chat.BotName, nil
	case "telegram":
		c := telegram.NewClient(telegram.Options{
			APIBase:     cfg.Chat.TelegramAPIBase,
			Token:       cfg.Chat.TelegramToken,
			HTTPClient:  store.HTTPClient(time.Duration(cfg.Chat.TelegramTimeout+10) * time.Second),
			PollTimeout: cfg.Chat.TelegramTimeout,
			DropPending: cfg.Chat.DropPending,
		}, log)
		name := cfg.Chat.BotName
		if name == "" {
			me, err := c.Me(ctx)
			if err != nil {
				return nil, "", fmt.Errorf("telegram getMe: %w", err)
			}
			name = me.DisplayName()
		}
		return c, name, nil
	default:
		return nil, "", fmt.Errorf("unknown chat client %q", cfg.Chat.Client)
	}
}

func logPruned(events service.EventLog, log zerolog.Logger, n int64, before time.Time) {
	_, err := events.Log(nil, db.EventTranscriptPruned, map[string]any{
		"deleted": n,
		"before":  before.Unix(),
	})
	if err != nil {
		log.Warn().Err(err).Str("event", db.EventTranscriptPruned).Msg("failed to log event")
	}
}
