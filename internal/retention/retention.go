package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes transcript records older than a cutoff.
type Pruner interface {
	DeleteMessages(ctx context.Context, conversation string, before time.Time) (int64, error)
}

// Scheduler runs the transcript retention job on a cron schedule.
type Scheduler struct {
	pruner Pruner
	keep   time.Duration
	log    zerolog.Logger
	now    func() time.Time
	// OnPruned, when set, is called after every run that deleted rows.
	OnPruned func(deleted int64, before time.Time)

	cron *cron.Cron
}

// New returns a scheduler keeping retentionDays of transcript. It returns
// nil when retentionDays <= 0.
func New(pruner Pruner, retentionDays int, log zerolog.Logger) *Scheduler {
	if retentionDays <= 0 {
		return nil
	}
	log = log.With().Str("component", "retention").Logger()
	return &Scheduler{
		pruner: pruner,
		keep:   time.Duration(retentionDays) * 24 * time.Hour,
		log:    log,
		now:    time.Now,
		cron:   cron.New(cron.WithLogger(cronLogger{log: log})),
	}
}

// Start registers the job under schedule (standard cron syntax or @descriptors)
// and starts the scheduler.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = "@daily"
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info().Str("schedule", schedule).Dur("keep", s.keep).Msg("retention scheduled")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce deletes records older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.keep)
	n, err := s.pruner.DeleteMessages(ctx, "", before)
	if err != nil {
		s.log.Error().Err(err).Str("op", "prune").Msg("transcript prune failed")
		return 0, err
	}
	s.log.Info().Int64("deleted", n).Time("before", before).Msg("transcript pruned")
	if n > 0 && s.OnPruned != nil {
		s.OnPruned(n, before)
	}
	return n, nil
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

var _ cron.Logger = cronLogger{}
