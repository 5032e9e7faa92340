package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/stupiduntilnot/groupbot/internal/chat"
	"github.com/stupiduntilnot/groupbot/internal/control"
	"github.com/stupiduntilnot/groupbot/internal/db"
	"github.com/stupiduntilnot/groupbot/internal/dedup"
	"github.com/stupiduntilnot/groupbot/internal/dispatch"
	"github.com/stupiduntilnot/groupbot/internal/notify"
	"github.com/stupiduntilnot/groupbot/internal/registry"
	"github.com/stupiduntilnot/groupbot/internal/trigger"
)

// State is the loop's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
)

// Dispatcher is the model-call surface the loop needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload, conversation, modelID string) (string, error)
	Clear(conversation string)
	Forget(conversation string)
	Reset()
}

// Transcript receives one record per handled message. Implementations log
// their own failures.
type Transcript interface {
	Record(ctx context.Context, rec db.TranscriptRecord)
}

// EventLog appends to the structured event log.
type EventLog interface {
	Log(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Options wires a Loop. Client, Registry and Dispatcher are required.
type Options struct {
	Client     chat.Client
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Transcript Transcript
	Events     EventLog
	Notifier   notify.Notifier
	Matcher    *trigger.Matcher

	// TriggerWord and Model are read per message so configuration edits
	// apply without a restart.
	TriggerWord func() string
	Model       func() string

	Policy control.Policy
	// DedupBucket is the time quantum folded into content fingerprints;
	// zero means content-only dedup.
	DedupBucket time.Duration
	// BotName is the bot's own display name; its messages are ignored.
	BotName string
	Log     zerolog.Logger
}

// Loop polls the chat client and answers triggered messages.
type Loop struct {
	client     chat.Client
	registry   *registry.Registry
	dispatcher Dispatcher
	transcript Transcript
	events     EventLog
	notifier   notify.Notifier
	matcher    *trigger.Matcher
	trigger    func() string
	model      func() string
	policy     control.Policy
	bucket     time.Duration
	botName    string
	log        zerolog.Logger
	now        func() time.Time

	sem *semaphore.Weighted

	mu      sync.Mutex
	state   State
	session *session
	windows map[string]*dedup.Window

	laneMu sync.Mutex
	lanes  map[string]*lane
	// inflight tracks lane goroutines.
	inflight sync.WaitGroup
}

type session struct {
	cancel  context.CancelFunc
	done    chan struct{}
	eventID *int64
	// stopRequested is set under Loop.mu by Stop; the poll goroutine then
	// leaves teardown to Stop.
	stopRequested bool
}

type lane struct {
	queue []job
}

type job struct {
	msg     chat.InboundMessage
	payload string
	traceID string
	parent  *int64
}

// New builds a stopped Loop.
func New(opts Options) *Loop {
	policy := opts.Policy.Normalize()
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher = trigger.NewMatcher()
	}
	triggerWord := opts.TriggerWord
	if triggerWord == nil {
		triggerWord = func() string { return "" }
	}
	modelID := opts.Model
	if modelID == nil {
		modelID = func() string { return "" }
	}
	return &Loop{
		client:     opts.Client,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		transcript: opts.Transcript,
		events:     opts.Events,
		notifier:   notifier,
		matcher:    matcher,
		trigger:    triggerWord,
		model:      modelID,
		policy:     policy,
		bucket:     opts.DedupBucket,
		botName:    opts.BotName,
		log:        opts.Log.With().Str("component", "service").Logger(),
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(policy.Workers)),
		state:      StateStopped,
		windows:    make(map[string]*dedup.Window),
		lanes:      make(map[string]*lane),
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start watches every registered conversation and starts polling. On a watch
// failure the loop stays stopped. Cancelling ctx stops the loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return ErrAlreadyRunning
	}
	if err := l.registry.WatchAll(ctx); err != nil {
		l.log.Error().Err(err).Str("op", "start").Msg("watch failed; staying stopped")
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{cancel: cancel, done: make(chan struct{})}
	groups := l.registry.List()
	sess.eventID = l.logEvent(nil, db.EventServiceStarted, map[string]any{
		"groups":        groups,
		"poll_interval": l.policy.PollInterval.String(),
		"workers":       l.policy.Workers,
	})
	l.session = sess
	l.state = StateRunning

	l.inflight.Add(1)
	go l.run(sessCtx, sess)

	l.log.Info().Strs("groups", groups).Msg("service started")
	l.notifier.OnServiceStatusChanged(true)
	return nil
}

// Stop ends the session. In-flight dispatches finish and their replies are
// still sent. It reports false when the loop was not running.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return false
	}
	l.state = StateStopping
	sess := l.session
	sess.stopRequested = true
	l.mu.Unlock()

	sess.cancel()
	<-sess.done
	l.teardown(sess, db.EventServiceStopped, nil)
	return true
}

// Wait blocks until the poll goroutine and every queued dispatch have
// finished. Call it after Stop.
func (l *Loop) Wait() {
	l.inflight.Wait()
}

// AddConversation registers and watches name. An error wrapping
// registry.ErrPersist leaves name registered and watched.
func (l *Loop) AddConversation(ctx context.Context, name string) error {
	err := l.registry.Add(ctx, name)
	if err != nil && !errors.Is(err, registry.ErrPersist) {
		return err
	}
	l.logEvent(l.sessionEventID(), db.EventConversationAdded, map[string]any{"conversation": name})
	return err
}

// RemoveConversation unregisters name and drops its working state. The chat
// client is asked to unwatch it on a best-effort basis.
func (l *Loop) RemoveConversation(ctx context.Context, name string) error {
	regErr := l.registry.Remove(name)
	if regErr != nil && !errors.Is(regErr, registry.ErrPersist) {
		return regErr
	}
	l.mu.Lock()
	delete(l.windows, name)
	l.mu.Unlock()
	l.dispatcher.Forget(name)
	if err := l.client.Unwatch(ctx, name); err != nil {
		l.log.Debug().Err(err).Str("conversation", name).Str("op", "unwatch").Msg("unwatch failed")
	}
	l.logEvent(l.sessionEventID(), db.EventConversationRemoved, map[string]any{"conversation": name})
	return regErr
}

// Conversations lists the registered conversations, sorted.
func (l *Loop) Conversations() []string {
	return l.registry.List()
}

// ClearHistory resets name's history to the current system prompt.
func (l *Loop) ClearHistory(name string) {
	l.dispatcher.Clear(name)
}

func (l *Loop) run(ctx context.Context, sess *session) {
	defer l.inflight.Done()
	err := l.poll(ctx, sess)
	close(sess.done)

	l.mu.Lock()
	if l.session != sess || sess.stopRequested {
		l.mu.Unlock()
		return
	}
	l.state = StateStopping
	l.mu.Unlock()

	if err != nil {
		l.teardown(sess, db.EventServiceFatal, map[string]any{"error": err.Error()})
		return
	}
	// The context passed to Start was cancelled.
	l.teardown(sess, db.EventServiceStopped, nil)
}

// poll runs until ctx is done or the chat client is closed, in which case
// the closing error is returned.
func (l *Loop) poll(ctx context.Context, sess *session) error {
	for {
		polled, err := l.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			kind := control.Classify(err, control.KindTransientPoll)
			if kind == control.KindClientClosed {
				l.log.Error().Err(err).Str("op", "poll").Str("kind", string(kind)).Msg("chat client closed; stopping")
				return err
			}
			l.log.Warn().Err(err).Str("op", "poll").Str("kind", string(kind)).Msg("poll failed; backing off")
			if !wait(ctx, control.Backoff(l.policy, err)) {
				return nil
			}
			continue
		}
		l.ingest(ctx, polled, sess)
		if !wait(ctx, l.policy.PollInterval) {
			return nil
		}
	}
}

func (l *Loop) teardown(sess *session, eventType string, payload map[string]any) {
	// Unwatch uses a fresh context; the session context is already cancelled.
	ctx := context.Background()
	for _, name := range l.registry.List() {
		if err := l.client.Unwatch(ctx, name); err != nil {
			l.log.Debug().Err(err).Str("conversation", name).Str("op", "unwatch").Msg("unwatch failed")
		}
	}
	l.dispatcher.Reset()

	l.mu.Lock()
	l.windows = make(map[string]*dedup.Window)
	l.session = nil
	l.state = StateStopped
	l.mu.Unlock()

	l.logEvent(sess.eventID, eventType, payload)
	l.log.Info().Str("reason", eventType).Msg("service stopped")
	l.notifier.OnServiceStatusChanged(false)
}

func (l *Loop) ingest(ctx context.Context, polled map[string][]chat.Message, sess *session) {
	observed := l.now()
	for conv, msgs := range polled {
		if !l.registry.Has(conv) {
			continue
		}
		win := l.window(conv)
		for _, m := range msgs {
			in := chat.Inbound(conv, m, observed)
			if !win.CheckAndRecord(dedup.Fingerprint(in, l.bucket)) {
				continue
			}
			if l.botName != "" && in.Sender == l.botName {
				continue
			}
			payload, ok := l.matcher.Match(in.Sender, in.Text, l.trigger())
			if !ok {
				continue
			}
			traceID := uuid.NewString()
			l.log.Info().
				Str("conversation", conv).
				Str("sender", in.Sender).
				Str("trace_id", traceID).
				Msg("triggered")
			l.notifier.OnMessage(in.Sender, payload, false)
			parent := l.logEvent(sess.eventID, db.EventMessageReceived, map[string]any{
				"conversation": conv,
				"sender":       in.Sender,
				"trace_id":     traceID,
			})
			l.enqueue(ctx, job{msg: in, payload: payload, traceID: traceID, parent: parent})
		}
	}
}

func (l *Loop) window(conv string) *dedup.Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[conv]
	if !ok {
		w = dedup.NewWindow(dedup.DefaultCapacity, dedup.DefaultRetain)
		l.windows[conv] = w
	}
	return w
}

// enqueue appends j to its conversation's lane, starting the lane worker when
// idle. A lane runs its jobs one at a time, in order, and outlives ctx's
// cancellation so Stop never abandons a dispatch.
func (l *Loop) enqueue(ctx context.Context, j job) {
	conv := j.msg.Conversation
	l.laneMu.Lock()
	defer l.laneMu.Unlock()
	if ln, ok := l.lanes[conv]; ok {
		ln.queue = append(ln.queue, j)
		return
	}
	l.lanes[conv] = &lane{queue: []job{j}}
	l.inflight.Add(1)
	go l.drain(context.WithoutCancel(ctx), conv)
}

func (l *Loop) drain(ctx context.Context, conv string) {
	defer l.inflight.Done()
	for {
		l.laneMu.Lock()
		ln := l.lanes[conv]
		if len(ln.queue) == 0 {
			delete(l.lanes, conv)
			l.laneMu.Unlock()
			return
		}
		j := ln.queue[0]
		ln.queue = ln.queue[1:]
		l.laneMu.Unlock()

		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.log.Error().Err(err).Str("conversation", conv).Msg("acquire worker slot")
			continue
		}
		l.handle(ctx, j)
		l.sem.Release(1)
	}
}

func (l *Loop) handle(ctx context.Context, j job) {
	conv := j.msg.Conversation
	modelID := l.model()
	log := l.log.With().
		Str("conversation", conv).
		Str("model", modelID).
		Str("trace_id", j.traceID).
		Logger()

	reply, err := l.dispatcher.Dispatch(ctx, j.payload, conv, modelID)
	mark := ""
	if err != nil {
		mark = db.MarkError
		reply = dispatch.Apology(err)
		log.Warn().Err(err).Str("op", "dispatch").Str("kind", string(control.Classify(err, control.KindDispatch))).Msg("dispatch failed")
		l.logEvent(j.parent, db.EventDispatchFailed, map[string]any{"error": err.Error(), "model": modelID})
	}

	if sendErr := l.client.Send(ctx, conv, reply); sendErr != nil {
		log.Warn().Err(sendErr).Str("op", "send").Str("kind", string(control.Classify(sendErr, control.KindPerMessage))).Msg("reply not delivered")
		l.logEvent(j.parent, db.EventReplyFailed, map[string]any{"error": sendErr.Error()})
		mark = db.MarkError
	} else {
		l.logEvent(j.parent, db.EventReplySent, map[string]any{"chars": len([]rune(reply)), "model": modelID})
		l.notifier.OnMessage(l.replySender(), reply, true)
	}

	if l.transcript != nil {
		l.transcript.Record(ctx, db.TranscriptRecord{
			TraceID:      j.traceID,
			SenderID:     j.msg.Sender,
			SenderName:   j.msg.Sender,
			Conversation: conv,
			Message:      j.payload,
			Reply:        reply,
			Model:        modelID,
			Mark:         mark,
		})
	}
}

func (l *Loop) replySender() string {
	if l.botName != "" {
		return l.botName
	}
	return trigger.FallbackName
}

func (l *Loop) sessionEventID() *int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.session.eventID
}

// logEvent records an event and returns its id, or nil when the event log is
// absent or the write failed.
func (l *Loop) logEvent(parent *int64, eventType string, payload map[string]any) *int64 {
	if l.events == nil {
		return nil
	}
	id, err := l.events.Log(parent, eventType, payload)
	if err != nil {
		l.log.Warn().Err(err).Str("event", eventType).Msg("failed to log event")
		return nil
	}
	return &id
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
