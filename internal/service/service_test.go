package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stupiduntilnot/groupbot/internal/chat"
	"github.com/stupiduntilnot/groupbot/internal/control"
	"github.com/stupiduntilnot/groupbot/internal/db"
	"github.com/stupiduntilnot/groupbot/internal/dispatch"
	"github.com/stupiduntilnot/groupbot/internal/dummy"
	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	statuses []bool
	messages []string
}

func (r *recorder) OnMessage(sender, content string, isReply bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, fmt.Sprintf("%s|%s|%t", sender, content, isReply))
}

func (r *recorder) OnServiceStatusChanged(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, running)
}

func (r *recorder) Statuses() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.statuses...)
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type harness struct {
	loop       *Loop
	client     *dummy.Client
	backend    *dummy.Backend
	history    *history.Store
	transcript *db.Transcript
	db         *sql.DB
	notes      *recorder
}

func newHarness(t *testing.T, pollScript, backendScript string) *harness {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "groupbot.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))

	client, err := dummy.NewClient(pollScript, "")
	require.NoError(t, err)
	backend, err := dummy.NewBackend(backendScript)
	require.NoError(t, err)

	store := history.NewStore(func() string { return "sys" }, 0)
	d := dispatch.New(store, func() string { return "stub" }, zerolog.Nop())
	d.Register("stub", backend)

	h := &harness{
		client:     client,
		backend:    backend,
		history:    store,
		transcript: db.NewTranscript(database, zerolog.Nop()),
		db:         database,
		notes:      &recorder{},
	}
	h.loop = New(Options{
		Client:      client,
		Registry:    registry.New(client, nil, []string{"team"}, zerolog.Nop()),
		Dispatcher:  d,
		Transcript:  h.transcript,
		Events:      db.EventLog{DB: database},
		Notifier:    h.notes,
		TriggerWord: func() string { return "AI" },
		Model:       func() string { return "stub" },
		Policy:      control.Policy{PollInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond, Workers: 2},
		BotName:     "VictorAI",
		Log:         zerolog.Nop(),
	})
	t.Cleanup(func() {
		h.loop.Stop()
		h.loop.Wait()
		database.Close()
	})
	return h
}

func (h *harness) waitSent(t *testing.T, n int) []dummy.Sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.client.SentMessages()) >= n }, waitFor, tick)
	return h.client.SentMessages()
}

// waitPolls lets the loop run n more poll cycles.
func (h *harness) waitPolls(t *testing.T, n int) {
	t.Helper()
	start := h.client.Polls()
	require.Eventually(t, func() bool { return h.client.Polls() >= start+n }, waitFor, tick)
}

func (h *harness) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n))
	return n
}

func TestLoop_AnswersTriggeredMessage(t *testing.T) {
	h := newHarness(t, "", "msg:hi")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI hello"})
	require.NoError(t, h.loop.Start(context.Background()))
	assert.Equal(t, StateRunning, h.loop.State())

	sent := h.waitSent(t, 1)
	assert.Equal(t, []dummy.Sent{{Conversation: "team", Text: "hi"}}, sent)
	assert.Equal(t, 3, h.history.Len("team"))

	calls := h.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, history.Entry{Role: history.RoleUser, Content: "hello"}, calls[0][len(calls[0])-1])

	require.True(t, h.loop.Stop())
	h.loop.Wait()

	recs, err := h.transcript.ListMessages(context.Background(), "team", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].SenderName)
	assert.Equal(t, "hello", recs[0].Message)
	assert.Equal(t, "hi", recs[0].Reply)
	assert.Equal(t, "stub", recs[0].Model)
	assert.Empty(t, recs[0].Mark)
	assert.NotEmpty(t, recs[0].TraceID)

	assert.Equal(t, []string{"alice|hello|false", "VictorAI|hi|true"}, h.notes.Messages())
	assert.Equal(t, []bool{true, false}, h.notes.Statuses())
	assert.Equal(t, 1, h.countEvents(t, db.EventReplySent))
	assert.Equal(t, 1, h.countEvents(t, db.EventServiceStopped))
}

func TestLoop_DuplicateNotRedispatched(t *testing.T) {
	h := newHarness(t, "", "echo")
	require.NoError(t, h.loop.Start(context.Background()))

	h.client.Push("team", chat.Message{ID: "7", Sender: "alice", Content: "@AI once"})
	h.waitSent(t, 1)

	h.client.Push("team", chat.Message{ID: "7", Sender: "alice", Content: "@AI once"})
	h.waitPolls(t, 3)

	assert.Len(t, h.backend.Calls(), 1)
	assert.Len(t, h.client.SentMessages(), 1)
}

func TestLoop_SamePollDuplicatesCollapse(t *testing.T) {
	h := newHarness(t, "", "echo")
	msg := chat.Message{Sender: "alice", Content: "@AI twice"}
	h.client.Push("team", msg, msg)
	require.NoError(t, h.loop.Start(context.Background()))

	h.waitSent(t, 1)
	h.waitPolls(t, 3)
	assert.Len(t, h.backend.Calls(), 1)
}

func TestLoop_SkipsUntriggeredReservedAndSelf(t *testing.T) {
	h := newHarness(t, "", "echo")
	h.client.Push("team",
		chat.Message{Sender: "alice", Content: "just chatting"},
		chat.Message{Sender: "VictorAI", Content: "@AI talking to myself"},
		chat.Message{Sender: "SYS", Content: "@AI banner"},
		chat.Message{Sender: "bob", Content: "@AI"},
	)
	require.NoError(t, h.loop.Start(context.Background()))
	h.waitPolls(t, 3)

	assert.Empty(t, h.backend.Calls())
	assert.Empty(t, h.client.SentMessages())
}

func TestLoop_IgnoresUnregisteredConversation(t *testing.T) {
	h := newHarness(t, "", "echo")
	require.NoError(t, h.client.Watch(context.Background(), "stray"))
	h.client.Push("stray", chat.Message{Sender: "alice", Content: "@AI hi"})
	require.NoError(t, h.loop.Start(context.Background()))
	h.waitPolls(t, 3)

	assert.Empty(t, h.backend.Calls())
}

func TestLoop_DispatchFailureSendsApology(t *testing.T) {
	h := newHarness(t, "", "empty")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI hello"})
	require.NoError(t, h.loop.Start(context.Background()))

	sent := h.waitSent(t, 1)
	assert.Equal(t, "AI 没有返回有效结果，请稍后再试", sent[0].Text)
	// The user entry survives a failed call.
	assert.Equal(t, 2, h.history.Len("team"))

	h.loop.Stop()
	h.loop.Wait()
	recs, err := h.transcript.ListMessages(context.Background(), "team", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, db.MarkError, recs[0].Mark)
	assert.Equal(t, 1, h.countEvents(t, db.EventDispatchFailed))
}

func TestLoop_PerConversationOrder(t *testing.T) {
	h := newHarness(t, "", "echo")
	h.client.Push("team",
		chat.Message{ID: "1", Sender: "alice", Content: "@AI one"},
		chat.Message{ID: "2", Sender: "alice", Content: "@AI two"},
		chat.Message{ID: "3", Sender: "alice", Content: "@AI three"},
	)
	require.NoError(t, h.loop.Start(context.Background()))

	sent := h.waitSent(t, 3)
	var texts []string
	for _, s := range sent {
		texts = append(texts, s.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestLoop_StopWhileDispatchPending(t *testing.T) {
	h := newHarness(t, "", "sleep:150")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI slow"})
	require.NoError(t, h.loop.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.backend.Calls()) == 1 }, waitFor, tick)
	require.True(t, h.loop.Stop())
	assert.Equal(t, StateStopped, h.loop.State())
	assert.Contains(t, h.client.Unwatched(), "team")

	h.loop.Wait()
	assert.Equal(t, []dummy.Sent{{Conversation: "team", Text: "dummy-after-sleep"}}, h.client.SentMessages())
	assert.Equal(t, []bool{true, false}, h.notes.Statuses())

	// The late reply reaches the group and the transcript but not the wiped history.
	assert.Equal(t, 0, h.history.Len("team"))
	recs, err := h.transcript.ListMessages(context.Background(), "team", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "slow", recs[0].Message)
	assert.Equal(t, "dummy-after-sleep", recs[0].Reply)
}

func TestLoop_ClearHistoryWhileDispatchPending(t *testing.T) {
	h := newHarness(t, "", "sleep:150")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI slow"})
	require.NoError(t, h.loop.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.backend.Calls()) == 1 }, waitFor, tick)
	h.loop.ClearHistory("team")
	h.waitSent(t, 1)

	assert.Equal(t, []history.Entry{{Role: history.RoleSystem, Content: "sys"}}, h.history.Get("team"))
}

func TestLoop_FatalPollNotifiesOnce(t *testing.T) {
	h := newHarness(t, "closed", "echo")
	require.NoError(t, h.loop.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.notes.Statuses()) == 2 }, waitFor, tick)
	h.loop.Wait()

	assert.Equal(t, StateStopped, h.loop.State())
	assert.False(t, h.loop.Stop())
	assert.Equal(t, []bool{true, false}, h.notes.Statuses())
	assert.Equal(t, 1, h.client.Polls())
	assert.Equal(t, 1, h.countEvents(t, db.EventServiceFatal))
	assert.Contains(t, h.client.Unwatched(), "team")
}

func TestLoop_TransientPollErrorRetries(t *testing.T) {
	h := newHarness(t, "err:net,err:net,ok", "msg:back")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI there?"})
	require.NoError(t, h.loop.Start(context.Background()))

	h.waitSent(t, 1)
	assert.Equal(t, StateRunning, h.loop.State())
	assert.GreaterOrEqual(t, h.client.Polls(), 3)
}

func TestLoop_ContextCancelStops(t *testing.T) {
	h := newHarness(t, "", "echo")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.loop.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return len(h.notes.Statuses()) == 2 }, waitFor, tick)
	h.loop.Wait()
	assert.Equal(t, StateStopped, h.loop.State())
}

func TestLoop_StartTwice(t *testing.T) {
	h := newHarness(t, "", "echo")
	require.NoError(t, h.loop.Start(context.Background()))
	assert.ErrorIs(t, h.loop.Start(context.Background()), ErrAlreadyRunning)
}

func TestLoop_StartWatchFailureStaysStopped(t *testing.T) {
	h := newHarness(t, "", "echo")
	h.client.FailWatch("team", errors.New("window not found"))

	err := h.loop.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window not found")
	assert.Equal(t, StateStopped, h.loop.State())
	assert.Empty(t, h.notes.Statuses())
	assert.False(t, h.loop.Stop())
}

func TestLoop_StopWhenStopped(t *testing.T) {
	h := newHarness(t, "", "echo")
	assert.False(t, h.loop.Stop())
}

func TestLoop_AddRemoveConversation(t *testing.T) {
	h := newHarness(t, "", "echo")
	ctx := context.Background()
	require.NoError(t, h.loop.Start(ctx))

	require.NoError(t, h.loop.AddConversation(ctx, "ops"))
	assert.Equal(t, []string{"ops", "team"}, h.loop.Conversations())
	assert.Contains(t, h.client.Watched(), "ops")
	assert.ErrorIs(t, h.loop.AddConversation(ctx, "ops"), registry.ErrAlreadyWatched)

	h.client.Push("ops", chat.Message{Sender: "alice", Content: "@AI ops question"})
	h.waitSent(t, 1)
	require.Equal(t, 3, h.history.Len("ops"))

	require.NoError(t, h.loop.RemoveConversation(ctx, "ops"))
	assert.Equal(t, []string{"team"}, h.loop.Conversations())
	assert.Contains(t, h.client.Unwatched(), "ops")
	assert.Equal(t, 0, h.history.Len("ops"))
	assert.ErrorIs(t, h.loop.RemoveConversation(ctx, "ops"), registry.ErrNotWatched)

	assert.Equal(t, 1, h.countEvents(t, db.EventConversationAdded))
	assert.Equal(t, 1, h.countEvents(t, db.EventConversationRemoved))
}

func TestLoop_AddConversationWatchFailure(t *testing.T) {
	h := newHarness(t, "", "echo")
	h.client.FailWatch("ghost", errors.New("no such window"))

	err := h.loop.AddConversation(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, []string{"team"}, h.loop.Conversations())
}

func TestLoop_ClearHistory(t *testing.T) {
	h := newHarness(t, "", "echo")
	h.client.Push("team", chat.Message{Sender: "alice", Content: "@AI remember me"})
	require.NoError(t, h.loop.Start(context.Background()))
	h.waitSent(t, 1)
	require.Equal(t, 3, h.history.Len("team"))

	h.loop.ClearHistory("team")
	assert.Equal(t, 1, h.history.Len("team"))
}

func TestLoop_StopClearsWorkingState(t *testing.T) {
	h := newHarness(t, "", "echo")
	msg := chat.Message{ID: "9", Sender: "alice", Content: "@AI again"}
	h.client.Push("team", msg)
	ctx := context.Background()
	require.NoError(t, h.loop.Start(ctx))
	h.waitSent(t, 1)

	require.True(t, h.loop.Stop())
	h.loop.Wait()
	assert.Equal(t, 0, h.history.Len("team"))

	// The dedup window was dropped, so the same id is answered again.
	h.client.Push("team", msg)
	require.NoError(t, h.loop.Start(ctx))
	h.waitSent(t, 2)
	assert.Equal(t, []bool{true, false, true}, h.notes.Statuses())
}
