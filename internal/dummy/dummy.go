package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/groupbot/internal/chat"
	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

// DefaultSender is the sender of scripted msg/msgb64 messages.
const DefaultSender = "dummy-user"

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch token {
		case "ok", "closed", "empty", "echo":
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "ok", "err", "sleep", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action; the last one repeats once the script runs out.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decode(a action) (string, error) {
	if a.kind != "msgb64" {
		return a.arg, nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.arg)
	if err != nil {
		return "", fmt.Errorf("dummy msgb64 decode failed: %w", err)
	}
	return string(raw), nil
}

// Sent is a message delivered through Client.Send.
type Sent struct {
	Conversation string
	Text         string
}

// Client is a scripted chat client. Poll actions: ok, err:<class>, closed,
// sleep:<ms>, msg:<text>, msgb64:<base64>. Scripted messages go to the first
// watched conversation (sorted). Send actions: ok, err:<class>, sleep:<ms>.
type Client struct {
	mu        sync.Mutex
	poll      *scriptRunner
	send      *scriptRunner
	watched   map[string]bool
	failWatch map[string]error
	pending   map[string][]chat.Message
	sent      []Sent
	unwatched []string
	polls     int
}

func NewClient(pollScript, sendScript string) (*Client, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Client{
		poll:      poll,
		send:      send,
		watched:   make(map[string]bool),
		failWatch: make(map[string]error),
		pending:   make(map[string][]chat.Message),
	}, nil
}

// FailWatch makes Watch fail for conversation with err.
func (c *Client) FailWatch(conversation string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWatch[conversation] = err
}

// Push queues messages for conversation; the next Poll returns them.
func (c *Client) Push(conversation string, msgs ...chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[conversation] = append(c.pending[conversation], msgs...)
}

func (c *Client) Watch(ctx context.Context, conversation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failWatch[conversation]; err != nil {
		return err
	}
	c.watched[conversation] = true
	return nil
}

func (c *Client) Unwatch(ctx context.Context, conversation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unwatched = append(c.unwatched, conversation)
	if !c.watched[conversation] {
		return fmt.Errorf("dummy client: %s is not watched", conversation)
	}
	delete(c.watched, conversation)
	return nil
}

func (c *Client) Poll(ctx context.Context) (map[string][]chat.Message, error) {
	c.mu.Lock()
	c.polls++
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy client poll error class=%s", emptyAs(a.arg, "chat_client"))
	case "closed":
		return nil, fmt.Errorf("dummy client poll: %w", chat.ErrClientClosed)
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]chat.Message)
	for conv, msgs := range c.pending {
		if c.watched[conv] && len(msgs) > 0 {
			out[conv] = msgs
			delete(c.pending, conv)
		}
	}
	if a.kind == "msg" || a.kind == "msgb64" {
		text, err := decode(a)
		if err != nil {
			return nil, err
		}
		if conv := c.firstWatchedLocked(); conv != "" {
			out[conv] = append(out[conv], chat.Message{Sender: DefaultSender, Content: text})
		}
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, conversation string, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy client send error class=%s", emptyAs(a.arg, "chat_client"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Conversation: conversation, Text: text})
	return nil
}

// SentMessages returns a copy of everything delivered through Send.
func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Watched returns the watched conversations, sorted.
func (c *Client) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.watched))
	for conv := range c.watched {
		out = append(out, conv)
	}
	sort.Strings(out)
	return out
}

// Unwatched returns every conversation Unwatch was called for, in call order.
func (c *Client) Unwatched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unwatched...)
}

// Polls returns how many times Poll was called.
func (c *Client) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func (c *Client) firstWatchedLocked() string {
	first := ""
	for conv := range c.watched {
		if first == "" || conv < first {
			first = conv
		}
	}
	return first
}

// Backend is a scripted model backend. Actions: ok[:<text>], err:<class>,
// sleep:<ms>, msg:<text>, msgb64:<base64>, empty, echo.
type Backend struct {
	mu     sync.Mutex
	script *scriptRunner
	calls  [][]history.Entry
}

func NewBackend(script string) (*Backend, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Backend{script: runner}, nil
}

func (b *Backend) Generate(ctx context.Context, entries []history.Entry) (model.CompletionResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, append([]history.Entry(nil), entries...))
	a := b.script.next()
	b.mu.Unlock()

	switch a.kind {
	case "err":
		return model.CompletionResponse{}, fmt.Errorf("dummy backend error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return model.CompletionResponse{}, err
		}
		return reply("dummy-after-sleep"), nil
	case "msg", "msgb64":
		text, err := decode(a)
		if err != nil {
			return model.CompletionResponse{}, err
		}
		return reply(text), nil
	case "empty":
		return model.CompletionResponse{}, model.ErrEmptyResponse
	case "echo":
		text, _ := history.LatestUser(entries)
		return reply(text), nil
	default:
		return reply(emptyAs(a.arg, "dummy-ok")), nil
	}
}

// Calls returns the histories Generate received, in call order.
func (b *Backend) Calls() [][]history.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]history.Entry(nil), b.calls...)
}

func reply(text string) model.CompletionResponse {
	return model.CompletionResponse{Content: text, InputTokens: 1, OutputTokens: 1}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
