package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is the surface a UI attaches to.
type Notifier interface {
	OnMessage(sender, content string, isReply bool)
	OnServiceStatusChanged(running bool)
}

type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// Event is one notification delivered through Channel.
type Event struct {
	Type    EventType
	At      time.Time
	Sender  string
	Content string
	IsReply bool
	Running bool
}

// Channel delivers notifications as Events on a buffered channel. When the
// buffer is full message events are dropped; status events always block
// until delivered or the channel is closed.
type Channel struct {
	mu     sync.RWMutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
	now    func() time.Time
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{ch: make(chan Event, buffer), done: make(chan struct{}), now: time.Now}
}

// Events returns the receive side.
func (c *Channel) Events() <-chan Event { return c.ch }

func (c *Channel) OnMessage(sender, content string, isReply bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- Event{Type: EventMessage, At: c.now(), Sender: sender, Content: content, IsReply: isReply}:
	default:
	}
}

func (c *Channel) OnServiceStatusChanged(running bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- Event{Type: EventStatus, At: c.now(), Running: running}:
	case <-c.done:
	}
}

// Close closes the event channel. Later notifications are discarded.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) OnMessage(sender, content string, isReply bool) {
	l.Logger.Info().Str("sender", sender).Bool("reply", isReply).Str("content", content).Msg("message")
}

func (l Log) OnServiceStatusChanged(running bool) {
	l.Logger.Info().Bool("running", running).Msg("service status changed")
}

// Multi fans notifications out to every notifier in order.
type Multi []Notifier

func (m Multi) OnMessage(sender, content string, isReply bool) {
	for _, n := range m {
		n.OnMessage(sender, content, isReply)
	}
}

func (m Multi) OnServiceStatusChanged(running bool) {
	for _, n := range m {
		n.OnServiceStatusChanged(running)
	}
}

// Nop discards every notification.
type Nop struct{}

func (Nop) OnMessage(string, string, bool) {}
func (Nop) OnServiceStatusChanged(bool)    {}
