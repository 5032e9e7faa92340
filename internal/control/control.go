package control

import (
	"context"
	"errors"
	"time"

	"github.com/stupiduntilnot/groupbot/internal/chat"
)

// Policy defines the loop's pacing and concurrency limits.
type Policy struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// Workers bounds concurrent dispatches across conversations.
	Workers int
}

// DefaultPolicy returns the default loop policy.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval: 2 * time.Second,
		ErrorBackoff: 5 * time.Second,
		Workers:      4,
	}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.ErrorBackoff <= 0 {
		p.ErrorBackoff = d.ErrorBackoff
	}
	if p.Workers <= 0 {
		p.Workers = d.Workers
	}
	return p
}

// Kind classifies an error by how the loop reacts to it.
type Kind string

const (
	// KindTransientPoll: wait ErrorBackoff and poll again.
	KindTransientPoll Kind = "transient_poll"
	// KindClientClosed: the chat client is gone; stop the loop.
	KindClientClosed Kind = "client_closed"
	// KindPerMessage: skip the message and continue.
	KindPerMessage Kind = "per_message"
	// KindDispatch: a model call failed; apologise in the conversation.
	KindDispatch Kind = "dispatch"
	// KindCanceled: the loop is shutting down.
	KindCanceled Kind = "canceled"
)

// Classified is implemented by errors that know their own Kind.
type Classified interface {
	Kind() Kind
}

// Classify maps err to a Kind. fallback is returned for errors that carry no
// more specific signal.
func Classify(err error, fallback Kind) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if chat.IsClientClosed(err) {
		return KindClientClosed
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return fallback
}

// Backoff returns how long to wait before the next poll after err.
func Backoff(p Policy, err error) time.Duration {
	if err == nil {
		return p.PollInterval
	}
	return p.ErrorBackoff
}
