package chat

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Client is the chat client capability consumed by the ingestion loop.
type Client interface {
	Watch(ctx context.Context, conversation string) error
	Unwatch(ctx context.Context, conversation string) error
	// Poll returns the new messages per watched conversation since the last call.
	Poll(ctx context.Context) (map[string][]Message, error)
	Send(ctx context.Context, conversation string, text string) error
}

// Message is a raw message as reported by the chat client.
type Message struct {
	// ID is the client's native message id, if it has one.
	ID      string
	Sender  string
	Content string
}

// InboundMessage is a polled message bound to its conversation and the
// instant the loop observed it. It is never mutated after construction.
type InboundMessage struct {
	ID           string
	Sender       string
	Text         string
	Conversation string
	ObservedAt   time.Time
}

// Inbound binds a raw message to its conversation.
func Inbound(conversation string, m Message, observedAt time.Time) InboundMessage {
	return InboundMessage{
		ID:           m.ID,
		Sender:       m.Sender,
		Text:         m.Content,
		Conversation: conversation,
		ObservedAt:   observedAt,
	}
}

// ErrClientClosed reports that the chat client's host window or process is gone.
var ErrClientClosed = errors.New("chat client closed")

// closedSignatures are error texts raised by desktop automation bridges when
// the host window has been closed underneath them.
var closedSignatures = []string{
	"事件无法调用任何订户",
	"-2147220991",
}

// IsClientClosed reports whether err means the chat client is gone for good.
func IsClientClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientClosed) {
		return true
	}
	msg := err.Error()
	for _, sig := range closedSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
