package control

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stupiduntilnot/groupbot/internal/chat"
)

type kindErr struct{}

func (kindErr) Error() string { return "dispatch failed" }
func (kindErr) Kind() Kind    { return KindDispatch }

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		fallback Kind
		want     Kind
	}{
		{"nil", nil, KindTransientPoll, ""},
		{"client closed sentinel", fmt.Errorf("poll: %w", chat.ErrClientClosed), KindTransientPoll, KindClientClosed},
		{"client closed signature", errors.New("COM error -2147220991"), KindTransientPoll, KindClientClosed},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), KindTransientPoll, KindCanceled},
		{"self classified", fmt.Errorf("wrap: %w", kindErr{}), KindPerMessage, KindDispatch},
		{"generic poll", errors.New("timeout"), KindTransientPoll, KindTransientPoll},
		{"generic message", errors.New("send failed"), KindPerMessage, KindPerMessage},
	}
	for _, c := range cases {
		if got := Classify(c.err, c.fallback); got != c.want {
			t.Fatalf("%s: got=%q want=%q", c.name, got, c.want)
		}
	}
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{Workers: 2}.Normalize()
	if p.PollInterval != 2*time.Second || p.ErrorBackoff != 5*time.Second || p.Workers != 2 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	if got := Backoff(p, nil); got != p.PollInterval {
		t.Fatalf("got %s want %s", got, p.PollInterval)
	}
	if got := Backoff(p, errors.New("x")); got != p.ErrorBackoff {
		t.Fatalf("got %s want %s", got, p.ErrorBackoff)
	}
}
