package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_Match(t *testing.T) {
	m := NewMatcher()

	cases := []struct {
		name    string
		sender  string
		text    string
		trigger string
		want    string
		ok      bool
	}{
		{name: "mention", sender: "alice", text: "@AI hello", trigger: "AI", want: "hello", ok: true},
		{name: "mention mid text", sender: "alice", text: "hey @AI what time is it", trigger: "AI", want: "hey  what time is it", ok: true},
		{name: "prefix case folded", sender: "alice", text: "ai tell me a joke", trigger: "AI", want: "ai tell me a joke", ok: true},
		{name: "prefix exact strips", sender: "alice", text: "AI tell me a joke", trigger: "AI", want: "tell me a joke", ok: true},
		{name: "no trigger", sender: "alice", text: "hello there", trigger: "AI", ok: false},
		{name: "contains without mention or prefix", sender: "alice", text: "I like AI", trigger: "AI", ok: false},
		{name: "fallback mention", sender: "alice", text: "@victorAI ping", trigger: "AI", want: "ping", ok: true},
		{name: "fallback mention other case", sender: "alice", text: "@VictorAI ping", trigger: "bot", want: "ping", ok: true},
		{name: "fallback prefix case insensitive", sender: "alice", text: "VICTORAI ping", trigger: "bot", want: "ping", ok: true},
		{name: "empty payload", sender: "alice", text: "  @AI  ", trigger: "AI", ok: false},
		{name: "reserved sys", sender: "SYS", text: "@AI hello", trigger: "AI", ok: false},
		{name: "reserved self", sender: "Self", text: "@AI hello", trigger: "AI", ok: false},
		{name: "banner", sender: "alice", text: "以下为新消息 @AI hello", trigger: "AI", ok: false},
		{name: "empty trigger uses fallback only", sender: "alice", text: "hello", trigger: "", ok: false},
		{name: "empty trigger fallback match", sender: "alice", text: "victorAI hello", trigger: "", want: "hello", ok: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := m.Match(tc.sender, tc.text, tc.trigger)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatcher_MentionAlwaysStripped(t *testing.T) {
	m := NewMatcher()
	for _, trig := range []string{"AI", "bot", "小助手", "x.y"} {
		got, ok := m.Match("alice", "@"+trig+"  question  ", trig)
		assert.True(t, ok, trig)
		assert.Equal(t, "question", got, trig)
	}
}
