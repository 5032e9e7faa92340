package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPrompt(p string) func() string {
	return func() string { return p }
}

func TestStore_GetSeedsSystemEntry(t *testing.T) {
	s := NewStore(fixedPrompt("be brief"), 0)

	h := s.Get("team")
	require.Len(t, h, 1)
	assert.Equal(t, Entry{Role: RoleSystem, Content: "be brief"}, h[0])
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(fixedPrompt("p"), 0)
	h := s.Get("team")
	h[0].Content = "mutated"

	assert.Equal(t, "p", s.Get("team")[0].Content)
}

func TestStore_AppendCapsLength(t *testing.T) {
	s := NewStore(fixedPrompt("sys"), DefaultMaxExchanges)

	for i := 0; i < 25; i++ {
		s.Append("team", RoleUser, fmt.Sprintf("q%d", i))
		s.Append("team", RoleAssistant, fmt.Sprintf("a%d", i))

		h := s.Get("team")
		require.LessOrEqual(t, len(h), 11)
		require.Equal(t, RoleSystem, h[0].Role)
		for _, e := range h[1:] {
			require.NotEqual(t, RoleSystem, e.Role)
		}
	}

	h := s.Get("team")
	require.Len(t, h, 11)
	assert.Equal(t, "q20", h[1].Content)
	assert.Equal(t, "a24", h[10].Content)
}

func TestStore_ClearUsesCurrentPrompt(t *testing.T) {
	prompt := "old"
	s := NewStore(func() string { return prompt }, 0)
	s.Append("team", RoleUser, "hello")
	require.Equal(t, "old", s.Get("team")[0].Content)

	prompt = "new"
	s.Clear("team")

	h := s.Get("team")
	require.Len(t, h, 1)
	assert.Equal(t, Entry{Role: RoleSystem, Content: "new"}, h[0])
}

func TestStore_ForgetAndReset(t *testing.T) {
	s := NewStore(fixedPrompt("p"), 0)
	s.Append("a", RoleUser, "x")
	s.Append("b", RoleUser, "y")

	s.Forget("a")
	assert.Equal(t, 0, s.Len("a"))
	assert.Equal(t, 2, s.Len("b"))

	s.Reset()
	assert.Equal(t, 0, s.Len("b"))
}

func TestStore_AppendIfSkipsAfterWipe(t *testing.T) {
	s := NewStore(fixedPrompt("p"), 0)

	gen := s.Append("team", RoleUser, "q1")
	require.True(t, s.AppendIf("team", gen, RoleAssistant, "a1"))
	assert.Equal(t, 3, s.Len("team"))

	wipes := map[string]func(){
		"clear":  func() { s.Clear("team") },
		"forget": func() { s.Forget("team") },
		"reset":  s.Reset,
	}
	for name, wipe := range wipes {
		t.Run(name, func(t *testing.T) {
			gen := s.Append("team", RoleUser, "q")
			wipe()

			assert.False(t, s.AppendIf("team", gen, RoleAssistant, "late"))
			for _, e := range s.Get("team") {
				assert.NotEqual(t, RoleAssistant, e.Role)
			}
		})
	}
}

func TestStore_WipeLeavesOtherGenerations(t *testing.T) {
	s := NewStore(fixedPrompt("p"), 0)
	genA := s.Append("a", RoleUser, "x")
	genB := s.Append("b", RoleUser, "y")

	s.Clear("a")

	assert.False(t, s.AppendIf("a", genA, RoleAssistant, "r"))
	assert.True(t, s.AppendIf("b", genB, RoleAssistant, "r"))
	assert.Equal(t, []Entry{
		{Role: RoleSystem, Content: "p"},
		{Role: RoleUser, Content: "y"},
		{Role: RoleAssistant, Content: "r"},
	}, s.Get("b"))
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := NewStore(fixedPrompt("p"), 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conv := fmt.Sprintf("c%d", n%2)
			for j := 0; j < 50; j++ {
				s.Append(conv, RoleUser, "m")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 11, s.Len("c0"))
	assert.Equal(t, 11, s.Len("c1"))
}

func TestLatestUser(t *testing.T) {
	entries := []Entry{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "r"},
		{Role: RoleUser, Content: "second"},
	}
	got, ok := LatestUser(entries)
	require.True(t, ok)
	assert.Equal(t, "second", got)

	_, ok = LatestUser(entries[:1])
	assert.False(t, ok)
}
