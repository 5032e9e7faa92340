package history

import "sync"

// Role identifies who authored a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single turn in a conversation's rolling transcript.
type Entry struct {
	Role    Role
	Content string
}

// DefaultMaxExchanges is how many user/assistant entries are kept after the
// system entry.
const DefaultMaxExchanges = 10

// Store holds one bounded rolling history per conversation. Every history
// starts with exactly one system entry seeded from Prompt.
type Store struct {
	// Prompt returns the system prompt in effect right now.
	Prompt func() string

	compressor SimpleCompressor

	mu      sync.Mutex
	entries map[string][]Entry
	// gens holds the generation of each conversation wiped since the last
	// Reset. Conversations without an entry are at base.
	gens map[string]uint64
	base uint64
	seq  uint64
}

// NewStore creates a store keeping the system entry plus maxExchanges entries.
func NewStore(prompt func() string, maxExchanges int) *Store {
	if maxExchanges <= 0 {
		maxExchanges = DefaultMaxExchanges
	}
	return &Store{
		Prompt:     prompt,
		compressor: SimpleCompressor{MaxMessages: maxExchanges},
		entries:    make(map[string][]Entry),
		gens:       make(map[string]uint64),
	}
}

// Get returns a copy of the conversation's history, seeding it on first access.
func (s *Store) Get(conversation string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.getLocked(conversation)
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}

// Append adds an entry and enforces the cap: entry[0] stays, the oldest
// user/assistant entries are dropped first. It returns the conversation's
// generation at the time of the append.
func (s *Store) Append(conversation string, role Role, content string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(conversation, role, content)
	return s.generationLocked(conversation)
}

// AppendIf appends only while the conversation is still at generation gen.
// It reports false when Clear, Forget or Reset ran in between.
func (s *Store) AppendIf(conversation string, gen uint64, role Role, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generationLocked(conversation) != gen {
		return false
	}
	s.appendLocked(conversation, role, content)
	return true
}

func (s *Store) appendLocked(conversation string, role Role, content string) {
	h := append(s.getLocked(conversation), Entry{Role: role, Content: content})
	if tail := h[1:]; len(tail) > s.compressor.MaxMessages {
		kept := s.compressor.Compress(tail)
		next := make([]Entry, 0, 1+len(kept))
		next = append(next, h[0])
		h = append(next, kept...)
	}
	s.entries[conversation] = h
}

// Clear resets the conversation to a single system entry built from the
// current prompt, not the one captured at seed time.
func (s *Store) Clear(conversation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[conversation] = []Entry{s.systemEntry()}
	s.bumpLocked(conversation)
}

// Len returns the number of entries, including the system entry.
func (s *Store) Len(conversation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[conversation])
}

// Forget drops all state for the conversation.
func (s *Store) Forget(conversation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversation)
	s.bumpLocked(conversation)
}

// Reset drops every conversation's history.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Entry)
	s.gens = make(map[string]uint64)
	s.seq++
	s.base = s.seq
}

func (s *Store) bumpLocked(conversation string) {
	s.seq++
	s.gens[conversation] = s.seq
}

func (s *Store) generationLocked(conversation string) uint64 {
	if g, ok := s.gens[conversation]; ok {
		return g
	}
	return s.base
}

func (s *Store) getLocked(conversation string) []Entry {
	h, ok := s.entries[conversation]
	if !ok {
		h = []Entry{s.systemEntry()}
		s.entries[conversation] = h
	}
	return h
}

func (s *Store) systemEntry() Entry {
	prompt := ""
	if s.Prompt != nil {
		prompt = s.Prompt()
	}
	return Entry{Role: RoleSystem, Content: prompt}
}

// LatestUser returns the most recent user entry's content.
func LatestUser(entries []Entry) (string, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == RoleUser {
			return entries[i].Content, true
		}
	}
	return "", false
}
