package trigger

import (
	"regexp"
	"strings"
)

const (
	// FallbackName is the built-in bot name that always addresses the bot,
	// matched case-insensitively.
	FallbackName = "victorAI"
	// NewMessagesBanner is the divider the chat client injects above unread messages.
	NewMessagesBanner = "以下为新消息"
)

// DefaultReservedSenders are identities whose messages are never answered.
var DefaultReservedSenders = []string{"SYS", "Self"}

// Matcher decides whether a message addresses the bot and extracts the payload.
type Matcher struct {
	ReservedSenders []string
	Banners         []string
	Fallback        string

	fallbackPatterns []*regexp.Regexp
}

// NewMatcher returns a matcher with the default reserved senders, banner and
// fallback name.
func NewMatcher() *Matcher {
	return newMatcher(DefaultReservedSenders, []string{NewMessagesBanner}, FallbackName)
}

func newMatcher(reserved, banners []string, fallback string) *Matcher {
	m := &Matcher{
		ReservedSenders: reserved,
		Banners:         banners,
		Fallback:        fallback,
	}
	if fallback != "" {
		// The mention form goes first so no stray "@" is left behind.
		m.fallbackPatterns = []*regexp.Regexp{
			regexp.MustCompile("(?i)" + regexp.QuoteMeta("@"+fallback)),
			regexp.MustCompile("(?i)" + regexp.QuoteMeta(fallback)),
		}
	}
	return m
}

// Match returns the payload addressed to the bot. ok is false when the message
// is not addressed to the bot or nothing is left after stripping the triggers.
func (m *Matcher) Match(sender, text, trigger string) (payload string, ok bool) {
	if m.reserved(sender) || m.bannered(text) {
		return "", false
	}
	if !m.addressed(text, trigger) {
		return "", false
	}

	// Fallback forms go first: stripping a short trigger such as "AI" out of
	// "@victorAI" would otherwise leave "@victor" behind.
	payload = text
	for _, re := range m.fallbackPatterns {
		payload = re.ReplaceAllLiteralString(payload, "")
	}
	if trigger != "" {
		payload = strings.ReplaceAll(payload, "@"+trigger, "")
		payload = strings.ReplaceAll(payload, trigger, "")
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", false
	}
	return payload, true
}

func (m *Matcher) addressed(text, trigger string) bool {
	lower := strings.ToLower(text)
	if trigger != "" {
		if strings.Contains(text, "@"+trigger) || strings.HasPrefix(lower, strings.ToLower(trigger)) {
			return true
		}
	}
	if m.Fallback != "" {
		if strings.Contains(text, "@"+m.Fallback) || strings.HasPrefix(lower, strings.ToLower(m.Fallback)) {
			return true
		}
	}
	return false
}

func (m *Matcher) reserved(sender string) bool {
	for _, s := range m.ReservedSenders {
		if sender == s {
			return true
		}
	}
	return false
}

func (m *Matcher) bannered(text string) bool {
	for _, b := range m.Banners {
		if b != "" && strings.Contains(text, b) {
			return true
		}
	}
	return false
}
