package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/groupbot/internal/chat"
)

// DefaultAPIBase is the Bot API root; the token is appended as "/bot<token>".
const DefaultAPIBase = "https://api.telegram.org"

const maxMessageChars = 3900

// Client is a Telegram Bot API client implementing chat.Client over long polling.
// Conversations are watched either by numeric chat id or by group title.
type Client struct {
	apiBase     string
	httpClient  *http.Client
	pollTimeout int
	dropPending bool
	log         zerolog.Logger

	mu      sync.Mutex
	offset  int64
	primed  bool
	watched map[string]struct{}
	// titles maps a group title to the chat id last seen under it.
	titles map[string]int64
}

// Options configures NewClient.
type Options struct {
	// APIBase defaults to DefaultAPIBase.
	APIBase    string
	Token      string
	HTTPClient *http.Client
	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int
	// DropPending skips updates queued before the first poll.
	DropPending bool
}

// NewClient creates a Telegram client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if opts.PollTimeout < 0 {
		opts.PollTimeout = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Duration(opts.PollTimeout+10) * time.Second}
	}
	return &Client{
		apiBase:     base + "/bot" + opts.Token,
		httpClient:  hc,
		pollTimeout: opts.PollTimeout,
		dropPending: opts.DropPending,
		log:         log.With().Str("component", "telegram").Logger(),
		watched:     make(map[string]struct{}),
		titles:      make(map[string]int64),
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Update is a single getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
	Date      int64  `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// User is a message author.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName is how the sender appears in transcripts and trigger checks.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// Me returns the bot's own user record.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Watch starts reporting messages for conversation. A numeric id is
// verified with getChat; a title is accepted as is and matched on arrival.
func (c *Client) Watch(ctx context.Context, conversation string) error {
	conversation = strings.TrimSpace(conversation)
	if conversation == "" {
		return fmt.Errorf("telegram watch: empty conversation")
	}
	if id, ok := parseChatID(conversation); ok {
		var ch Chat
		if err := c.call(ctx, "getChat", map[string]any{"chat_id": id}, &ch); err != nil {
			return fmt.Errorf("telegram watch %s: %w", conversation, err)
		}
	}
	c.mu.Lock()
	c.watched[conversation] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unwatch stops reporting messages for conversation.
func (c *Client) Unwatch(_ context.Context, conversation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[conversation]; !ok {
		return fmt.Errorf("telegram unwatch %s: not watched", conversation)
	}
	delete(c.watched, conversation)
	return nil
}

// Poll fetches pending updates and groups text messages by watched conversation.
func (c *Client) Poll(ctx context.Context) (map[string][]chat.Message, error) {
	if err := c.prime(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	updates, err := c.GetUpdates(ctx, offset, c.pollTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]chat.Message)
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		m := u.Message
		if m == nil || m.Text == "" {
			continue
		}
		if m.Chat.Title != "" {
			c.titles[m.Chat.Title] = m.Chat.ID
		}
		conv, ok := c.conversationLocked(m.Chat)
		if !ok {
			continue
		}
		out[conv] = append(out[conv], chat.Message{
			ID:      strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.FormatInt(m.MessageID, 10),
			Sender:  m.From.DisplayName(),
			Content: m.Text,
		})
	}
	return out, nil
}

// Send posts text to conversation. A title must have been seen in an update
// before it can be resolved to a chat id.
func (c *Client) Send(ctx context.Context, conversation string, text string) error {
	id, err := c.resolve(conversation)
	if err != nil {
		return err
	}
	params := map[string]any{
		"chat_id": id,
		"text":    truncate(text, maxMessageChars),
	}
	if err := c.call(ctx, "sendMessage", params, nil); err != nil {
		return fmt.Errorf("telegram sendMessage %s: %w", conversation, err)
	}
	return nil
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// prime drops the backlog once when configured to.
func (c *Client) prime(ctx context.Context) error {
	c.mu.Lock()
	if c.primed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.dropPending {
		updates, err := c.GetUpdates(ctx, -1, 0)
		if err != nil {
			return err
		}
		if n := len(updates); n > 0 {
			c.mu.Lock()
			c.offset = updates[n-1].UpdateID + 1
			c.mu.Unlock()
			c.log.Info().Int64("offset", updates[n-1].UpdateID+1).Msg("dropped pending updates")
		}
	}
	c.mu.Lock()
	c.primed = true
	c.mu.Unlock()
	return nil
}

func (c *Client) conversationLocked(ch Chat) (string, bool) {
	id := strconv.FormatInt(ch.ID, 10)
	if _, ok := c.watched[id]; ok {
		return id, true
	}
	if ch.Title != "" {
		if _, ok := c.watched[ch.Title]; ok {
			return ch.Title, true
		}
	}
	return "", false
}

func (c *Client) resolve(conversation string) (int64, error) {
	if id, ok := parseChatID(conversation); ok {
		return id, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.titles[conversation]
	if !ok {
		return 0, fmt.Errorf("telegram: no chat id known for %q yet", conversation)
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, result any) error {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, result)
}

func (c *Client) do(req *http.Request, method string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	// A revoked token answers 401, a malformed one 404. Neither recovers.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("telegram %s: HTTP %d: %w", method, resp.StatusCode, chat.ErrClientClosed)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram %s: %d %s", method, tgResp.ErrorCode, tgResp.Description)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, result); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func parseChatID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
