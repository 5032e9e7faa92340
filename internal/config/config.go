package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "data/config.yaml"

// ModelConfig holds the settings of one model backend.
type ModelConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

type ProxyConfig struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

type LoopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	Workers      int           `yaml:"workers"`
	// DedupBucket is the time quantum folded into content fingerprints;
	// zero means content-only dedup.
	DedupBucket time.Duration `yaml:"dedup_bucket"`
}

type ChatConfig struct {
	// Client selects the chat client: telegram or dummy.
	Client          string `yaml:"client"`
	TelegramToken   string `yaml:"telegram_token,omitempty"`
	TelegramAPIBase string `yaml:"telegram_api_base,omitempty"`
	TelegramTimeout int    `yaml:"telegram_timeout"`
	DropPending     bool   `yaml:"drop_pending"`
	// BotName is the sender name the bot posts as; its own messages are skipped.
	BotName         string `yaml:"bot_name,omitempty"`
	DummyPollScript string `yaml:"dummy_poll_script,omitempty"`
	DummySendScript string `yaml:"dummy_send_script,omitempty"`
}

type TranscriptConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the on-disk configuration.
type Config struct {
	TriggerWord  string                 `yaml:"trigger_word"`
	DefaultModel string                 `yaml:"default_model"`
	SystemPrompt string                 `yaml:"system_prompt"`
	Groups       []string               `yaml:"groups"`
	Proxy        ProxyConfig            `yaml:"proxy"`
	Models       map[string]ModelConfig `yaml:"models"`
	Loop         LoopConfig             `yaml:"loop"`
	Chat         ChatConfig             `yaml:"chat"`
	Transcript   TranscriptConfig       `yaml:"transcript"`
	Logging      LoggingConfig          `yaml:"logging"`
}

// Defaults returns the configuration used when no file exists yet. Secrets
// and a few operational knobs come from the environment.
func Defaults() Config {
	return Config{
		TriggerWord:  "AI",
		DefaultModel: "deepseek",
		SystemPrompt: envOrDefault("SYSTEM_PROMPT", "你是AI助手，名字叫VictorAI"),
		Groups:       []string{},
		Proxy: ProxyConfig{
			HTTP:  os.Getenv("HTTP_PROXY"),
			HTTPS: os.Getenv("HTTPS_PROXY"),
		},
		Models: map[string]ModelConfig{
			"deepseek": {APIKey: os.Getenv("DEEPSEEK_API_KEY"), Model: "deepseek-chat", Temperature: 0.7, MaxTokens: 2000},
			"gemini":   {APIKey: os.Getenv("GEMINI_API_KEY"), Model: "gemini-1.5-flash"},
			"qianwen":  {APIKey: os.Getenv("QIANWEN_API_KEY"), Model: "qwen-turbo"},
			"claude":   {APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		},
		Loop: LoopConfig{
			PollInterval: 2 * time.Second,
			ErrorBackoff: 5 * time.Second,
			Workers:      envIntOrDefault("GROUPBOT_WORKERS", 4),
			DedupBucket:  2 * time.Second,
		},
		Chat: ChatConfig{
			Client:          envOrDefault("GROUPBOT_CHAT_CLIENT", "telegram"),
			TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramTimeout: envIntOrDefault("TG_TIMEOUT", 1),
			DropPending:     envBoolOrDefault("TG_DROP_PENDING", true),
		},
		Transcript: TranscriptConfig{
			DBPath:        envOrDefault("GROUPBOT_DB_PATH", "data/chat_history.db"),
			RetentionDays: envIntOrDefault("GROUPBOT_RETENTION_DAYS", 90),
			PruneSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:  envOrDefault("GROUPBOT_LOG_LEVEL", "info"),
			Format: envOrDefault("GROUPBOT_LOG_FORMAT", "console"),
		},
	}
}

// Validate checks the settings the loop cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("default_model is required")
	}
	if c.Loop.PollInterval <= 0 {
		return fmt.Errorf("loop.poll_interval must be > 0, got %s", c.Loop.PollInterval)
	}
	if c.Loop.ErrorBackoff <= 0 {
		return fmt.Errorf("loop.error_backoff must be > 0, got %s", c.Loop.ErrorBackoff)
	}
	if c.Loop.Workers <= 0 {
		return fmt.Errorf("loop.workers must be > 0, got %d", c.Loop.Workers)
	}
	switch c.Chat.Client {
	case "telegram":
		if c.Chat.TelegramToken == "" {
			return errors.New("chat.telegram_token (or TELEGRAM_BOT_TOKEN) is required when chat.client=telegram")
		}
	case "dummy":
	default:
		return fmt.Errorf("chat.client must be telegram or dummy, got %q", c.Chat.Client)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Groups = append([]string(nil), c.Groups...)
	out.Models = make(map[string]ModelConfig, len(c.Models))
	for k, v := range c.Models {
		out.Models[k] = v
	}
	return out
}

// Store is the configuration collaborator: it serves the current settings and
// writes every change to disk before returning.
type Store struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	cfg      Config
	lastData []byte
}

// Open loads path, creating it with Defaults when it does not exist. Keys
// missing from the file keep their default values.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{path: path, log: log.With().Str("component", "config").Logger()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.cfg = Defaults()
		if err := s.saveLocked(s.cfg); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.cfg = cfg
	s.lastData = data
	return s, nil
}

func parse(data []byte) (Config, error) {
	cfg := Defaults()
	defaultsModels := cfg.Models
	cfg.Models = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Models == nil {
		cfg.Models = defaultsModels
	}
	if cfg.Groups == nil {
		cfg.Groups = []string{}
	}
	return cfg, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the whole configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

func (s *Store) TriggerWord() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.TriggerWord
}

func (s *Store) DefaultModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DefaultModel
}

func (s *Store) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SystemPrompt
}

func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.Groups...)
}

func (s *Store) Proxy() ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Proxy
}

// Model returns the settings of model id.
func (s *Store) Model(id string) (ModelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.cfg.Models[id]
	return m, ok
}

// APIKey returns the API key of model id, or "".
func (s *Store) APIKey(id string) string {
	m, _ := s.Model(id)
	return m.APIKey
}

func (s *Store) SetTriggerWord(word string) error {
	return s.update(func(c *Config) error {
		c.TriggerWord = strings.TrimSpace(word)
		return nil
	})
}

func (s *Store) SetDefaultModel(id string) error {
	return s.update(func(c *Config) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("default model cannot be empty")
		}
		c.DefaultModel = id
		return nil
	})
}

func (s *Store) SetSystemPrompt(prompt string) error {
	return s.update(func(c *Config) error {
		c.SystemPrompt = prompt
		return nil
	})
}

// SetGroups implements registry.GroupsPersister.
func (s *Store) SetGroups(groups []string) error {
	return s.update(func(c *Config) error {
		c.Groups = append([]string{}, groups...)
		return nil
	})
}

func (s *Store) SetProxy(httpProxy, httpsProxy string) error {
	return s.update(func(c *Config) error {
		c.Proxy = ProxyConfig{HTTP: strings.TrimSpace(httpProxy), HTTPS: strings.TrimSpace(httpsProxy)}
		return nil
	})
}

// SetAPIKey sets the key of an existing model entry.
func (s *Store) SetAPIKey(id, key string) error {
	return s.update(func(c *Config) error {
		m, ok := c.Models[id]
		if !ok {
			return fmt.Errorf("unknown model %q", id)
		}
		m.APIKey = strings.TrimSpace(key)
		c.Models[id] = m
		return nil
	})
}

// update applies fn to a copy and commits it only once the file is written.
func (s *Store) update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// saveLocked writes cfg through a temp file and rename.
func (s *Store) saveLocked(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	s.lastData = data
	return nil
}

// Reload re-reads the file. It reports whether the content differed from
// what the store last read or wrote.
func (s *Store) Reload() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(data, s.lastData) {
		return false, nil
	}
	cfg, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	s.cfg = cfg
	s.lastData = data
	return true, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
