package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and output format.
type Config struct {
	Level  string
	Format string
}

// New builds the process logger writing to stderr.
func New(cfg Config) (zerolog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime, NoColor: true}
	case "json":
		out = w
	default:
		return zerolog.Nop(), fmt.Errorf("unknown logging.format: %s", cfg.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown logging.level: %s", s)
	}
}
