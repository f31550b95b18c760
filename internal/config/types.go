package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Poller   PollerConfig   `json:"poller"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PollerConfig controls the topic poll cycle.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type PollerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between poll cycles. Defaults to "1m".
	Interval string `json:"interval,omitempty"`
	// FetchTimeout bounds a single topic fetch. Defaults to "30s".
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// NotifierConfig controls outbound delivery pacing.
type NotifierConfig struct {
	// RatePerSec is the outbound send budget (Telegram throttles bots hard).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the snapshot store backend.
//
// Driver values:
//   - "file": JSON document + JSONL audit next to it
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is sqlite-only; a Go duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Duration fields are carried as strings ("30s", "2m") and parsed where they
// are consumed. A blank field means unset; whether that falls back to a
// default or to zero is the caller's call.

// ParseDurationField parses one duration-string field. path names the field
// in error messages ("poller.interval"). Blank parses to zero without error;
// negative values are rejected, there is no component that could use one.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for fields where unset (or
// zero) should fall back to a default.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// decodeStrict decodes JSON bytes rejecting unknown fields and trailing data,
// so typos in hand-edited configs are caught at reload rather than ignored.
func decodeStrict(jb []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}
