package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("1s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Reconnect configures the channel retry policy.
type Reconnect struct {
	MaxAttempts int      `toml:"max_attempts"`
	MinDelay    Duration `toml:"min_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// Session represents ~/.chatsync/sessions/<name>/session.toml.
type Session struct {
	ServerURL         string    `toml:"server_url"`
	APIURL            string    `toml:"api_url"`
	UserID            string    `toml:"user_id"`
	Token             string    `toml:"token"`
	Reconnect         Reconnect `toml:"reconnect"`
	Heartbeat         Duration  `toml:"heartbeat"`
	TypingTTL         Duration  `toml:"typing_ttl"`
	PageSize          int       `toml:"page_size"`
	ResyncOnReconnect *bool     `toml:"resync_on_reconnect"`
	MetricsAddr       string    `toml:"metrics_addr"`
	NATSURL           string    `toml:"nats_url"`
	NATSSubjectPrefix string    `toml:"nats_subject_prefix"`
	LogLevel          string    `toml:"log_level"`
}

// Defaults fills zero-valued fields.
func (s *Session) Defaults() {
	if s.Reconnect.MaxAttempts <= 0 {
		s.Reconnect.MaxAttempts = 5
	}
	if s.Reconnect.MinDelay.Duration <= 0 {
		s.Reconnect.MinDelay.Duration = time.Second
	}
	if s.Reconnect.MaxDelay.Duration <= 0 {
		s.Reconnect.MaxDelay.Duration = 5 * time.Second
	}
	if s.Heartbeat.Duration == 0 {
		s.Heartbeat.Duration = 25 * time.Second
	}
	if s.TypingTTL.Duration <= 0 {
		s.TypingTTL.Duration = 3 * time.Second
	}
	if s.PageSize <= 0 {
		s.PageSize = 30
	}
	if s.ResyncOnReconnect == nil {
		v := true
		s.ResyncOnReconnect = &v
	}
	if s.NATSSubjectPrefix == "" {
		s.NATSSubjectPrefix = "chatsync"
	}
}

// Resync reports whether a resync fetch runs after every reconnect.
func (s *Session) Resync() bool {
	return s.ResyncOnReconnect == nil || *s.ResyncOnReconnect
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads a session config and applies defaults.
func LoadSession(path string) (*Session, error) {
	var s Session
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, err
	}
	s.Defaults()
	return &s, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// SaveSession writes a session config to the given path.
func SaveSession(path string, s *Session) error {
	return writeTOML(path, s)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
