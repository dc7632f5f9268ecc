package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so intervals can be written as "15s" in
// the TOML file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server  Server  `toml:"server"`
	Sync    Sync    `toml:"sync"`
	Typing  Typing  `toml:"typing"`
	Receipt Receipt `toml:"receipt"`
}

// Server describes the remote message store the daemon syncs against.
type Server struct {
	BaseURL    string `toml:"base_url"`
	AuthToken  string `toml:"auth_token"`
	SelfUserID string `toml:"self_user_id"`
}

// Sync holds polling cadence and retry tuning.
type Sync struct {
	ListPollInterval   Duration `toml:"list_poll_interval"`
	ThreadPollInterval Duration `toml:"thread_poll_interval"`
	BackoffBase        Duration `toml:"backoff_base"`
	BackoffMax         Duration `toml:"backoff_max"`
	SendAttempts       int      `toml:"send_attempts"`
	PullAttempts       int      `toml:"pull_attempts"`
}

// Typing holds the outbound debounce and inbound expiry windows.
type Typing struct {
	Debounce    Duration `toml:"debounce"`
	QuietWindow Duration `toml:"quiet_window"`
	TTL         Duration `toml:"ttl"`
}

// Receipt holds the mark-read coalescing window.
type Receipt struct {
	Debounce Duration `toml:"debounce"`
}

// Default returns the tuning used when the config file omits a value.
// The windows are deliberate: one typing ping per 2s caps outbound
// volume, a 5s TTL self-heals stale remote state, and full-jitter
// backoff between 500ms and 30s bounds retry pressure.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Sync: Sync{
			ListPollInterval:   Duration{15 * time.Second},
			ThreadPollInterval: Duration{3 * time.Second},
			BackoffBase:        Duration{500 * time.Millisecond},
			BackoffMax:         Duration{30 * time.Second},
			SendAttempts:       5,
			PullAttempts:       3,
		},
		Typing: Typing{
			Debounce:    Duration{2 * time.Second},
			QuietWindow: Duration{3 * time.Second},
			TTL:         Duration{5 * time.Second},
		},
		Receipt: Receipt{
			Debounce: Duration{400 * time.Millisecond},
		},
	}
}

// Load reads config from path and fills unset tuning with defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.Sync.ListPollInterval.Duration == 0 {
		c.Sync.ListPollInterval = def.Sync.ListPollInterval
	}
	if c.Sync.ThreadPollInterval.Duration == 0 {
		c.Sync.ThreadPollInterval = def.Sync.ThreadPollInterval
	}
	if c.Sync.BackoffBase.Duration == 0 {
		c.Sync.BackoffBase = def.Sync.BackoffBase
	}
	if c.Sync.BackoffMax.Duration == 0 {
		c.Sync.BackoffMax = def.Sync.BackoffMax
	}
	if c.Sync.SendAttempts == 0 {
		c.Sync.SendAttempts = def.Sync.SendAttempts
	}
	if c.Sync.PullAttempts == 0 {
		c.Sync.PullAttempts = def.Sync.PullAttempts
	}
	if c.Typing.Debounce.Duration == 0 {
		c.Typing.Debounce = def.Typing.Debounce
	}
	if c.Typing.QuietWindow.Duration == 0 {
		c.Typing.QuietWindow = def.Typing.QuietWindow
	}
	if c.Typing.TTL.Duration == 0 {
		c.Typing.TTL = def.Typing.TTL
	}
	if c.Receipt.Debounce.Duration == 0 {
		c.Receipt.Debounce = def.Receipt.Debounce
	}
}
