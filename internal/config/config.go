package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mingle/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	ServerURL      string   `toml:"server_url"`
	Realtime       Realtime `toml:"realtime"`
	Typing         Typing   `toml:"typing"`
	Send           Send     `toml:"send"`
}

// Realtime holds connection manager tunables. Everything here is policy,
// not protocol: changing a value never breaks the wire format.
type Realtime struct {
	OpenTimeout          Duration `toml:"open_timeout"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMultiplier  float64  `toml:"reconnect_multiplier"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// Typing holds typing indicator tunables.
type Typing struct {
	LocalStopAfter Duration `toml:"local_stop_after"`
	ResendWindow   Duration `toml:"resend_window"`
	RemoteExpiry   Duration `toml:"remote_expiry"`
}

// Send holds send pipeline tunables.
type Send struct {
	AckTimeout Duration `toml:"ack_timeout"`
	MaxLength  int      `toml:"max_length"`
}

// Duration wraps time.Duration with TOML text (un)marshalling ("10s", "1.5s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default returns a config populated with the shipped defaults.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		ServerURL:      "https://api.mingle.chat",
		Realtime: Realtime{
			OpenTimeout:          Duration(15 * time.Second),
			HeartbeatInterval:    Duration(30 * time.Second),
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMultiplier:  2,
			ReconnectMaxDelay:    Duration(10 * time.Second),
			MaxReconnectAttempts: 3,
		},
		Typing: Typing{
			LocalStopAfter: Duration(3 * time.Second),
			ResendWindow:   Duration(2 * time.Second),
			RemoteExpiry:   Duration(5 * time.Second),
		},
		Send: Send{
			AckTimeout: Duration(10 * time.Second),
			MaxLength:  4000,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns defaults and the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return Default(), err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
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

func (c *Config) fillDefaults() {
	def := Default()
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.Realtime.OpenTimeout == 0 {
		c.Realtime.OpenTimeout = def.Realtime.OpenTimeout
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = def.Realtime.HeartbeatInterval
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = def.Realtime.ReconnectBaseDelay
	}
	if c.Realtime.ReconnectMultiplier == 0 {
		c.Realtime.ReconnectMultiplier = def.Realtime.ReconnectMultiplier
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = def.Realtime.ReconnectMaxDelay
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = def.Realtime.MaxReconnectAttempts
	}
	if c.Typing.LocalStopAfter == 0 {
		c.Typing.LocalStopAfter = def.Typing.LocalStopAfter
	}
	if c.Typing.ResendWindow == 0 {
		c.Typing.ResendWindow = def.Typing.ResendWindow
	}
	if c.Typing.RemoteExpiry == 0 {
		c.Typing.RemoteExpiry = def.Typing.RemoteExpiry
	}
	if c.Send.AckTimeout == 0 {
		c.Send.AckTimeout = def.Send.AckTimeout
	}
	if c.Send.MaxLength == 0 {
		c.Send.MaxLength = def.Send.MaxLength
	}
}
