package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.wppsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Gateway   Gateway   `toml:"gateway"`
	Realtime  Realtime  `toml:"realtime"`
	Devices   Devices   `toml:"devices"`
	Timeline  Timeline  `toml:"timeline"`
	AutoReply AutoReply `toml:"autoreply"`
	Metrics   Metrics   `toml:"metrics"`
}

type Gateway struct {
	URL     string   `toml:"url"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

type Realtime struct {
	// WebSocketURL and SSEURL may contain "{instance}". Empty derives them from the gateway URL.
	WebSocketURL         string   `toml:"websocket_url"`
	SSEURL               string   `toml:"sse_url"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	ConnectAttempts      int      `toml:"connect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	// ProtocolRetryDelay is the wait before redialing a transport that reported a protocol error.
	ProtocolRetryDelay   Duration `toml:"protocol_retry_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	// IdleTimeout drops an SSE stream that sent nothing for this long.
	IdleTimeout          Duration `toml:"idle_timeout"`
	MessagePollInterval  Duration `toml:"message_poll_interval"`
	ChatPollInterval     Duration `toml:"chat_poll_interval"`
}

type Devices struct {
	StatusPollInterval Duration `toml:"status_poll_interval"`
	PairingTimeout     Duration `toml:"pairing_timeout"`
	WebhookURL         string   `toml:"webhook_url"`
}

type Timeline struct {
	WindowSize   int      `toml:"window_size"`
	RefetchDelay Duration `toml:"refetch_delay"`
}

type AutoReply struct {
	// URL of the assistant endpoint. Empty disables auto-replies.
	URL         string   `toml:"url"`
	TypingDelay Duration `toml:"typing_delay"`
	Timeout     Duration `toml:"timeout"`
	Groups      bool     `toml:"groups"`
}

type Metrics struct {
	// Addr is the HTTP listen address for /metrics and /healthz. Empty disables it.
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
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

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Gateway: Gateway{
			URL:     "http://localhost:8080",
			Timeout: Duration{15 * time.Second},
		},
		Realtime: Realtime{
			ConnectTimeout:       Duration{10 * time.Second},
			ConnectAttempts:      3,
			ReconnectBaseDelay:   Duration{time.Second},
			ReconnectMaxDelay:    Duration{30 * time.Second},
			MaxReconnectAttempts: 10,
			ProtocolRetryDelay:   Duration{5 * time.Second},
			HeartbeatInterval:    Duration{25 * time.Second},
			IdleTimeout:          Duration{45 * time.Second},
			MessagePollInterval:  Duration{3 * time.Second},
			ChatPollInterval:     Duration{30 * time.Second},
		},
		Devices: Devices{
			StatusPollInterval: Duration{3 * time.Second},
			PairingTimeout:     Duration{2 * time.Minute},
		},
		Timeline: Timeline{
			WindowSize:   50,
			RefetchDelay: Duration{2 * time.Second},
		},
		AutoReply: AutoReply{
			TypingDelay: Duration{3 * time.Second},
			Timeout:     Duration{30 * time.Second},
		},
		Metrics: Metrics{Addr: "127.0.0.1:9464"},
	}
}

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv reads path if it exists, then applies .env and WPPSYNC_* overrides. A missing
// file yields the defaults.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	// .env is optional.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DefaultProfile, "WPPSYNC_PROFILE")
	setString(&c.Gateway.URL, "WPPSYNC_GATEWAY_URL")
	setString(&c.Gateway.APIKey, "WPPSYNC_GATEWAY_API_KEY")
	setString(&c.Realtime.WebSocketURL, "WPPSYNC_WEBSOCKET_URL")
	setString(&c.Realtime.SSEURL, "WPPSYNC_SSE_URL")
	setString(&c.Devices.WebhookURL, "WPPSYNC_WEBHOOK_URL")
	setString(&c.AutoReply.URL, "WPPSYNC_AUTOREPLY_URL")
	setString(&c.Metrics.Addr, "WPPSYNC_METRICS_ADDR")

	if v := os.Getenv("WPPSYNC_AUTOREPLY_GROUPS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WPPSYNC_AUTOREPLY_GROUPS: %w", err)
		}
		c.AutoReply.Groups = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
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
