package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "5491122334455" and 5491122334455.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Session   SessionConfig   `json:"session"`
	Device    DeviceConfig    `json:"device"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Relay     RelayConfig     `json:"relay"`
	QR        QRConfig        `json:"qr"`
	KeepAlive KeepAliveConfig `json:"keep_alive"`
	Log       LogConfig       `json:"log"`
}

// SessionConfig locates the linked-device credentials.
type SessionConfig struct {
	Path string `env:"ONCERELAY_SESSION_PATH" json:"path"`
}

// DeviceConfig is the identity shown in the phone's "Linked devices" list.
type DeviceConfig struct {
	Platform string `env:"ONCERELAY_DEVICE_PLATFORM" json:"platform"`
	OSName   string `env:"ONCERELAY_DEVICE_OS_NAME"  json:"os_name"`
}

type ReconnectConfig struct {
	DelayMS int `env:"ONCERELAY_RECONNECT_DELAY_MS" json:"delay_ms"`
}

func (r ReconnectConfig) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

type RelayConfig struct {
	AllowFrom FlexibleStringSlice `env:"ONCERELAY_RELAY_ALLOW_FROM" json:"allow_from"`
	// RatePerMinute caps outgoing relays; 0 disables the limit.
	RatePerMinute int `env:"ONCERELAY_RELAY_RATE_PER_MINUTE" json:"rate_per_minute"`
	Burst         int `env:"ONCERELAY_RELAY_BURST"           json:"burst"`
}

type QRConfig struct {
	Terminal bool   `env:"ONCERELAY_QR_TERMINAL" json:"terminal"`
	PNGPath  string `env:"ONCERELAY_QR_PNG_PATH" json:"png_path,omitempty"`
}

type KeepAliveConfig struct {
	Enabled bool   `env:"ONCERELAY_KEEP_ALIVE_ENABLED" json:"enabled"`
	Host    string `env:"ONCERELAY_KEEP_ALIVE_HOST"    json:"host"`
	Port    int    `env:"ONCERELAY_KEEP_ALIVE_PORT"    json:"port"`
}

type LogConfig struct {
	Level          string `env:"ONCERELAY_LOG_LEVEL"           json:"level"`
	WhatsMeowLevel string `env:"ONCERELAY_LOG_WHATSMEOW_LEVEL" json:"whatsmeow_level"`
	JSON           bool   `env:"ONCERELAY_LOG_JSON"            json:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Path: "~/.oncerelay/auth/session.db",
		},
		Device: DeviceConfig{
			Platform: "chrome",
			OSName:   "oncerelay",
		},
		Reconnect: ReconnectConfig{
			DelayMS: 2000,
		},
		Relay: RelayConfig{
			AllowFrom:     FlexibleStringSlice{},
			RatePerMinute: 30,
			Burst:         5,
		},
		QR: QRConfig{
			Terminal: true,
		},
		KeepAlive: KeepAliveConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Log: LogConfig{
			Level:          "info",
			WhatsMeowLevel: "warn",
		},
	}
}

// LoadDotEnv loads variables from the given .env files, or ./.env when none
// are given. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.Path) == "" {
		return errors.New("session.path is required")
	}
	if c.Reconnect.DelayMS <= 0 {
		return fmt.Errorf("reconnect.delay_ms must be positive, got %d", c.Reconnect.DelayMS)
	}
	if c.Relay.RatePerMinute < 0 {
		return fmt.Errorf("relay.rate_per_minute must not be negative, got %d", c.Relay.RatePerMinute)
	}
	if c.KeepAlive.Enabled && (c.KeepAlive.Port <= 0 || c.KeepAlive.Port > 65535) {
		return fmt.Errorf("keep_alive.port out of range: %d", c.KeepAlive.Port)
	}
	switch strings.ToLower(c.Device.Platform) {
	case "", "chrome", "firefox", "safari", "edge", "desktop":
	default:
		return fmt.Errorf("device.platform %q is not supported", c.Device.Platform)
	}
	return nil
}

func (c *Config) SessionPath() string {
	return expandHome(c.Session.Path)
}

func (c *Config) QRPNGPath() string {
	return expandHome(c.QR.PNGPath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
