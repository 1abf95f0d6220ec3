// Package config loads the daemon configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the on-disk ~/.commsd/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Gateway        Gateway `toml:"gateway"`
	Sync           Sync    `toml:"sync"`
}

// Gateway locates the communication gateway.
type Gateway struct {
	// WebsocketURL is the realtime endpoint; the bearer token is appended
	// as a query parameter since the transport cannot carry headers.
	WebsocketURL string `toml:"websocket_url" validate:"required,url"`
	// APIURL is the request/response channel/message service.
	APIURL string `toml:"api_url" validate:"required,url"`
	// Token is the bearer credential. The COMMSD_TOKEN environment
	// variable overrides it.
	Token string `toml:"token"`
}

// Sync tunes the connection and reconciliation behavior.
type Sync struct {
	HeartbeatSeconds   int    `toml:"heartbeat_seconds" validate:"gte=1"`
	PongTimeoutSeconds int    `toml:"pong_timeout_seconds" validate:"gte=1"`
	BackoffMinMillis   int    `toml:"backoff_min_ms" validate:"gte=1"`
	BackoffMaxMillis   int    `toml:"backoff_max_ms" validate:"gtefield=BackoffMinMillis"`
	StabilitySeconds   int    `toml:"stability_seconds" validate:"gte=1"`
	HistoryPageSize    int    `toml:"history_page_size" validate:"gte=1,lte=200"`
	DefaultChannel     string `toml:"default_channel"`
}

// Default returns the configuration defaults applied before loading.
func Default() Config {
	return Config{
		Sync: Sync{
			HeartbeatSeconds:   25,
			PongTimeoutSeconds: 10,
			BackoffMinMillis:   1000,
			BackoffMaxMillis:   30000,
			StabilitySeconds:   60,
			HistoryPageSize:    50,
			DefaultChannel:     "main",
		},
	}
}

func (s Sync) Heartbeat() time.Duration   { return time.Duration(s.HeartbeatSeconds) * time.Second }
func (s Sync) PongTimeout() time.Duration { return time.Duration(s.PongTimeoutSeconds) * time.Second }
func (s Sync) BackoffMin() time.Duration {
	return time.Duration(s.BackoffMinMillis) * time.Millisecond
}
func (s Sync) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMillis) * time.Millisecond
}
func (s Sync) Stability() time.Duration { return time.Duration(s.StabilitySeconds) * time.Second }

var validate = validator.New()

// Load reads config from path, filling unset fields with defaults and
// validating the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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
