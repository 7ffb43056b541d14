// Package config loads and persists the global ~/.fieldchat/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration wraps time.Duration so values can be written as "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global config file.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	Transport      TransportConfig `toml:"transport"`
}

// TransportConfig holds the messaging-gateway connection parameters.
type TransportConfig struct {
	// URL is the websocket endpoint of the business-messaging gateway.
	URL string `toml:"url" validate:"required,url"`

	// InitialBackoff and MaxBackoff bound the exponential reconnect delay.
	// There is no attempt limit: the daemon retries for as long as it runs.
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`

	// AckTimeout is how long an in-flight message waits for a remote ack
	// before the send is failed and the connection recycled.
	AckTimeout Duration `toml:"ack_timeout"`

	// MessagingWindow is the response window after a contact's last inbound
	// message during which free-text replies are permitted.
	MessagingWindow Duration `toml:"messaging_window"`
}

var validate = validator.New()

// Default returns the config with conservative defaults applied.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:             "ws://127.0.0.1:8085/channel",
			InitialBackoff:  Duration{time.Second},
			MaxBackoff:      Duration{30 * time.Second},
			AckTimeout:      Duration{15 * time.Second},
			MessagingWindow: Duration{24 * time.Hour},
		},
	}
}

// Load reads config from the given path, layering the file over defaults.
// Returns an error if the file is missing or fails validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and duration sanity.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	t := c.Transport
	if t.InitialBackoff.Duration <= 0 {
		return fmt.Errorf("config: initial_backoff must be positive, got %s", t.InitialBackoff)
	}
	if t.MaxBackoff.Duration < t.InitialBackoff.Duration {
		return fmt.Errorf("config: max_backoff %s is below initial_backoff %s", t.MaxBackoff, t.InitialBackoff)
	}
	if t.AckTimeout.Duration <= 0 {
		return fmt.Errorf("config: ack_timeout must be positive, got %s", t.AckTimeout)
	}
	if t.MessagingWindow.Duration <= 0 {
		return fmt.Errorf("config: messaging_window must be positive, got %s", t.MessagingWindow)
	}
	return nil
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
