package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// TokenEnvVar overrides chat.token when set, so the credential can stay out
// of the config file.
const TokenEnvVar = "LENDBOT_CHAT_TOKEN"

// ErrConfiguration marks missing or invalid required settings. It is fatal
// to startup: initialization fails and no connection or timers start.
var ErrConfiguration = errors.New("configuration error")

// Load reads, strictly decodes, and validates the config file.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes the file without validating. Unknown fields and trailing
// data are rejected for both JSON and YAML.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(TokenEnvVar)); v != "" {
		c.Chat.Token = v
	}
}

// Validate checks the required settings. The service refuses to start when
// any of them is missing.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Chat.BaseURL) == "" {
		missing = append(missing, "chat.base_url")
	}
	if strings.TrimSpace(c.Chat.Token) == "" {
		missing = append(missing, "chat.token (or "+TokenEnvVar+")")
	}
	if strings.TrimSpace(c.Chat.NotificationChannelID) == "" {
		missing = append(missing, "chat.notification_channel_id")
	}
	if strings.TrimSpace(c.Connection.BaseReconnectInterval) == "" {
		missing = append(missing, "connection.base_reconnect_interval")
	}
	if c.Connection.MaxReconnectAttempts <= 0 {
		missing = append(missing, "connection.max_reconnect_attempts")
	}
	if strings.TrimSpace(c.Ledger.TTL) == "" {
		missing = append(missing, "ledger.ttl")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	// Durations must at least parse.
	fields := []struct{ path, raw string }{
		{"chat.call_timeout", c.Chat.CallTimeout},
		{"connection.base_reconnect_interval", c.Connection.BaseReconnectInterval},
		{"ledger.ttl", c.Ledger.TTL},
		{"ledger.sweep_interval", c.Ledger.SweepInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	return nil
}
