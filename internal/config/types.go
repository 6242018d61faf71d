package config

// Config is the service configuration.
//
// Files may be JSON or YAML; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected).
// All durations are Go duration strings (e.g. "500ms", "5s", "1h").
type Config struct {
	Chat       ChatConfig       `json:"chat"`
	Connection ConnectionConfig `json:"connection"`
	Ledger     LedgerConfig     `json:"ledger"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`
}

// ChatConfig points at the chat platform.
//
// Token may be left empty in the file and provided through the
// LENDBOT_CHAT_TOKEN environment variable instead (a .env file is honored).
type ChatConfig struct {
	BaseURL               string `json:"base_url"`
	Token                 string `json:"token,omitempty"`
	NotificationChannelID string `json:"notification_channel_id"`
	CallTimeout           string `json:"call_timeout,omitempty"`
	PostsPerSec           int    `json:"posts_per_sec,omitempty"`
}

type ConnectionConfig struct {
	BaseReconnectInterval string `json:"base_reconnect_interval"`
	MaxReconnectAttempts  int    `json:"max_reconnect_attempts"`
}

type LedgerConfig struct {
	TTL           string `json:"ttl"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./lendbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// MetricsConfig controls the optional Prometheus listener.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}
