package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-shaped settings (chat.call_timeout, connection.base_reconnect_interval,
// ledger.ttl, ledger.sweep_interval, storage.busy_timeout) are kept as Go
// duration strings in the file and parsed here after structural validation.

// ParseDurationField parses one duration setting. Empty means unset and maps
// to zero; negative values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields; the ledger TTL and sweep interval resolve their package defaults
// through it.
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
