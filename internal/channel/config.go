package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IntegrationConfig is the per-channel credential bundle read from the
// config store at adapter initialization. Credentials are opaque to core
// logic and must never be logged.
type IntegrationConfig struct {
	Channel     Type
	Credentials map[string]any
	Active      bool
	UpdatedAt   time.Time
}

// Credential returns the named credential as a trimmed string, or "" when
// absent. Non-string values are rendered through JSON so numeric secrets
// survive config stores that lose types.
func (c IntegrationConfig) Credential(keys ...string) string {
	return ReadString(c.Credentials, keys...)
}

// ConfigError reports a missing or malformed credential field discovered at
// adapter initialization. The channel is marked unavailable; others are
// unaffected.
type ConfigError struct {
	Channel Type
	Field   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing required credential %q", e.Channel, e.Field)
}

// NewConfigError builds a ConfigError for the given channel and field.
func NewConfigError(channel Type, field string) *ConfigError {
	return &ConfigError{Channel: channel, Field: field}
}

// ReadString extracts the first present key from a config map as a string.
func ReadString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		default:
			encoded, err := json.Marshal(v)
			if err == nil {
				return strings.Trim(string(encoded), "\"")
			}
		}
	}
	return ""
}
