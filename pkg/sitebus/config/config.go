// Package config reads site configuration files into a map and extracts
// typed values with fallbacks, plus the Settings the framework is built from.
//
// A site file looks like:
//
//	response_timeout: 2s
//	blocking: false
//	poll_interval: 20ms
//	archive_path: /var/lib/site/archive.db
//	log_level: debug
//	components:
//	  alicat-1:
//	    port: /dev/ttyUSB0
//	    interval: 1s
//
// Accessors never fail: a missing key or a value of the wrong type yields the
// fallback. Sub returns a nested section, so each component can read its own
// block with the same accessors.
package config

import (
	"time"
)

// Config is a read-only view over decoded YAML or JSON.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map gives an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

// String returns the string at key, or fallback.
func (c Config) String(key, fallback string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return fallback
}

// Bool returns the bool at key, or fallback.
func (c Config) Bool(key string, fallback bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return fallback
}

// Int returns the integer at key, or fallback. Floats are accepted only when
// they have no fractional part, since JSON decodes every number as float64.
func (c Config) Int(key string, fallback int) int {
	switch v := c.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return fallback
}

// Float returns the number at key as a float64, or fallback.
func (c Config) Float(key string, fallback float64) float64 {
	switch v := c.data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// Duration returns the duration at key, or fallback. Strings go through
// time.ParseDuration; bare numbers are seconds.
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	switch v := c.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	}
	return fallback
}

// Sub returns the nested section at key. A missing or non-map value gives an
// empty Config.
func (c Config) Sub(key string) Config {
	if m, ok := c.data[key].(map[string]any); ok {
		return New(m)
	}
	return New(nil)
}

// Keys returns the section's top-level keys in no particular order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
