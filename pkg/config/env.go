package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable value for key, or def if unset or empty.
func GetEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt returns the environment variable value for key parsed as int, or def if unset or invalid.
func GetEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

// GetEnvBool returns the environment variable value for key parsed with strconv.ParseBool
// ("1", "true", "yes" are accepted as true), or def if unset or invalid.
func GetEnvBool(key string, def bool) bool {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if val == "" {
		return def
	}
	if val == "yes" || val == "on" {
		return true
	}
	if val == "no" || val == "off" {
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return def
}

// GetEnvDuration returns the environment variable value for key parsed as time.Duration, or def if
// unset or invalid. A bare integer is read as milliseconds, so RETRY_BASE_DELAY=1000 means 1s.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		if ms < 0 {
			return def
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return def
}
