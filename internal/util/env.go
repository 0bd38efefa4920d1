// Package util holds small shared helpers: environment parsing and random
// identifier generation.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// boolWords maps the accepted boolean spellings, lowercase.
var boolWords = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true,
	"false": false, "0": false, "no": false, "off": false,
}

// ParseBoolEnv reads a boolean environment variable. Accepted spellings are
// true/1/yes/on and false/0/no/off in any case; unset or unrecognized values
// fall back to defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	b, ok := boolWords[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		slog.Warn("util.ParseBoolEnv: unrecognized boolean value, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return b
}

// EnvOrDefault returns the value of the environment variable key, or
// fallback when it is unset or blank.
func EnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
