// Package environment provides helpers for reading configuration from
// environment variables.
//
// Every helper reads one variable and falls back to a caller-supplied
// default when the variable is unset, empty, or unparseable. Required
// variables return an error instead of exiting, so the decision about
// what is fatal stays with the caller.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of name, or fallback when unset or empty.
func StringOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// RequiredString returns the value of name, or an error when unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses name as a boolean using the strconv.ParseBool forms
// ("1", "t", "true", "0", "f", "false", ...). Unset or unparseable
// values yield fallback.
func BoolOr(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// IntOr parses name as a decimal integer. Unset or unparseable values
// yield fallback.
func IntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// DurationOr parses name as a time.Duration ("30s", "5m", "720h").
// Unset or unparseable values yield fallback.
func DurationOr(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// StringSliceOr parses name as a comma-separated list, trimming whitespace
// around each element and dropping empties. An unset variable or a list
// with no usable elements yields fallback.
func StringSliceOr(name string, fallback []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
