// Package environment reads typed configuration overrides from environment
// variables. Unset or unparsable variables fall back to the supplied default;
// only RequiredString reports an error.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of name and whether it is non-empty.
func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// StringOr returns the variable, or def when unset or blank.
func StringOr(name, def string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return def
}

// RequiredString returns the variable or an error naming it.
func RequiredString(name string) (string, error) {
	v, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool.
func BoolOr(name string, def bool) bool {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntOr parses the variable as a base-10 integer.
func IntOr(name string, def int) int {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float64Or parses the variable as a float, e.g. a forget ratio of "0.1".
func Float64Or(name string, def float64) float64 {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// DurationOr parses the variable with time.ParseDuration ("30s", "15m").
func DurationOr(name string, def time.Duration) time.Duration {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// StringSliceOr splits the variable on commas and drops blank elements.
func StringSliceOr(name string, def []string) []string {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
