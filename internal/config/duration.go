package config

import (
	"strings"
	"time"

	"patchwatch/internal/news"
)

// DurationOr parses raw as a Go duration. Empty or zero yields def; negative
// or malformed values are a configuration error naming path.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, news.ConfigError("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, news.ConfigError("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
