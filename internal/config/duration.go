package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value as a time.Duration, substituting
// defaultValue when value is blank. Whitespace-only settings count as
// blank; having neither is an error.
func DurationOrDefault(value, defaultValue string) (time.Duration, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		s = strings.TrimSpace(defaultValue)
	}
	if s == "" {
		return 0, fmt.Errorf("no duration given")
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
