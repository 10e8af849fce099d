package session

import (
	"fmt"
	"strconv"
	"strings"
)

// LimitResolver returns the active-session cap for a user.
// Implementations must return a value >= 1.
type LimitResolver interface {
	Limit(userID string) int
}

// StaticLimits applies one default cap with optional per-user overrides.
type StaticLimits struct {
	Default   int
	Overrides map[string]int
}

// Limit implements LimitResolver.
func (l StaticLimits) Limit(userID string) int {
	if n, ok := l.Overrides[userID]; ok && n > 0 {
		return n
	}
	if l.Default < 1 {
		return 1
	}
	return l.Default
}

// LimitsFromConfig builds the resolver described by cfg.
func LimitsFromConfig(cfg Config) StaticLimits {
	return StaticLimits{Default: cfg.MaxDevices, Overrides: cfg.LimitOverrides}
}

// ParseLimitOverrides parses "user-a=5,user-b=1" into a map.
// Whitespace around entries is ignored; empty entries are skipped.
func ParseLimitOverrides(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		user, val, ok := strings.Cut(part, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return nil, fmt.Errorf("%w: limit override %q", ErrConfig, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: limit override %q", ErrConfig, part)
		}
		out[user] = n
	}
	return out, nil
}
