package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for the admission protocol.
type Config struct {
	// MaxDevices is the default per-user cap on active sessions (N).
	MaxDevices int

	// LimitOverrides replaces MaxDevices for specific users.
	LimitOverrides map[string]int

	// HeartbeatInterval is the polling period handed to devices at login.
	HeartbeatInterval time.Duration

	// IdleTTL, when > 0, lets ReclaimIdle evict active sessions whose
	// last heartbeat is older than the TTL. Zero disables reclamation.
	IdleTTL time.Duration

	// SweepInterval is how often RunSweeper calls ReclaimIdle.
	SweepInterval time.Duration

	// SweepBatch caps the number of users handled per sweep pass.
	SweepBatch int

	// MaxIDLength bounds user and device identifiers (bytes).
	MaxIDLength int
}

// DefaultConfig returns the defaults used when no environment overrides are set.
func DefaultConfig() Config {
	return Config{
		MaxDevices:        3,
		HeartbeatInterval: 30 * time.Second,
		IdleTTL:           0,
		SweepInterval:     5 * time.Minute,
		SweepBatch:        500,
		MaxIDLength:       256,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - DEVICECAP_SESSION_MAX_CONCURRENT (int >= 1)
//   - DEVICECAP_SESSION_LIMIT_OVERRIDES ("user-a=5,user-b=1")
//   - DEVICECAP_SESSION_HEARTBEAT_INTERVAL (duration)
//   - DEVICECAP_SESSION_IDLE_TTL (duration, "0" disables)
//   - DEVICECAP_SESSION_SWEEP_INTERVAL (duration)
//   - DEVICECAP_SESSION_SWEEP_BATCH (int >= 1)
//
// Returns ErrConfig if any value is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_MAX_CONCURRENT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.MaxDevices = n
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_LIMIT_OVERRIDES")); v != "" {
		overrides, err := ParseLimitOverrides(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LimitOverrides = overrides
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_HEARTBEAT_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.HeartbeatInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_IDLE_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.IdleTTL = d
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_SWEEP_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SweepInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("DEVICECAP_SESSION_SWEEP_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.SweepBatch = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that env parsing alone cannot express.
func (c Config) Validate() error {
	if c.MaxDevices < 1 || c.HeartbeatInterval <= 0 || c.MaxIDLength < 1 {
		return ErrConfig
	}
	if c.IdleTTL < 0 {
		return ErrConfig
	}
	// An idle TTL shorter than two polling periods would evict devices that are merely between polls.
	if c.IdleTTL > 0 && c.IdleTTL < 2*c.HeartbeatInterval {
		return ErrConfig
	}
	for _, n := range c.LimitOverrides {
		if n < 1 {
			return ErrConfig
		}
	}
	return nil
}
