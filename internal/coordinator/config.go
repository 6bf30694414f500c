// ABOUTME: Coordinator tuning knobs with production defaults
// ABOUTME: Thresholds derive from the heartbeat interval unless set explicitly

package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid coordinator config")

// Config controls liveness detection, health scoring, recovery and store access.
type Config struct {
	HeartbeatInterval time.Duration
	// MissedThreshold is how many intervals may pass before an agent is SILENT.
	MissedThreshold int
	// EmergencyThreshold is the silence after which recovery starts.
	// Defaults to twice the silent threshold.
	EmergencyThreshold time.Duration
	HeartbeatRetention time.Duration

	MonitorInterval  time.Duration
	OptimizeInterval time.Duration
	HealthWindow     time.Duration

	// CriticalThreshold is the overall score below which recovery is triggered.
	CriticalThreshold float64
	TargetResponseMS  float64

	MaxRecoveryAttempts int
	// VerifyTimeout bounds how long a delivered command may wait for an
	// operational heartbeat. Defaults to two heartbeat intervals.
	VerifyTimeout time.Duration

	StoreTimeout  time.Duration
	StoreRetries  int
	RetryInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = 3
	}
	if c.EmergencyThreshold <= 0 {
		c.EmergencyThreshold = 2 * c.SilentThreshold()
	}
	if c.HeartbeatRetention <= 0 {
		c.HeartbeatRetention = 24 * time.Hour
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = 5 * time.Minute
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = time.Hour
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 60
	}
	if c.TargetResponseMS <= 0 {
		c.TargetResponseMS = 500
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 2 * c.HeartbeatInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	return c
}

// SilentThreshold is the heartbeat age after which a watched agent is SILENT.
func (c Config) SilentThreshold() time.Duration {
	return time.Duration(c.MissedThreshold) * c.HeartbeatInterval
}

// Validate checks a defaulted config for contradictions.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.EmergencyThreshold < c.SilentThreshold() {
		return fmt.Errorf("%w: emergency threshold %s is below silent threshold %s",
			ErrInvalidConfig, c.EmergencyThreshold, c.SilentThreshold())
	}
	if c.CriticalThreshold > 100 {
		return fmt.Errorf("%w: critical threshold %.1f exceeds 100", ErrInvalidConfig, c.CriticalThreshold)
	}
	if c.HealthWindow < c.HeartbeatInterval {
		return fmt.Errorf("%w: health window %s is shorter than one heartbeat interval", ErrInvalidConfig, c.HealthWindow)
	}
	return nil
}
