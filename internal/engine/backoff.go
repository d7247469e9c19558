package engine

import (
	"context"
	"time"
)

// BackoffConfig configures delays between startup attempts. Startup uses a
// linear schedule: attempt a (0-indexed) that failed waits BaseDelay*(a+1).
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay: time.Second,
		MaxDelay:  0,
	}
}

// DelayForAttempt returns the wait after the failed attempt with the given
// 0-based index.
func DelayForAttempt(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if cfg.BaseDelay <= 0 {
		return 0
	}
	d := cfg.BaseDelay * time.Duration(attempt+1)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
