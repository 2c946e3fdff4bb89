package havenchat

import (
	"math"
	"time"
)

// reconnector tracks consecutive unintentional closes and the circuit breaker.
// It is not safe for concurrent use; ConnectionManager guards it with its mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	maxAttempts int

	attempt     int
	circuitOpen bool
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		multiplier:  cfg.ReconnectMultiplier,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// delay returns the wait before reconnect attempt n (0-based):
// min(base * multiplier^n, max).
func (r *reconnector) delay(n int) time.Duration {
	d := float64(r.baseDelay) * math.Pow(r.multiplier, float64(n))
	return time.Duration(math.Min(d, float64(r.maxDelay)))
}

// next records a close. It returns the delay before the next attempt, or
// ok=false when no attempt should be scheduled because the circuit is (or
// just became) open. tripped is true only on the close that opens it.
func (r *reconnector) next() (d time.Duration, ok, tripped bool) {
	if r.circuitOpen {
		return 0, false, false
	}
	r.attempt++
	if r.attempt >= r.maxAttempts {
		r.circuitOpen = true
		return 0, false, true
	}
	return r.delay(r.attempt - 1), true, false
}

func (r *reconnector) markConnected() {
	r.attempt = 0
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.circuitOpen = false
}
