package worker

import (
	"math"
	"time"
)

// Strategy computes how long a failed job waits before any worker may claim
// it again.
type Strategy interface {
	// Delay receives the attempt count after the failure was recorded.
	Delay(attempts int) time.Duration
}

// Exponential waits Unit * Base^attempts, capped at Max when Max > 0.
// With Base 2 and a one second unit the delays run 2s, 4s, 8s, 16s.
type Exponential struct {
	Base float64
	Unit time.Duration
	Max  time.Duration
}

// NewExponential returns the policy the worker uses by default.
func NewExponential(base float64, maxDelay time.Duration) Exponential {
	return Exponential{Base: base, Unit: time.Second, Max: maxDelay}
}

func (e Exponential) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	limit := time.Duration(math.MaxInt64)
	if e.Max > 0 {
		limit = e.Max
	}
	d := float64(e.Unit) * math.Pow(e.Base, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
