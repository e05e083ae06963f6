package connection

import (
	"math"
	"time"
)

// Backoff is a capped exponential reconnection delay
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultBackoff yields 1s, 1.5s, 2.25s, 3.375s ... capped at 10s
var DefaultBackoff = Backoff{
	Base:   time.Second,
	Factor: 1.5,
	Max:    10 * time.Second,
}

// Delay returns min(Base * Factor^attempts, Max)
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempts))
	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 0) || math.IsNaN(delay)) {
		return b.Max
	}
	return time.Duration(delay)
}
