package transport

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes reconnect delays: exponential backoff with jitter,
// capped at max. The attempt counter resets once a connection has stayed up
// longer than the stability window, so a long-lived session that drops gets
// a fast first retry.
type reconnector struct {
	min       time.Duration
	max       time.Duration
	stability time.Duration

	attempt     int
	connectedAt time.Time
}

func newReconnector(min, max, stability time.Duration) *reconnector {
	return &reconnector{min: min, max: max, stability: stability}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stability {
		// One reset per stable session, then the outage escalates normally.
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.min) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.min)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.max),
	))
	r.attempt++
	return delay
}
