package gateway

import (
	"math/rand"
	"time"
)

// Retry policy for provider calls. Only throttling (429) and transient
// unavailability (5xx, network) are retried; everything else fails the call
// on the first attempt.
const (
	// maxAttempts bounds total provider attempts per call.
	maxAttempts = 3
	// backoffBase is the delay before the first retry.
	backoffBase = 500 * time.Millisecond
	// backoffMultiplier doubles the delay per subsequent retry.
	backoffMultiplier = 2
	// backoffJitter is the symmetric jitter fraction applied to each delay.
	backoffJitter = 0.2
)

// backoffDelay returns the jittered delay before retry number retry (zero
// based): base * multiplier^retry, spread uniformly within the jitter band.
func backoffDelay(retry int) time.Duration {
	d := backoffBase
	for i := 0; i < retry; i++ {
		d *= backoffMultiplier
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
