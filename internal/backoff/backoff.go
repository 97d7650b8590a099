// Package backoff computes retry delays for failed jobs: exponential in
// the attempt count, capped, with additive jitter so bulk-enqueued jobs
// do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Delay returns the wait before the next attempt:
//
//	min(maxCapS, base^attempts) + U(0, base/2)  seconds
//
// where U(0, x) is a uniform draw in [0, x). attempts is the number of
// attempts that failed before the current one, so the first retry is
// Delay(0, ...) and waits at least base^0 = 1 second; below the cap the
// wait is at least base^attempts seconds. The result is strictly
// non-negative and bounded above by maxCapS + base/2 seconds.
func Delay(attempts int, base float64, maxCapS int) time.Duration {
	exp := math.Pow(base, float64(attempts))
	capped := math.Min(float64(maxCapS), exp)
	jitter := rand.Float64() * base / 2

	return time.Duration((capped + jitter) * float64(time.Second))
}
