package scheduler

import (
	"math/rand/v2"
	"time"
)

const maxStartupSpread = 30 * time.Second

// startupSpread picks a random extra delay for the first run of an
// interval schedule so instances restarted together do not fire together.
func startupSpread(every time.Duration) time.Duration {
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return 0
	}
	return rand.N(spreadMax)
}
