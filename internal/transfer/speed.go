package transfer

import (
	"time"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// instantRate returns bytes/sec between two samples. A backwards byte count
// (retransmission, reset) yields 0, never a negative rate.
func instantRate(prevBytes, curBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	rate := float64(curBytes-prevBytes) / elapsed.Seconds()
	if rate < 0 {
		return 0
	}
	return rate
}

// smoothSpeed folds a new instantaneous rate into the running estimate.
// A zero estimate adopts the rate outright so the first reading does not ramp up slowly.
func smoothSpeed(prev, rate float64) float64 {
	if prev == 0 {
		return rate
	}
	return constants.SpeedSmoothingWeight*rate + (1-constants.SpeedSmoothingWeight)*prev
}
