package optimize

import "time"

// Metrics receives observations from Optimize. Implementations must be
// safe for concurrent use.
type Metrics interface {
	Requested()
	Skipped(reason SkipReason)
	// Decoded is called after a successful full decode.
	Decoded(pixels uint64)
	Optimized(variants int, bytesSaved int64, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Requested()                          {}
func (nopMetrics) Skipped(SkipReason)                  {}
func (nopMetrics) Decoded(uint64)                      {}
func (nopMetrics) Optimized(int, int64, time.Duration) {}
