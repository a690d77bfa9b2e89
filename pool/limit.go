package pool

import "runtime"

// CPUCounter reports the number of CPUs available right now
type CPUCounter func() int

// LiveCPUCount is the default CPUCounter
func LiveCPUCount() int {
	return runtime.NumCPU()
}

// ComputeLimit returns how many sandboxes may exist at once. A configured
// maximum <= 0 means unset. When a transpiler runs next to the tests one CPU
// is left to it. The result is never below 1.
func ComputeLimit(configuredMax, liveCPUCount int, transpilersPresent bool) int {
	limit := liveCPUCount
	if configuredMax > 0 {
		limit = min(configuredMax, liveCPUCount)
	}
	if transpilersPresent {
		limit--
	}
	return max(limit, 1)
}
