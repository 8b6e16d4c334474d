package metrics

import (
	"sync"
	"sync/atomic"
)

// automationStats holds in-process counters for executor activity.
// Kept simple/thread-safe for use from the executor and exposition.
type automationStats struct {
	runsStarted    uint64
	actionsDeduped uint64
	rateLimitDrops uint64
	mu             sync.Mutex
	runsByStatus   map[string]uint64
	actionsByState map[string]uint64
}

var auto automationStats

// IncRunStarted counts one run entering RUNNING.
func IncRunStarted() {
	atomic.AddUint64(&auto.runsStarted, 1)
}

// IncRunFinished counts one finalized run by aggregate status.
func IncRunFinished(status string) {
	auto.mu.Lock()
	if auto.runsByStatus == nil {
		auto.runsByStatus = make(map[string]uint64)
	}
	auto.runsByStatus[status]++
	auto.mu.Unlock()
}

// IncActionDeduped counts one action skipped by the dedup check.
func IncActionDeduped() {
	atomic.AddUint64(&auto.actionsDeduped, 1)
}

// IncActionOutcome counts one action attempt by terminal state.
func IncActionOutcome(status string) {
	auto.mu.Lock()
	if auto.actionsByState == nil {
		auto.actionsByState = make(map[string]uint64)
	}
	auto.actionsByState[status]++
	auto.mu.Unlock()
}

// IncRateLimitDrop counts one request rejected by the rate limiter.
func IncRateLimitDrop() {
	atomic.AddUint64(&auto.rateLimitDrops, 1)
}

// RateLimitDrops returns the total rejected request count.
func RateLimitDrops() uint64 {
	return atomic.LoadUint64(&auto.rateLimitDrops)
}

// Snapshot returns a copy of the current counters.
func Snapshot() (runsStarted, actionsDeduped uint64, runsByStatus, actionsByState map[string]uint64) {
	runsStarted = atomic.LoadUint64(&auto.runsStarted)
	actionsDeduped = atomic.LoadUint64(&auto.actionsDeduped)
	auto.mu.Lock()
	defer auto.mu.Unlock()
	runsByStatus = make(map[string]uint64, len(auto.runsByStatus))
	for k, v := range auto.runsByStatus {
		runsByStatus[k] = v
	}
	actionsByState = make(map[string]uint64, len(auto.actionsByState))
	for k, v := range auto.actionsByState {
		actionsByState[k] = v
	}
	return runsStarted, actionsDeduped, runsByStatus, actionsByState
}
