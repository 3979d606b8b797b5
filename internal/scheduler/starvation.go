package scheduler

import "time"

// StarvationMode selects how queued-too-long tasks get boosted.
type StarvationMode int

const (
	StarvationNone StarvationMode = iota
	StarvationFixedBoost
	StarvationAdaptiveBoost
	StarvationQuota
)

// starvationBoostFor computes the additive score boost for a task that has
// waited `wait` against the configured mode, capped at maxBoost.
func starvationBoostFor(mode StarvationMode, wait, maxStarvation time.Duration, maxBoost float64) float64 {
	if maxStarvation <= 0 || wait < maxStarvation {
		return 0
	}
	switch mode {
	case StarvationFixedBoost:
		return maxBoost
	case StarvationAdaptiveBoost:
		ratio := wait.Seconds() / maxStarvation.Seconds()
		boost := maxBoost * ratio
		if boost > maxBoost*4 { // bound runaway growth for very old tasks
			boost = maxBoost * 4
		}
		return boost
	default:
		return 0
	}
}

// quotaTracker implements StarvationQuota: it guarantees each originator
// (by default, the task's Category) at least minExecutionQuota of recent
// selections over a rolling window of `window` selections.
type quotaTracker struct {
	window      int
	minQuota    float64
	recent      []string // originators of the last `window` selections, oldest first
}

func newQuotaTracker(window int, minQuota float64) *quotaTracker {
	if window <= 0 {
		window = 100
	}
	return &quotaTracker{window: window, minQuota: minQuota}
}

func (q *quotaTracker) record(originator string) {
	q.recent = append(q.recent, originator)
	if len(q.recent) > q.window {
		q.recent = q.recent[len(q.recent)-q.window:]
	}
}

// deficit returns how far below its quota originator currently sits, in
// [0,1]; 0 means at or above quota.
func (q *quotaTracker) deficit(originator string) float64 {
	if len(q.recent) == 0 {
		return 0
	}
	var count int
	for _, o := range q.recent {
		if o == originator {
			count++
		}
	}
	share := float64(count) / float64(len(q.recent))
	if share >= q.minQuota {
		return 0
	}
	return q.minQuota - share
}
