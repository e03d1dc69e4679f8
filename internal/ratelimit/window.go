package ratelimit

import "time"

type windowEntry struct {
	at     time.Time
	weight int
}

// window is a sliding window of weighted entries ordered by time.
// Expired entries are evicted lazily on each access.
type window struct {
	size    time.Duration
	entries []windowEntry
}

func newWindow(size time.Duration) *window {
	if size <= 0 {
		size = DefaultComplexityWindow
	}
	return &window{size: size}
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// sum returns the total weight inside the window at now.
func (w *window) sum(now time.Time) int {
	w.evict(now)
	total := 0
	for _, e := range w.entries {
		total += e.weight
	}
	return total
}

func (w *window) add(now time.Time, weight int) {
	w.entries = append(w.entries, windowEntry{at: now, weight: weight})
}

// wait returns how long until the window has room for weight under threshold.
// The second value is false when no amount of waiting helps.
func (w *window) wait(now time.Time, weight, threshold int) (time.Duration, bool) {
	if weight > threshold {
		return 0, false
	}
	over := w.sum(now) + weight - threshold
	if over <= 0 {
		return 0, true
	}
	freed := 0
	for _, e := range w.entries {
		freed += e.weight
		if freed >= over {
			return e.at.Add(w.size).Sub(now), true
		}
	}
	return 0, false
}

func (w *window) reset() {
	w.entries = nil
}
