package crawler

import (
	"sync"
	"time"
)

// adaptiveDelay adjusts the inter-request pause from observed outcomes.
// Sustained success speeds up toward the floor, repeated errors back off
// toward the ceiling.
type adaptiveDelay struct {
	mu      sync.Mutex
	current time.Duration
	min     time.Duration
	max     time.Duration

	successStreak int
	errorStreak   int
}

const (
	speedUpAfter  = 5
	backOffAfter  = 2
	speedUpFactor = 0.9
	backOffFactor = 1.5
)

func newAdaptiveDelay(base, min, max time.Duration) *adaptiveDelay {
	if base < min {
		base = min
	}
	if base > max {
		base = max
	}
	return &adaptiveDelay{current: base, min: min, max: max}
}

// Current returns the delay to apply before the next request.
func (d *adaptiveDelay) Current() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// RecordSuccess notes a successful fetch and may shorten the delay.
func (d *adaptiveDelay) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorStreak = 0
	d.successStreak++
	if d.successStreak > speedUpAfter {
		d.current = time.Duration(float64(d.current) * speedUpFactor)
		if d.current < d.min {
			d.current = d.min
		}
		d.successStreak = 0
	}
}

// RecordError notes a failed fetch and may lengthen the delay.
func (d *adaptiveDelay) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successStreak = 0
	d.errorStreak++
	if d.errorStreak > backOffAfter {
		d.current = time.Duration(float64(d.current) * backOffFactor)
		if d.current > d.max {
			d.current = d.max
		}
		d.errorStreak = 0
	}
}
