package transfer

import "time"

// Throttle limits how often progress is published: at most once per Every
// objects or once per Interval, whichever comes first.
type Throttle struct {
	Every    int
	Interval time.Duration

	now     func() time.Time
	last    time.Time
	pending int
	started bool
}

// NewThrottle returns a throttle using the wall clock.
func NewThrottle(every int, interval time.Duration) *Throttle {
	return &Throttle{Every: every, Interval: interval, now: time.Now}
}

// Tick records one processed object and reports whether an update is due.
func (t *Throttle) Tick() bool {
	now := t.now()
	if !t.started {
		t.started = true
		t.last = now
	}
	t.pending++
	due := (t.Every > 0 && t.pending >= t.Every) ||
		(t.Interval > 0 && now.Sub(t.last) >= t.Interval) ||
		(t.Every <= 0 && t.Interval <= 0)
	if due {
		t.pending = 0
		t.last = now
	}
	return due
}
