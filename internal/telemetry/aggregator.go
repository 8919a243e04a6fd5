package telemetry

import (
	"math"
	"time"
)

// DefaultWindow is the width of one aggregation window.
const DefaultWindow = time.Second

// Aggregator folds raw events into the currently open window.
//
// It never fails: unusable events are dropped and counted, and a window with
// no usable events closes as an all-zero sample with an idle ratio of 1.
// Aggregator is not safe for concurrent use.
type Aggregator struct {
	window  time.Duration
	weights Weights
	next    uint64

	// window-local state, reset on Close
	keys     int
	firstKey time.Time
	lastKey  time.Time
	distance float64
	clicks   int
	activity time.Duration

	// session-scoped pointer reference
	hasPointer bool
	lastX      float64
	lastY      float64

	dropped uint64
}

// NewAggregator creates an aggregator with the given window width and
// activity weights. A non-positive window falls back to DefaultWindow.
func NewAggregator(window time.Duration, weights Weights) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:  window,
		weights: weights,
	}
}

// Observe folds one event into the open window and reports whether it was used.
func (a *Aggregator) Observe(e Event) bool {
	if !e.usable() {
		a.dropped++
		return false
	}

	switch e.Kind {
	case KindKey:
		// Order-independent: the mean of consecutive sorted deltas is
		// (latest - earliest) / (n - 1).
		if a.keys == 0 || e.At.Before(a.firstKey) {
			a.firstKey = e.At
		}
		if a.keys == 0 || e.At.After(a.lastKey) {
			a.lastKey = e.At
		}
		a.keys++
		a.activity += a.weights.Key

	case KindMove:
		if !a.hasPointer {
			a.hasPointer = true
			a.lastX, a.lastY = e.X, e.Y
			return true
		}
		a.distance += math.Hypot(e.X-a.lastX, e.Y-a.lastY)
		a.lastX, a.lastY = e.X, e.Y
		a.activity += a.weights.Move

	case KindClick:
		a.clicks++
		a.activity += a.weights.Click
	}
	return true
}

// Close emits the sample for the open window and starts a new one.
func (a *Aggregator) Close(at time.Time) *FeatureSample {
	s := &FeatureSample{
		WindowIndex:     a.next,
		KeystrokeCount:  a.keys,
		TypingRate:      float64(a.keys),
		PointerDistance: a.distance,
		ClickCount:      a.clicks,
		IdleRatio:       idleRatio(a.activity, a.window),
		ClosedAt:        at,
	}
	if a.keys >= 2 {
		span := a.lastKey.Sub(a.firstKey)
		s.MeanKeyIntervalMs = float64(span) / float64(time.Millisecond) / float64(a.keys-1)
	}

	a.next++
	a.keys = 0
	a.firstKey = time.Time{}
	a.lastKey = time.Time{}
	a.distance = 0
	a.clicks = 0
	a.activity = 0
	return s
}

// Window returns the aggregation window width.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Dropped returns how many events were discarded as unusable.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped
}

func idleRatio(activity, window time.Duration) float64 {
	if activity > window {
		activity = window
	}
	r := 1 - float64(activity)/float64(window)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
