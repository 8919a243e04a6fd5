// Package telemetry turns raw input events into per-window feature samples.
//
// IMPORTANT: This package never records which keys are pressed or where the
// pointer points on screen in absolute terms beyond the running delta. Only
// counts, timing and travelled distance survive a window:
// - Keylogger: Records "h", "e", "l", "l", "o" → "hello"
// - This package: Records "5 keystrokes, mean interval 110ms"
//
// Events are folded into a fixed-width window (1s by default). Closing a
// window yields one FeatureSample, which is appended to a bounded History.
package telemetry

import (
	"math"
	"time"
)

// EventKind identifies a raw input event.
type EventKind string

const (
	KindKey   EventKind = "key"
	KindMove  EventKind = "move"
	KindClick EventKind = "click"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindKey, KindMove, KindClick:
		return true
	default:
		return false
	}
}

// Event is one raw input event delivered by the transport layer.
type Event struct {
	Kind EventKind `json:"kind"`
	// X and Y are pointer coordinates in pixels. Only used for KindMove.
	X  float64   `json:"x,omitempty"`
	Y  float64   `json:"y,omitempty"`
	At time.Time `json:"at"`
}

// usable reports whether an event carries enough signal to be folded in.
func (e Event) usable() bool {
	if !e.Kind.Valid() || e.At.IsZero() {
		return false
	}
	if e.Kind == KindMove {
		return finite(e.X) && finite(e.Y)
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Weights is the activity weight each event kind contributes to a window.
// The sum is a coarse proxy for how much of the window had signal.
type Weights struct {
	Key   time.Duration
	Move  time.Duration
	Click time.Duration
}

// DefaultWeights returns the stock activity weights.
func DefaultWeights() Weights {
	return Weights{
		Key:   5 * time.Millisecond,
		Move:  8 * time.Millisecond,
		Click: 20 * time.Millisecond,
	}
}
