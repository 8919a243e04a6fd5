package telemetry

import "time"

// DefaultHistoryCapacity is the number of windows retained per session.
const DefaultHistoryCapacity = 60

// FeatureSample holds the features derived from one closed window.
//
// A sample is immutable once emitted except for Score, which the scorer sets
// exactly once through SetScore.
type FeatureSample struct {
	WindowIndex       uint64    `json:"window_index"`
	KeystrokeCount    int       `json:"keystroke_count"`
	TypingRate        float64   `json:"typing_rate"`
	MeanKeyIntervalMs float64   `json:"mean_key_interval_ms"`
	PointerDistance   float64   `json:"pointer_distance"`
	ClickCount        int       `json:"click_count"`
	IdleRatio         float64   `json:"idle_ratio"`
	Score             float64   `json:"score"`
	ClosedAt          time.Time `json:"closed_at"`

	scored bool
}

// SetScore records the anomaly score. Only the first call has an effect;
// later calls return false and leave the score untouched.
func (s *FeatureSample) SetScore(score float64) bool {
	if s.scored {
		return false
	}
	s.Score = score
	s.scored = true
	return true
}

// Scored reports whether SetScore has been called.
func (s *FeatureSample) Scored() bool {
	return s.scored
}

// History is a fixed-capacity FIFO ring of samples, oldest first.
// It is not safe for concurrent use; the owning session serialises access.
type History struct {
	buf      []*FeatureSample
	start    int
	size     int
	appended uint64
}

// NewHistory creates a history that retains at most capacity samples.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{buf: make([]*FeatureSample, capacity)}
}

// Append adds a sample, evicting and returning the oldest one when full.
func (h *History) Append(s *FeatureSample) (evicted *FeatureSample) {
	h.appended++
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return nil
	}
	evicted = h.buf[h.start]
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
	return evicted
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	return h.size
}

// Cap returns the maximum number of retained samples.
func (h *History) Cap() int {
	return len(h.buf)
}

// Appended returns the total number of samples ever appended. It changes on
// every Append, so callers can use it to detect a modified history.
func (h *History) Appended() uint64 {
	return h.appended
}

// Latest returns the most recently appended sample, or nil when empty.
func (h *History) Latest() *FeatureSample {
	if h.size == 0 {
		return nil
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)]
}

// Oldest returns up to n samples starting from the oldest retained one.
func (h *History) Oldest(n int) []*FeatureSample {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*FeatureSample, n)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Snapshot returns copies of all retained samples, oldest first.
func (h *History) Snapshot() []FeatureSample {
	out := make([]FeatureSample, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = *h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
