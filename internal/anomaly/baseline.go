// Package anomaly derives a behavioral baseline from a session's history and
// scores how far the latest window deviates from it.
package anomaly

import "contauth/internal/telemetry"

// DefaultBaselineWindow is how many of the oldest samples form the baseline.
const DefaultBaselineWindow = 10

// Baseline is the per-feature arithmetic mean over the baseline window.
type Baseline struct {
	TypingRate        float64 `json:"typing_rate"`
	MeanKeyIntervalMs float64 `json:"mean_key_interval_ms"`
	PointerDistance   float64 `json:"pointer_distance"`
	ClickCount        float64 `json:"click_count"`
	IdleRatio         float64 `json:"idle_ratio"`
	// Samples is the number of windows the means were taken over.
	Samples int `json:"samples"`
}

// Tracker supplies the baseline for one session's history.
//
// The baseline always covers the oldest min(window, len) retained samples,
// so it tracks the earliest behavior still in memory rather than recent
// behavior. Results are cached until the history is appended to again.
type Tracker struct {
	window int

	cached   Baseline
	cachedAt uint64
	hasCache bool
}

// NewTracker creates a tracker over the given baseline window.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultBaselineWindow
	}
	return &Tracker{window: window}
}

// Window returns the configured baseline window.
func (t *Tracker) Window() int {
	return t.window
}

// Baseline returns the current baseline of h. An empty history yields an
// all-zero baseline.
func (t *Tracker) Baseline(h *telemetry.History) Baseline {
	if t.hasCache && t.cachedAt == h.Appended() {
		return t.cached
	}
	b := Compute(h.Oldest(t.window))
	t.cached = b
	t.cachedAt = h.Appended()
	t.hasCache = true
	return b
}

// Compute returns the per-feature means of samples.
func Compute(samples []*telemetry.FeatureSample) Baseline {
	var b Baseline
	if len(samples) == 0 {
		return b
	}
	for _, s := range samples {
		b.TypingRate += s.TypingRate
		b.MeanKeyIntervalMs += s.MeanKeyIntervalMs
		b.PointerDistance += s.PointerDistance
		b.ClickCount += float64(s.ClickCount)
		b.IdleRatio += s.IdleRatio
	}
	n := float64(len(samples))
	b.TypingRate /= n
	b.MeanKeyIntervalMs /= n
	b.PointerDistance /= n
	b.ClickCount /= n
	b.IdleRatio /= n
	b.Samples = len(samples)
	return b
}
