package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contauth/internal/telemetry"
)

func sampleAt(typing, pointer float64, clicks int, idle float64) *telemetry.FeatureSample {
	return &telemetry.FeatureSample{
		KeystrokeCount:  int(typing),
		TypingRate:      typing,
		PointerDistance: pointer,
		ClickCount:      clicks,
		IdleRatio:       idle,
	}
}

// ===== Tests for Baseline =====

func TestBaselineEmptyHistory(t *testing.T) {
	tr := NewTracker(0)
	b := tr.Baseline(telemetry.NewHistory(60))

	assert.Equal(t, Baseline{}, b)
	assert.Equal(t, DefaultBaselineWindow, tr.Window())
}

func TestBaselineUsesOldestPrefix(t *testing.T) {
	h := telemetry.NewHistory(60)
	for i := 0; i < 10; i++ {
		h.Append(sampleAt(4, 100, 1, 0.5))
	}
	// recent behavior must not shift the baseline
	h.Append(sampleAt(40, 5000, 9, 0))
	h.Append(sampleAt(40, 5000, 9, 0))

	b := NewTracker(10).Baseline(h)

	assert.Equal(t, 10, b.Samples)
	assert.InDelta(t, 4, b.TypingRate, 1e-9)
	assert.InDelta(t, 100, b.PointerDistance, 1e-9)
	assert.InDelta(t, 1, b.ClickCount, 1e-9)
	assert.InDelta(t, 0.5, b.IdleRatio, 1e-9)
}

func TestBaselineShortHistory(t *testing.T) {
	h := telemetry.NewHistory(60)
	h.Append(sampleAt(2, 10, 0, 1))
	h.Append(sampleAt(4, 30, 2, 0))

	b := NewTracker(10).Baseline(h)

	assert.Equal(t, 2, b.Samples)
	assert.InDelta(t, 3, b.TypingRate, 1e-9)
	assert.InDelta(t, 20, b.PointerDistance, 1e-9)
	assert.InDelta(t, 1, b.ClickCount, 1e-9)
	assert.InDelta(t, 0.5, b.IdleRatio, 1e-9)
}

func TestBaselineFollowsEviction(t *testing.T) {
	h := telemetry.NewHistory(3)
	h.Append(sampleAt(1, 0, 0, 1))
	h.Append(sampleAt(2, 0, 0, 1))
	h.Append(sampleAt(3, 0, 0, 1))

	tr := NewTracker(2)
	assert.InDelta(t, 1.5, tr.Baseline(h).TypingRate, 1e-9)

	h.Append(sampleAt(4, 0, 0, 1))
	assert.InDelta(t, 2.5, tr.Baseline(h).TypingRate, 1e-9)
}

// ===== Tests for Scorer =====

func TestScoreScenarioIdentical(t *testing.T) {
	s := NewScorer(DefaultConfig())
	base := Baseline{TypingRate: 5, PointerDistance: 80, ClickCount: 1, IdleRatio: 0.9}

	r := s.Score(base, sampleAt(5, 80, 1, 0.9))

	assert.Equal(t, 0.0, r.Score)
	assert.Equal(t, SeverityNone, r.Severity)
	assert.Equal(t, FeatureNone, r.Dominant)
	assert.False(t, r.IsAnomaly())
}

func TestScoreScenarioPointerDeviation(t *testing.T) {
	s := NewScorer(DefaultConfig())
	base := Baseline{TypingRate: 3, PointerDistance: 100, ClickCount: 1, IdleRatio: 0.8}

	r := s.Score(base, sampleAt(3, 250, 1, 0.8))

	assert.InDelta(t, 1.0, r.Normalized[FeaturePointer], 1e-9)
	assert.Equal(t, 0.35, r.Score)
	assert.Equal(t, SeverityNone, r.Severity)
	assert.Equal(t, FeaturePointer, r.Dominant)
}

func TestScoreScenarioMaximal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Smoothing.IdleScale = 0.1
	s := NewScorer(cfg)

	r := s.Score(Baseline{}, sampleAt(100, 10000, 50, 1))

	for _, f := range Features {
		assert.Equal(t, 10.0, r.Normalized[f], "feature %s", f)
	}
	assert.Equal(t, 10.0, r.Score)
	assert.Equal(t, SeveritySevere, r.Severity)
}

func TestScoreIsBoundedWithStockPolicy(t *testing.T) {
	s := NewScorer(DefaultConfig())

	r := s.Score(Baseline{}, sampleAt(1e6, 1e9, 1e6, 1))

	assert.LessOrEqual(t, r.Score, 10.0)
	assert.GreaterOrEqual(t, r.Score, 0.0)
	// idle can contribute at most 1/0.5 = 2 normalized
	assert.Equal(t, 2.0, r.Normalized[FeatureIdle])
}

func TestScoreSetsSampleOnce(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sample := sampleAt(3, 250, 1, 0.8)
	base := Baseline{TypingRate: 3, PointerDistance: 100, ClickCount: 1, IdleRatio: 0.8}

	first := s.Score(base, sample)
	require.True(t, sample.Scored())

	second := s.Score(Baseline{}, sample)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Score, sample.Score)
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(DefaultConfig())
	base := Baseline{TypingRate: 4.2, PointerDistance: 310, ClickCount: 0.7, IdleRatio: 0.93}

	a := s.Evaluate(base, sampleAt(9, 1200, 3, 0.4))
	b := s.Evaluate(base, sampleAt(9, 1200, 3, 0.4))

	assert.Equal(t, a, b)
}

func TestScoreRoundsToHundredths(t *testing.T) {
	s := NewScorer(DefaultConfig())
	// n_typing = 1/3, weighted 0.11666...
	r := s.Evaluate(Baseline{TypingRate: 2}, sampleAt(3, 0, 0, 0))

	assert.Equal(t, 0.12, r.Score)
}

func TestDominantTieBreak(t *testing.T) {
	s := NewScorer(DefaultConfig())
	// typing and pointer both normalize to 1 with equal weights
	r := s.Evaluate(Baseline{}, sampleAt(1, 50, 0, 0))

	assert.Equal(t, FeatureTyping, r.Dominant)
}

func TestClassify(t *testing.T) {
	s := NewScorer(DefaultConfig())

	tests := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityNone},
		{2.19, SeverityNone},
		{2.2, SeverityModerate},
		{3.49, SeverityModerate},
		{3.5, SeveritySevere},
		{10, SeveritySevere},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Classify(tt.score), "score %v", tt.score)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Weights.Idle = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Smoothing.Pointer = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Severe = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Weights = Weights{Typing: 1, Pointer: 1, Clicks: 1, Idle: 1}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Clamp = 40
	assert.Error(t, bad.Validate())
}

func TestScoreNeverExceedsMax(t *testing.T) {
	// an unvalidated policy still cannot push a score past the ceiling
	cfg := DefaultConfig()
	cfg.Weights = Weights{Typing: 1, Pointer: 1, Clicks: 1, Idle: 1}
	s := NewScorer(cfg)

	r := s.Score(Baseline{}, sampleAt(200, 5000, 30, 1))

	assert.Equal(t, float64(MaxScore), r.Score)
	assert.Equal(t, SeveritySevere, r.Severity)
}
