package anomaly

import (
	"fmt"
	"math"

	"contauth/internal/telemetry"
)

// Feature names one scored behavioral feature.
type Feature string

const (
	FeatureNone    Feature = ""
	FeatureTyping  Feature = "typing"
	FeaturePointer Feature = "pointer"
	FeatureClicks  Feature = "clicks"
	FeatureIdle    Feature = "idle"
)

// Features lists the scored features in tie-break order.
var Features = []Feature{FeatureTyping, FeaturePointer, FeatureClicks, FeatureIdle}

// Severity is the band a score falls into.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Weights are the per-feature multipliers applied to normalized deviations.
type Weights struct {
	Typing  float64 `toml:"typing" json:"typing" yaml:"typing"`
	Pointer float64 `toml:"pointer" json:"pointer" yaml:"pointer"`
	Clicks  float64 `toml:"clicks" json:"clicks" yaml:"clicks"`
	Idle    float64 `toml:"idle" json:"idle" yaml:"idle"`
}

// Smoothing is added to (or, for idle, used as) the denominator of each
// normalization so that a zero baseline never divides by zero.
type Smoothing struct {
	Typing    float64 `toml:"typing" json:"typing" yaml:"typing"`
	Pointer   float64 `toml:"pointer" json:"pointer" yaml:"pointer"`
	Clicks    float64 `toml:"clicks" json:"clicks" yaml:"clicks"`
	IdleScale float64 `toml:"idle_scale" json:"idle_scale" yaml:"idle_scale"`
}

// Config holds scoring policy.
type Config struct {
	Weights   Weights   `toml:"weights" json:"weights" yaml:"weights"`
	Smoothing Smoothing `toml:"smoothing" json:"smoothing" yaml:"smoothing"`
	Clamp     float64   `toml:"clamp" json:"clamp" yaml:"clamp"`
	Moderate  float64   `toml:"moderate_threshold" json:"moderate_threshold" yaml:"moderate_threshold"`
	Severe    float64   `toml:"severe_threshold" json:"severe_threshold" yaml:"severe_threshold"`
}

// MaxScore bounds every window score.
const MaxScore = 10

// weightSlack absorbs float rounding in the weight sum.
const weightSlack = 1e-9

// DefaultConfig returns the stock scoring policy.
func DefaultConfig() Config {
	return Config{
		Weights:   Weights{Typing: 0.35, Pointer: 0.35, Clicks: 0.15, Idle: 0.15},
		Smoothing: Smoothing{Typing: 1, Pointer: 50, Clicks: 1, IdleScale: 0.5},
		Clamp:     10,
		Moderate:  2.2,
		Severe:    3.5,
	}
}

// Validate checks that the policy can produce bounded, well-defined scores.
func (c Config) Validate() error {
	for name, w := range map[string]float64{
		"typing": c.Weights.Typing, "pointer": c.Weights.Pointer,
		"clicks": c.Weights.Clicks, "idle": c.Weights.Idle,
	} {
		if w < 0 {
			return fmt.Errorf("weight %s must be non-negative", name)
		}
	}
	if c.Smoothing.Typing <= 0 || c.Smoothing.Pointer <= 0 || c.Smoothing.Clicks <= 0 || c.Smoothing.IdleScale <= 0 {
		return fmt.Errorf("smoothing terms must be positive")
	}
	if sum := c.Weights.Typing + c.Weights.Pointer + c.Weights.Clicks + c.Weights.Idle; sum > 1+weightSlack {
		return fmt.Errorf("weights sum to %.4g; must not exceed 1", sum)
	}
	if c.Clamp <= 0 || c.Clamp > MaxScore {
		return fmt.Errorf("clamp must be in (0, %g]", float64(MaxScore))
	}
	if c.Moderate <= 0 || c.Severe < c.Moderate {
		return fmt.Errorf("thresholds must satisfy 0 < moderate <= severe")
	}
	return nil
}

// Result is the outcome of scoring one sample.
type Result struct {
	Score      float64             `json:"score"`
	Severity   Severity            `json:"severity"`
	Dominant   Feature             `json:"dominant,omitempty"`
	Normalized map[Feature]float64 `json:"normalized"`
}

// IsAnomaly reports whether the result falls in a logged band.
func (r Result) IsAnomaly() bool {
	return r.Severity != SeverityNone
}

// Scorer computes bounded deviation scores. It holds no per-session state
// and is safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given policy.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's policy.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score compares sample against base, records the score on the sample and
// returns the full result. If the sample was already scored its existing
// score is kept and the severity is derived from it.
func (s *Scorer) Score(base Baseline, sample *telemetry.FeatureSample) Result {
	r := s.Evaluate(base, sample)
	if !sample.SetScore(r.Score) {
		r.Score = sample.Score
		r.Severity = s.Classify(r.Score)
	}
	return r
}

// Evaluate computes the result without touching the sample.
func (s *Scorer) Evaluate(base Baseline, sample *telemetry.FeatureSample) Result {
	c := s.cfg
	n := map[Feature]float64{
		FeatureTyping:  s.clamp(math.Abs(sample.TypingRate-base.TypingRate) / (base.TypingRate + c.Smoothing.Typing)),
		FeaturePointer: s.clamp(math.Abs(sample.PointerDistance-base.PointerDistance) / (base.PointerDistance + c.Smoothing.Pointer)),
		FeatureClicks:  s.clamp(math.Abs(float64(sample.ClickCount)-base.ClickCount) / (base.ClickCount + c.Smoothing.Clicks)),
		FeatureIdle:    s.clamp(math.Abs(sample.IdleRatio-base.IdleRatio) / c.Smoothing.IdleScale),
	}

	terms := map[Feature]float64{
		FeatureTyping:  c.Weights.Typing * n[FeatureTyping],
		FeaturePointer: c.Weights.Pointer * n[FeaturePointer],
		FeatureClicks:  c.Weights.Clicks * n[FeatureClicks],
		FeatureIdle:    c.Weights.Idle * n[FeatureIdle],
	}

	var raw float64
	dominant, best := FeatureNone, 0.0
	for _, f := range Features {
		raw += terms[f]
		if terms[f] > best {
			dominant, best = f, terms[f]
		}
	}

	score := round2(math.Min(raw, MaxScore))
	return Result{
		Score:      score,
		Severity:   s.Classify(score),
		Dominant:   dominant,
		Normalized: n,
	}
}

// Classify maps a score to its severity band.
func (s *Scorer) Classify(score float64) Severity {
	switch {
	case score >= s.cfg.Severe:
		return SeveritySevere
	case score >= s.cfg.Moderate:
		return SeverityModerate
	default:
		return SeverityNone
	}
}

func (s *Scorer) clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > s.cfg.Clamp {
		return s.cfg.Clamp
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
