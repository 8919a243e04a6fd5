package trust

import (
	"errors"
	"testing"
	"time"

	"contauth/internal/anomaly"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func result(score float64, sev anomaly.Severity, dom anomaly.Feature) anomaly.Result {
	return anomaly.Result{Score: score, Severity: sev, Dominant: dom}
}

// =============================================================================
// Tests for Observe
// =============================================================================

func TestNewControllerStartsTrusted(t *testing.T) {
	c := NewController(DefaultConfig())

	if c.State() != StateTrusted {
		t.Errorf("expected trusted, got %s", c.State())
	}
	if c.TrustLevel() != 100 {
		t.Errorf("expected trust 100, got %d", c.TrustLevel())
	}
	if c.ReauthPending() {
		t.Error("new controller should not be pending")
	}
}

func TestTrustLevelFormula(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0, 100},
		{0.35, 96},
		{2.2, 74},
		{3.5, 58},
		{5, 40},
		{10, 40},
	}
	for _, tt := range tests {
		c := NewController(DefaultConfig())
		sev := anomaly.NewScorer(anomaly.DefaultConfig()).Classify(tt.score)
		tr := c.Observe(result(tt.score, sev, anomaly.FeatureTyping), 0, now)
		if tr.TrustLevel != tt.want || c.TrustLevel() != tt.want {
			t.Errorf("score %v: expected trust %d, got %d", tt.score, tt.want, tr.TrustLevel)
		}
	}
}

func TestNoneScoreNotLogged(t *testing.T) {
	c := NewController(DefaultConfig())

	tr := c.Observe(result(1.1, anomaly.SeverityNone, anomaly.FeaturePointer), 0, now)

	if tr.Entry != nil {
		t.Error("normal score should not produce a log entry")
	}
	if len(c.Log()) != 0 {
		t.Errorf("expected empty log, got %d entries", len(c.Log()))
	}
	if c.State() != StateTrusted {
		t.Errorf("expected trusted, got %s", c.State())
	}
}

func TestModerateDegradesAndRecovers(t *testing.T) {
	c := NewController(DefaultConfig())

	tr := c.Observe(result(2.5, anomaly.SeverityModerate, anomaly.FeaturePointer), 3, now)
	if tr.To != StateDegraded {
		t.Fatalf("expected degraded, got %s", tr.To)
	}
	if tr.ReauthRaised {
		t.Error("moderate score must not raise re-auth")
	}
	if tr.Entry == nil || tr.Entry.Description != "moderate deviation (pointer)" {
		t.Errorf("unexpected entry: %+v", tr.Entry)
	}
	if tr.Entry.WindowIndex != 3 {
		t.Errorf("expected window index 3, got %d", tr.Entry.WindowIndex)
	}

	tr = c.Observe(result(0.1, anomaly.SeverityNone, anomaly.FeatureTyping), 4, now)
	if tr.From != StateDegraded || tr.To != StateTrusted {
		t.Errorf("expected degraded -> trusted, got %s -> %s", tr.From, tr.To)
	}
}

func TestSevereRaisesOnce(t *testing.T) {
	c := NewController(DefaultConfig())

	tr := c.Observe(result(4.0, anomaly.SeveritySevere, anomaly.FeatureIdle), 0, now)
	if !tr.ReauthRaised {
		t.Error("first severe score should raise re-auth")
	}
	if tr.Entry.Description != "severe deviation (idle)" {
		t.Errorf("unexpected description %q", tr.Entry.Description)
	}
	if !c.ReauthPending() || c.State() != StatePendingReauth {
		t.Error("expected pending re-auth")
	}

	tr = c.Observe(result(5.0, anomaly.SeveritySevere, anomaly.FeatureIdle), 1, now)
	if tr.ReauthRaised {
		t.Error("re-auth should only be raised on the edge into pending")
	}
	if len(c.Log()) != 2 {
		t.Errorf("expected 2 log entries, got %d", len(c.Log()))
	}
}

func TestPendingIsSticky(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Observe(result(4.0, anomaly.SeveritySevere, anomaly.FeatureTyping), 0, now)

	c.Observe(result(2.5, anomaly.SeverityModerate, anomaly.FeatureTyping), 1, now)
	if c.State() != StatePendingReauth {
		t.Errorf("moderate score left pending state: %s", c.State())
	}

	c.Observe(result(0, anomaly.SeverityNone, anomaly.FeatureNone), 2, now)
	if c.State() != StatePendingReauth {
		t.Errorf("normal score left pending state: %s", c.State())
	}
	if c.TrustLevel() != 100 {
		t.Errorf("trust level should still track the latest score, got %d", c.TrustLevel())
	}
}

// =============================================================================
// Tests for Reauthenticated
// =============================================================================

func TestReauthenticatedRestoresTrust(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Observe(result(10, anomaly.SeveritySevere, anomaly.FeaturePointer), 0, now)
	if c.TrustLevel() != 40 {
		t.Fatalf("expected trust 40, got %d", c.TrustLevel())
	}

	if err := c.Reauthenticated(Verification{Method: "face", Matched: true, At: now}); err != nil {
		t.Fatalf("Reauthenticated failed: %v", err)
	}
	if c.State() != StateTrusted || c.ReauthPending() || c.TrustLevel() != 100 {
		t.Errorf("expected trusted/100/not pending, got %s/%d/%v", c.State(), c.TrustLevel(), c.ReauthPending())
	}
	if len(c.Log()) != 1 {
		t.Error("anomaly log must survive re-authentication")
	}
}

func TestReauthenticatedRejectsMismatch(t *testing.T) {
	c := NewController(DefaultConfig())
	c.Observe(result(4, anomaly.SeveritySevere, anomaly.FeaturePointer), 0, now)

	err := c.Reauthenticated(Verification{Method: "face", Matched: false})
	if !errors.Is(err, ErrNotVerified) {
		t.Errorf("expected ErrNotVerified, got %v", err)
	}
	if !c.ReauthPending() {
		t.Error("failed verification must not clear pending")
	}
}

func TestReauthenticatedWithoutPending(t *testing.T) {
	c := NewController(DefaultConfig())

	err := c.Reauthenticated(Verification{Matched: true})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

// =============================================================================
// Tests for Cancel
// =============================================================================

func TestCancelPolicies(t *testing.T) {
	tests := []struct {
		policy    CancelPolicy
		terminate bool
	}{
		{CancelLogout, true},
		{CancelHold, false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.CancelPolicy = tt.policy
		c := NewController(cfg)
		c.Observe(result(4, anomaly.SeveritySevere, anomaly.FeatureTyping), 0, now)

		terminate, err := c.Cancel()
		if err != nil {
			t.Fatalf("%s: Cancel failed: %v", tt.policy, err)
		}
		if terminate != tt.terminate {
			t.Errorf("%s: expected terminate=%v, got %v", tt.policy, tt.terminate, terminate)
		}
		if !c.ReauthPending() {
			t.Errorf("%s: cancel must not clear pending", tt.policy)
		}
	}
}

func TestCancelWithoutPending(t *testing.T) {
	c := NewController(DefaultConfig())
	if _, err := c.Cancel(); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.CancelPolicy = "ignore"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown cancel policy")
	}
	cfg = DefaultConfig()
	cfg.PenaltyCap = 120
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for penalty cap above 100")
	}
}
