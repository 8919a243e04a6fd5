// Package trust implements the per-session trust state machine.
//
// A session moves between three states:
//
//	Trusted  --moderate-->  Degraded  --none-->  Trusted
//	   |                       |
//	   +-------severe----------+-->  PendingReauth  --verified-->  Trusted
//
// PendingReauth is only left through a successful re-verification or an
// explicit cancellation.
package trust

import (
	"errors"
	"fmt"
	"math"
	"time"

	"contauth/internal/anomaly"
)

// State is the trust state of one session.
type State string

const (
	StateTrusted       State = "trusted"
	StateDegraded      State = "degraded"
	StatePendingReauth State = "pending_reauth"
)

// CancelPolicy decides what happens when a user dismisses a re-auth request.
type CancelPolicy string

const (
	// CancelLogout ends the session.
	CancelLogout CancelPolicy = "logout"
	// CancelHold keeps the session pending until it is verified.
	CancelHold CancelPolicy = "hold"
)

// MaxTrust is the trust level of a freshly authenticated session.
const MaxTrust = 100

var (
	ErrNotVerified = errors.New("trust: verification did not match")
	ErrNotPending  = errors.New("trust: no re-authentication pending")
)

// Config holds trust policy.
type Config struct {
	PenaltyFactor float64      `toml:"penalty_factor" json:"penalty_factor" yaml:"penalty_factor"`
	PenaltyCap    float64      `toml:"penalty_cap" json:"penalty_cap" yaml:"penalty_cap"`
	CancelPolicy  CancelPolicy `toml:"cancel_policy" json:"cancel_policy" yaml:"cancel_policy"`
}

// DefaultConfig returns the stock trust policy.
func DefaultConfig() Config {
	return Config{
		PenaltyFactor: 12,
		PenaltyCap:    60,
		CancelPolicy:  CancelLogout,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.PenaltyFactor < 0 {
		return fmt.Errorf("penalty_factor must be non-negative")
	}
	if c.PenaltyCap < 0 || c.PenaltyCap > MaxTrust {
		return fmt.Errorf("penalty_cap must be between 0 and %d", MaxTrust)
	}
	switch c.CancelPolicy {
	case CancelLogout, CancelHold:
	default:
		return fmt.Errorf("cancel_policy must be %q or %q", CancelLogout, CancelHold)
	}
	return nil
}

// AnomalyEntry is one logged deviation.
type AnomalyEntry struct {
	At          time.Time        `json:"at"`
	WindowIndex uint64           `json:"window_index"`
	Score       float64          `json:"score"`
	Severity    anomaly.Severity `json:"severity"`
	Dominant    anomaly.Feature  `json:"dominant,omitempty"`
	Description string           `json:"description"`
}

// Verification is the outcome of a re-verification attempt.
type Verification struct {
	Method  string    `json:"method"`
	Matched bool      `json:"matched"`
	At      time.Time `json:"at"`
}

// Transition describes the effect of one scored window.
type Transition struct {
	From         State
	To           State
	TrustLevel   int
	Entry        *AnomalyEntry
	ReauthRaised bool
}

// Controller tracks trust for a single session. It is not safe for
// concurrent use.
type Controller struct {
	cfg     Config
	state   State
	level   int
	pending bool
	log     []AnomalyEntry
}

// NewController creates a controller in the Trusted state at full trust.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:   cfg,
		state: StateTrusted,
		level: MaxTrust,
	}
}

// SetConfig replaces the policy. Existing state is kept.
func (c *Controller) SetConfig(cfg Config) {
	c.cfg = cfg
}

// Observe applies one scored window.
func (c *Controller) Observe(r anomaly.Result, window uint64, at time.Time) Transition {
	t := Transition{From: c.state}

	c.level = c.levelFor(r.Score)

	switch r.Severity {
	case anomaly.SeveritySevere:
		t.Entry = c.record(r, window, at)
		if !c.pending {
			t.ReauthRaised = true
		}
		c.pending = true
		c.state = StatePendingReauth

	case anomaly.SeverityModerate:
		t.Entry = c.record(r, window, at)
		if c.state != StatePendingReauth {
			c.state = StateDegraded
		}

	default:
		if c.state == StateDegraded {
			c.state = StateTrusted
		}
	}

	t.To = c.state
	t.TrustLevel = c.level
	return t
}

// Reauthenticated clears a pending re-authentication after a successful
// verification and restores full trust.
func (c *Controller) Reauthenticated(v Verification) error {
	if !c.pending {
		return ErrNotPending
	}
	if !v.Matched {
		return ErrNotVerified
	}
	c.pending = false
	c.state = StateTrusted
	c.level = MaxTrust
	return nil
}

// Cancel handles a dismissed re-auth request and reports whether the
// session must be terminated.
func (c *Controller) Cancel() (terminate bool, err error) {
	if !c.pending {
		return false, ErrNotPending
	}
	return c.cfg.CancelPolicy != CancelHold, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// TrustLevel returns the current trust level in [0, 100].
func (c *Controller) TrustLevel() int {
	return c.level
}

// ReauthPending reports whether a re-authentication is outstanding.
func (c *Controller) ReauthPending() bool {
	return c.pending
}

// Log returns a copy of the anomaly log, oldest first.
func (c *Controller) Log() []AnomalyEntry {
	out := make([]AnomalyEntry, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Controller) record(r anomaly.Result, window uint64, at time.Time) *AnomalyEntry {
	desc := string(r.Severity) + " deviation"
	if r.Dominant != anomaly.FeatureNone {
		desc += " (" + string(r.Dominant) + ")"
	}
	c.log = append(c.log, AnomalyEntry{
		At:          at,
		WindowIndex: window,
		Score:       r.Score,
		Severity:    r.Severity,
		Dominant:    r.Dominant,
		Description: desc,
	})
	e := c.log[len(c.log)-1]
	return &e
}

func (c *Controller) levelFor(score float64) int {
	penalty := math.Min(c.cfg.PenaltyCap, score*c.cfg.PenaltyFactor)
	if penalty < 0 {
		penalty = 0
	}
	level := int(math.Round(MaxTrust - penalty))
	if level < 0 {
		return 0
	}
	if level > MaxTrust {
		return MaxTrust
	}
	return level
}
