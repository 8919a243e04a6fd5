package session

import (
	"time"

	"contauth/internal/anomaly"
	"contauth/internal/telemetry"
	"contauth/internal/trust"
)

// End reasons reported to listeners.
const (
	ReasonLogout          = "logout"
	ReasonReauthCancelled = "reauth_cancelled"
	ReasonShutdown        = "shutdown"
)

// SampleEvent is emitted once per window per session.
type SampleEvent struct {
	SessionID  string                  `json:"session_id"`
	UserID     string                  `json:"user_id"`
	Sample     telemetry.FeatureSample `json:"sample"`
	IsAnomaly  bool                    `json:"is_anomaly"`
	Severity   anomaly.Severity        `json:"severity"`
	Dominant   anomaly.Feature         `json:"dominant,omitempty"`
	TrustLevel int                     `json:"trust_level"`
	State      trust.State             `json:"state"`
}

// ReauthEvent is emitted when a session enters PendingReauth.
type ReauthEvent struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Score     float64         `json:"score"`
	Dominant  anomaly.Feature `json:"dominant,omitempty"`
	At        time.Time       `json:"at"`
}

// EndEvent is emitted once when a session terminates.
type EndEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Listener receives session output. Callbacks run on the tick goroutine and
// must not block.
type Listener interface {
	OnSample(SampleEvent)
	OnReauthRequired(ReauthEvent)
	OnSessionEnded(EndEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Sample func(SampleEvent)
	Reauth func(ReauthEvent)
	Ended  func(EndEvent)
}

func (f ListenerFuncs) OnSample(e SampleEvent) {
	if f.Sample != nil {
		f.Sample(e)
	}
}

func (f ListenerFuncs) OnReauthRequired(e ReauthEvent) {
	if f.Reauth != nil {
		f.Reauth(e)
	}
}

func (f ListenerFuncs) OnSessionEnded(e EndEvent) {
	if f.Ended != nil {
		f.Ended(e)
	}
}
