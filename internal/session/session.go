// Package session runs the continuous-authentication pipeline for each
// authenticated session.
//
// Every session owns its aggregator, history, baseline tracker and trust
// controller. A tick closes the open telemetry window and runs
// aggregation, history, baseline, scoring and trust as one sequence under
// the session's lock. Sessions share nothing, so the Manager ticks them in
// parallel.
package session

import (
	"sync"
	"time"

	"contauth/internal/anomaly"
	"contauth/internal/identity"
	"contauth/internal/telemetry"
	"contauth/internal/trust"
)

// Session is one monitored, authenticated session.
type Session struct {
	ID        string
	Account   identity.Account
	Method    string
	StartedAt time.Time

	mu        sync.Mutex
	agg       *telemetry.Aggregator
	hist      *telemetry.History
	tracker   *anomaly.Tracker
	ctrl      *trust.Controller
	listeners map[int]Listener
	nextSub   int
	ended     bool
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID            string      `json:"session_id"`
	UserID        string      `json:"user_id"`
	Email         string      `json:"email"`
	Method        string      `json:"method"`
	StartedAt     time.Time   `json:"started_at"`
	TrustLevel    int         `json:"trust_level"`
	State         trust.State `json:"state"`
	ReauthPending bool        `json:"reauth_pending"`
	Windows       int         `json:"windows"`
	DroppedEvents uint64      `json:"dropped_events"`
}

func newSession(id string, acct identity.Account, method string, cfg Config, at time.Time) *Session {
	return &Session{
		ID:        id,
		Account:   acct,
		Method:    method,
		StartedAt: at,
		agg:       telemetry.NewAggregator(cfg.Window, cfg.Weights),
		hist:      telemetry.NewHistory(cfg.HistoryCapacity),
		tracker:   anomaly.NewTracker(cfg.BaselineWindow),
		ctrl:      trust.NewController(cfg.Trust),
		listeners: make(map[int]Listener),
	}
}

// observe folds one raw event into the open window.
func (s *Session) observe(ev telemetry.Event) (accepted, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false, false
	}
	return s.agg.Observe(ev), true
}

// tickResult carries what a tick produced out of the lock.
type tickResult struct {
	sample    SampleEvent
	reauth    *ReauthEvent
	listeners []Listener
}

// tick closes the window and runs the scoring pipeline.
func (s *Session) tick(at time.Time, scorer *anomaly.Scorer) (tickResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return tickResult{}, false
	}

	sample := s.agg.Close(at)
	s.hist.Append(sample)
	base := s.tracker.Baseline(s.hist)
	res := scorer.Score(base, sample)
	tr := s.ctrl.Observe(res, sample.WindowIndex, at)

	out := tickResult{
		sample: SampleEvent{
			SessionID:  s.ID,
			UserID:     s.Account.ID,
			Sample:     *sample,
			IsAnomaly:  res.IsAnomaly(),
			Severity:   res.Severity,
			Dominant:   res.Dominant,
			TrustLevel: tr.TrustLevel,
			State:      tr.To,
		},
		listeners: s.listenerList(),
	}
	if tr.ReauthRaised {
		out.reauth = &ReauthEvent{
			SessionID: s.ID,
			UserID:    s.Account.ID,
			Score:     res.Score,
			Dominant:  res.Dominant,
			At:        at,
		}
	}
	return out, true
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		UserID:        s.Account.ID,
		Email:         s.Account.Email,
		Method:        s.Method,
		StartedAt:     s.StartedAt,
		TrustLevel:    s.ctrl.TrustLevel(),
		State:         s.ctrl.State(),
		ReauthPending: s.ctrl.ReauthPending(),
		Windows:       s.hist.Len(),
		DroppedEvents: s.agg.Dropped(),
	}
}

func (s *Session) trustLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.TrustLevel()
}

func (s *Session) anomalyLog() []trust.AnomalyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Log()
}

func (s *Session) history() []telemetry.FeatureSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Snapshot()
}

func (s *Session) reauthPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.ReauthPending()
}

func (s *Session) reauthenticated(v trust.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Reauthenticated(v)
}

func (s *Session) cancelReauth() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Cancel()
}

func (s *Session) setTrustConfig(cfg trust.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetConfig(cfg)
}

func (s *Session) subscribe(l Listener) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, false
	}
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}, true
}

// end marks the session finished and returns its subscribers once.
func (s *Session) end() ([]Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, false
	}
	s.ended = true
	ls := s.listenerList()
	s.listeners = nil
	return ls, true
}

func (s *Session) listenerList() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextSub; i++ {
		if l, ok := s.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}
