package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"contauth/internal/anomaly"
	"contauth/internal/biometric"
	"contauth/internal/identity"
	"contauth/internal/logging"
	"contauth/internal/telemetry"
	"contauth/internal/tracing"
	"contauth/internal/trust"
)

var (
	ErrNotFound               = errors.New("session: not found")
	ErrTooManySessions        = errors.New("session: too many active sessions")
	ErrPasswordReauthDisabled = errors.New("session: password re-authentication is disabled")
	ErrNoVerifier             = errors.New("session: no biometric verifier configured")
)

// Config holds session and pipeline settings.
type Config struct {
	Window          time.Duration
	Weights         telemetry.Weights
	HistoryCapacity int
	BaselineWindow  int
	// Workers bounds how many sessions are ticked concurrently.
	Workers     int
	MaxSessions int
	// AllowPasswordReauth permits clearing a pending re-auth with the
	// account password instead of a biometric factor.
	AllowPasswordReauth bool
	Scoring             anomaly.Config
	Trust               trust.Config
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Window:              telemetry.DefaultWindow,
		Weights:             telemetry.DefaultWeights(),
		HistoryCapacity:     telemetry.DefaultHistoryCapacity,
		BaselineWindow:      anomaly.DefaultBaselineWindow,
		Workers:             8,
		MaxSessions:         10000,
		AllowPasswordReauth: true,
		Scoring:             anomaly.DefaultConfig(),
		Trust:               trust.DefaultConfig(),
	}
}

// Verifier checks a biometric sample. *biometric.Service satisfies it.
type Verifier interface {
	Verify(ctx context.Context, userID string, m biometric.Modality, s biometric.Sample) (biometric.Result, error)
}

// Throttler limits re-verification attempts per user. *biometric.Service
// satisfies it.
type Throttler interface {
	Allow(userID string) error
}

// Recorder receives pipeline metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	SessionStarted(method string)
	SessionEnded(reason string)
	RecordEvent(kind string, accepted bool)
	RecordWindow(score float64, severity, feature string, trust int)
	RecordReauthRequired()
	RecordReauth(method, outcome string)
	ObserveTick(d time.Duration)
}

// Auditor records security events. *logging.AuditLogger satisfies it.
type Auditor interface {
	Log(ctx context.Context, ev logging.AuditEvent) error
}

// Manager is the registry of active sessions.
type Manager struct {
	cfg      Config
	scorer   atomic.Pointer[anomaly.Scorer]
	verifier Verifier
	throttle Throttler
	logger   *slog.Logger
	recorder Recorder
	auditor  Auditor
	now      func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	trustCfg  trust.Config
	listeners []Listener
}

// Option configures a Manager.
type Option func(*Manager)

func WithVerifier(v Verifier) Option { return func(m *Manager) { m.verifier = v } }

// WithThrottler limits password re-verification. Without it the verifier is
// used when it implements Throttler.
func WithThrottler(t Throttler) Option { return func(m *Manager) { m.throttle = t } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

func WithAuditor(a Auditor) Option { return func(m *Manager) { m.auditor = a } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithListener registers a listener that sees every session.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// NewManager creates an empty manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	m := &Manager{
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		sessions: make(map[string]*Session),
		trustCfg: cfg.Trust,
	}
	m.scorer.Store(anomaly.NewScorer(cfg.Scoring))
	for _, opt := range opts {
		opt(m)
	}
	if m.throttle == nil {
		if t, ok := m.verifier.(Throttler); ok {
			m.throttle = t
		}
	}
	return m
}

// Start begins monitoring a freshly authenticated account.
func (m *Manager) Start(ctx context.Context, acct identity.Account, method string) (Snapshot, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Snapshot{}, ErrTooManySessions
	}
	cfg := m.cfg
	cfg.Trust = m.trustCfg
	s := newSession(uuid.NewString(), acct, method, cfg, m.now())
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.SessionStarted(method)
	}
	m.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventSessionStart,
		SessionID: s.ID,
		UserID:    acct.ID,
		Action:    "start",
		Result:    "success",
		Details:   map[string]interface{}{"method": method},
	})
	m.logger.Info("session started", "session_id", s.ID, "user", acct.ID, "method", method)
	return s.snapshot(), nil
}

// End terminates a session.
func (m *Manager) End(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.finish(ctx, s, reason)
	return nil
}

func (m *Manager) finish(ctx context.Context, s *Session, reason string) {
	subs, ok := s.end()
	if !ok {
		return
	}
	ev := EndEvent{SessionID: s.ID, UserID: s.Account.ID, Reason: reason, At: m.now()}
	for _, l := range m.globalListeners() {
		l.OnSessionEnded(ev)
	}
	for _, l := range subs {
		l.OnSessionEnded(ev)
	}

	if m.recorder != nil {
		m.recorder.SessionEnded(reason)
	}
	m.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventSessionEnd,
		SessionID: s.ID,
		UserID:    s.Account.ID,
		Action:    "end",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
	m.logger.Info("session ended", "session_id", s.ID, "reason", reason)
}

// OnEvent delivers a raw input event. Malformed events are counted and
// dropped; the only error is an unknown session.
func (m *Manager) OnEvent(id string, ev telemetry.Event) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	accepted, live := s.observe(ev)
	if !live {
		return ErrNotFound
	}
	if m.recorder != nil {
		m.recorder.RecordEvent(string(ev.Kind), accepted)
	}
	return nil
}

// TrustLevel returns the session's current trust level.
func (m *Manager) TrustLevel(id string) (int, error) {
	s, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return s.trustLevel(), nil
}

// State returns a snapshot of the session.
func (m *Manager) State(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// AnomalyLog returns the session's anomaly log, oldest first.
func (m *Manager) AnomalyLog(id string) ([]trust.AnomalyEntry, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.anomalyLog(), nil
}

// History returns the retained feature samples, oldest first.
func (m *Manager) History(id string) ([]telemetry.FeatureSample, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.history(), nil
}

// Sessions lists snapshots of every active session ordered by start time.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reverify runs a biometric verification for the session's user and, on a
// match, clears the pending re-authentication. A cancelled or non-matching
// attempt leaves the session unchanged.
func (m *Manager) Reverify(ctx context.Context, id string, mod biometric.Modality, sample biometric.Sample) (biometric.Result, error) {
	s, err := m.get(id)
	if err != nil {
		return biometric.Result{}, err
	}
	if m.verifier == nil {
		return biometric.Result{}, ErrNoVerifier
	}
	if !s.reauthPending() {
		return biometric.Result{}, trust.ErrNotPending
	}

	ctx, span := tracing.StartSpan(ctx, "session.reverify", tracing.SessionID(id), tracing.Modality(string(mod)))
	defer span.End()

	res, err := m.verifier.Verify(ctx, s.Account.ID, mod, sample)
	if err != nil {
		m.reauthOutcome(ctx, s, string(mod), "error", err)
		tracing.Fail(span, err)
		return res, err
	}
	if res.Cancelled {
		m.reauthOutcome(ctx, s, string(mod), "aborted", nil)
		return res, nil
	}

	if err := m.ClearReauth(ctx, id, trust.Verification{Method: string(mod), Matched: res.Matched, At: m.now()}); err != nil && !errors.Is(err, trust.ErrNotVerified) {
		return res, err
	}
	return res, nil
}

// ReverifyPassword clears a pending re-authentication with the account
// password when policy allows it.
func (m *Manager) ReverifyPassword(ctx context.Context, id, password string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.cfg.AllowPasswordReauth {
		return ErrPasswordReauthDisabled
	}
	if !s.reauthPending() {
		return trust.ErrNotPending
	}
	if m.throttle != nil {
		if err := m.throttle.Allow(s.Account.ID); err != nil {
			m.reauthOutcome(ctx, s, "password", "error", err)
			return err
		}
	}
	matched := identity.CheckPassword(s.Account, password)
	return m.ClearReauth(ctx, id, trust.Verification{Method: "password", Matched: matched, At: m.now()})
}

// ClearReauth applies a verification outcome to a pending session.
func (m *Manager) ClearReauth(ctx context.Context, id string, v trust.Verification) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if err := s.reauthenticated(v); err != nil {
		if errors.Is(err, trust.ErrNotVerified) {
			m.reauthOutcome(ctx, s, v.Method, "failed", err)
		}
		return err
	}
	m.reauthOutcome(ctx, s, v.Method, "cleared", nil)
	return nil
}

// CancelReauth handles a dismissed re-auth prompt. Under the logout policy
// the session is ended and terminated is true.
func (m *Manager) CancelReauth(ctx context.Context, id string) (terminated bool, err error) {
	s, err := m.get(id)
	if err != nil {
		return false, err
	}
	terminate, err := s.cancelReauth()
	if err != nil {
		return false, err
	}
	m.reauthOutcome(ctx, s, "none", "cancelled", nil)
	if terminate {
		if err := m.End(ctx, id, ReasonReauthCancelled); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	return terminate, nil
}

// Subscribe attaches a listener to one session. The returned func detaches it.
func (m *Manager) Subscribe(id string, l Listener) (func(), error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	unsub, ok := s.subscribe(l)
	if !ok {
		return nil, ErrNotFound
	}
	return unsub, nil
}

// AddListener registers a listener that sees every session.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UpdatePolicy swaps scoring and trust policy. Running sessions keep their
// history and state.
func (m *Manager) UpdatePolicy(scoring anomaly.Config, trustCfg trust.Config) {
	m.scorer.Store(anomaly.NewScorer(scoring))

	m.mu.Lock()
	m.trustCfg = trustCfg
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.setTrustConfig(trustCfg)
	}
	m.logger.Info("session policy updated",
		"moderate", scoring.Moderate, "severe", scoring.Severe, "cancel_policy", trustCfg.CancelPolicy)
}

// Run ticks every session once per window until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			if err := m.TickAll(ctx, t); err != nil && ctx.Err() == nil {
				m.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// TickAll closes the current window of every active session, running at
// most Config.Workers sessions concurrently.
func (m *Manager) TickAll(ctx context.Context, at time.Time) error {
	start := time.Now()
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	scorer := m.scorer.Load()
	global := m.globalListeners()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, s := range list {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m.tickOne(ctx, s, at, scorer, global)
			return nil
		})
	}
	err := g.Wait()

	if m.recorder != nil {
		m.recorder.ObserveTick(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("tick sessions: %w", err)
	}
	return nil
}

func (m *Manager) tickOne(ctx context.Context, s *Session, at time.Time, scorer *anomaly.Scorer, global []Listener) {
	res, ok := s.tick(at, scorer)
	if !ok {
		return
	}

	ev := res.sample
	if m.recorder != nil {
		m.recorder.RecordWindow(ev.Sample.Score, string(ev.Severity), string(ev.Dominant), ev.TrustLevel)
	}
	if ev.IsAnomaly {
		m.logger.Warn("behavioral anomaly",
			"session_id", ev.SessionID, "score", ev.Sample.Score,
			"severity", ev.Severity, "dominant", ev.Dominant, "trust", ev.TrustLevel)
	}

	for _, l := range global {
		l.OnSample(ev)
	}
	for _, l := range res.listeners {
		l.OnSample(ev)
	}

	if res.reauth == nil {
		return
	}
	if m.recorder != nil {
		m.recorder.RecordReauthRequired()
	}
	m.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventReauthRequired,
		SessionID: s.ID,
		UserID:    s.Account.ID,
		Action:    "reauth_required",
		Result:    "raised",
		Details:   map[string]interface{}{"score": res.reauth.Score, "dominant": string(res.reauth.Dominant)},
	})
	for _, l := range global {
		l.OnReauthRequired(*res.reauth)
	}
	for _, l := range res.listeners {
		l.OnReauthRequired(*res.reauth)
	}
}

// Close ends every session with the shutdown reason.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range list {
		m.finish(ctx, s, ReasonShutdown)
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) globalListeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Listener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func (m *Manager) reauthOutcome(ctx context.Context, s *Session, method, outcome string, err error) {
	if m.recorder != nil {
		m.recorder.RecordReauth(method, outcome)
	}
	ev := logging.AuditEvent{
		EventType: logging.AuditEventReauth,
		SessionID: s.ID,
		UserID:    s.Account.ID,
		Action:    method,
		Result:    outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.audit(ctx, ev)
	m.logger.Info("re-authentication", "session_id", s.ID, "method", method, "outcome", outcome)
}

func (m *Manager) audit(ctx context.Context, ev logging.AuditEvent) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.Log(ctx, ev); err != nil {
		m.logger.Warn("audit write failed", "event", ev.EventType, "error", err)
	}
}
