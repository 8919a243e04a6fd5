package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"contauth/internal/anomaly"
	"contauth/internal/biometric"
	"contauth/internal/identity"
	"contauth/internal/telemetry"
	"contauth/internal/trust"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func window(i int) time.Time {
	return epoch.Add(time.Duration(i+1) * time.Second)
}

func testAccount(t *testing.T) identity.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return identity.Account{ID: "user-1", Email: "emily.rodriguez@clinic.org", PasswordHash: string(hash)}
}

// recordingListener keeps everything it is told.
type recordingListener struct {
	mu      sync.Mutex
	samples []SampleEvent
	reauths []ReauthEvent
	ends    []EndEvent
}

func (r *recordingListener) OnSample(e SampleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, e)
}

func (r *recordingListener) OnReauthRequired(e ReauthEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reauths = append(r.reauths, e)
}

func (r *recordingListener) OnSessionEnded(e EndEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, e)
}

type stubVerifier struct {
	result biometric.Result
	err    error
	calls  int
}

func (v *stubVerifier) Verify(ctx context.Context, userID string, m biometric.Modality, s biometric.Sample) (biometric.Result, error) {
	v.calls++
	r := v.result
	r.Modality = m
	return r, v.err
}

func newTestManager(opts ...Option) *Manager {
	opts = append([]Option{WithClock(func() time.Time { return epoch })}, opts...)
	return NewManager(DefaultConfig(), opts...)
}

// burst feeds a window far outside an idle baseline.
func burst(t *testing.T, m *Manager, id string, at time.Time) {
	t.Helper()
	for i := 0; i < 30; i++ {
		ts := at.Add(time.Duration(i*20) * time.Millisecond)
		if err := m.OnEvent(id, telemetry.Event{Kind: telemetry.KindKey, At: ts}); err != nil {
			t.Fatalf("OnEvent: %v", err)
		}
		m.OnEvent(id, telemetry.Event{Kind: telemetry.KindMove, X: float64(i * 40), Y: 0, At: ts})
	}
}

// raiseReauth drives a session into PendingReauth.
func raiseReauth(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.TickAll(ctx, window(i)); err != nil {
			t.Fatalf("TickAll: %v", err)
		}
	}
	burst(t, m, id, window(9))
	if err := m.TickAll(ctx, window(10)); err != nil {
		t.Fatalf("TickAll: %v", err)
	}
	st, _ := m.State(id)
	if !st.ReauthPending {
		t.Fatalf("expected pending re-auth, got %+v", st)
	}
}

// =============================================================================
// Tests for Start / End
// =============================================================================

func TestStartSession(t *testing.T) {
	m := newTestManager()

	snap, err := m.Start(context.Background(), testAccount(t), "password")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.ID == "" {
		t.Error("session ID should not be empty")
	}
	if snap.TrustLevel != 100 || snap.State != trust.StateTrusted || snap.ReauthPending {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 session, got %d", m.Len())
	}
}

func TestStartMaxSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	m := NewManager(cfg)
	ctx := context.Background()

	if _, err := m.Start(ctx, testAccount(t), "password"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Start(ctx, testAccount(t), "password"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
}

func TestEndSession(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	rec := &recordingListener{}
	m.Subscribe(snap.ID, rec)

	if err := m.End(ctx, snap.ID, ReasonLogout); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(rec.ends) != 1 || rec.ends[0].Reason != ReasonLogout {
		t.Errorf("expected one logout end event, got %+v", rec.ends)
	}
	if _, err := m.TrustLevel(snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after end, got %v", err)
	}
	if err := m.End(ctx, snap.ID, ReasonLogout); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second end, got %v", err)
	}
	if err := m.OnEvent(snap.ID, telemetry.Event{Kind: telemetry.KindKey, At: epoch}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for event after end, got %v", err)
	}
}

// =============================================================================
// Tests for the tick pipeline
// =============================================================================

func TestTickEmitsSample(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	rec := &recordingListener{}
	if _, err := m.Subscribe(snap.ID, rec); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m.OnEvent(snap.ID, telemetry.Event{Kind: telemetry.KindKey, At: epoch.Add(100 * time.Millisecond)})
	m.OnEvent(snap.ID, telemetry.Event{Kind: "bogus", At: epoch})
	if err := m.TickAll(ctx, window(0)); err != nil {
		t.Fatalf("TickAll failed: %v", err)
	}

	if len(rec.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(rec.samples))
	}
	ev := rec.samples[0]
	if ev.Sample.WindowIndex != 0 || ev.Sample.KeystrokeCount != 1 {
		t.Errorf("unexpected sample: %+v", ev.Sample)
	}
	// the only window is its own baseline
	if ev.Sample.Score != 0 || ev.IsAnomaly || ev.Severity != anomaly.SeverityNone {
		t.Errorf("expected zero score, got %+v", ev)
	}

	st, _ := m.State(snap.ID)
	if st.DroppedEvents != 1 {
		t.Errorf("expected 1 dropped event, got %d", st.DroppedEvents)
	}
}

func TestSevereWindowRaisesReauth(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	rec := &recordingListener{}
	m.AddListener(rec)

	raiseReauth(t, m, snap.ID)

	if len(rec.reauths) != 1 {
		t.Fatalf("expected 1 reauth event, got %d", len(rec.reauths))
	}
	last := rec.samples[len(rec.samples)-1]
	if last.Severity != anomaly.SeveritySevere {
		t.Errorf("expected severe, got %s (score %v)", last.Severity, last.Sample.Score)
	}
	if last.TrustLevel != 40 {
		t.Errorf("expected trust 40, got %d", last.TrustLevel)
	}

	log, _ := m.AnomalyLog(snap.ID)
	if len(log) != 1 || log[0].Severity != anomaly.SeveritySevere || log[0].WindowIndex != 10 {
		t.Errorf("unexpected anomaly log: %+v", log)
	}

	// another severe window does not raise again
	burst(t, m, snap.ID, window(10))
	m.TickAll(ctx, window(11))
	if len(rec.reauths) != 1 {
		t.Errorf("re-auth raised twice while pending")
	}
}

func TestTrustQueryIsIdempotent(t *testing.T) {
	m := newTestManager()
	snap, _ := m.Start(context.Background(), testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	a, _ := m.TrustLevel(snap.ID)
	b, _ := m.TrustLevel(snap.ID)
	if a != b {
		t.Errorf("trust level changed between queries: %d != %d", a, b)
	}
}

func TestTickAllParallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 4
	m := NewManager(cfg)
	ctx := context.Background()

	var count atomic.Int32
	m.AddListener(ListenerFuncs{Sample: func(SampleEvent) { count.Add(1) }})
	for i := 0; i < 50; i++ {
		acct := testAccount(t)
		acct.ID = fmt.Sprintf("user-%d", i)
		if _, err := m.Start(ctx, acct, "password"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	if err := m.TickAll(ctx, window(0)); err != nil {
		t.Fatalf("TickAll failed: %v", err)
	}
	if count.Load() != 50 {
		t.Errorf("expected 50 samples, got %d", count.Load())
	}
	if len(m.Sessions()) != 50 {
		t.Errorf("expected 50 sessions listed, got %d", len(m.Sessions()))
	}
}

func TestUpdatePolicy(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")

	scoring := anomaly.DefaultConfig()
	scoring.Moderate = 9
	scoring.Severe = 10
	m.UpdatePolicy(scoring, trust.DefaultConfig())

	for i := 0; i < 10; i++ {
		m.TickAll(ctx, window(i))
	}
	burst(t, m, snap.ID, window(9))
	m.TickAll(ctx, window(10))

	st, _ := m.State(snap.ID)
	if st.ReauthPending || st.State != trust.StateTrusted {
		t.Errorf("raised thresholds should keep the session trusted, got %+v", st)
	}
}

// =============================================================================
// Tests for re-authentication
// =============================================================================

func TestReverifyClearsPending(t *testing.T) {
	v := &stubVerifier{result: biometric.Result{Matched: true}}
	m := newTestManager(WithVerifier(v))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	res, err := m.Reverify(ctx, snap.ID, biometric.ModalityFace, biometric.Sample{})
	if err != nil {
		t.Fatalf("Reverify failed: %v", err)
	}
	if !res.Matched {
		t.Error("expected matched result")
	}
	st, _ := m.State(snap.ID)
	if st.ReauthPending || st.State != trust.StateTrusted || st.TrustLevel != 100 {
		t.Errorf("expected trusted/100, got %+v", st)
	}
}

func TestReverifyMismatchKeepsPending(t *testing.T) {
	v := &stubVerifier{result: biometric.Result{Matched: false}}
	m := newTestManager(WithVerifier(v))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	res, err := m.Reverify(ctx, snap.ID, biometric.ModalityFingerprint, biometric.Sample{})
	if err != nil {
		t.Fatalf("Reverify failed: %v", err)
	}
	if res.Matched {
		t.Error("expected unmatched result")
	}
	st, _ := m.State(snap.ID)
	if !st.ReauthPending {
		t.Error("mismatch must not clear pending")
	}
}

func TestReverifyCancelledKeepsPending(t *testing.T) {
	v := &stubVerifier{result: biometric.Result{Cancelled: true}}
	m := newTestManager(WithVerifier(v))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	res, err := m.Reverify(ctx, snap.ID, biometric.ModalityFace, biometric.Sample{})
	if err != nil || !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v, %v", res, err)
	}
	if st, _ := m.State(snap.ID); !st.ReauthPending {
		t.Error("cancelled verification must not clear pending")
	}
}

func TestReverifyNotEnrolledLeavesTrust(t *testing.T) {
	v := &stubVerifier{err: biometric.ErrNotEnrolled}
	m := newTestManager(WithVerifier(v))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)
	before, _ := m.TrustLevel(snap.ID)

	_, err := m.Reverify(ctx, snap.ID, biometric.ModalityFace, biometric.Sample{})
	if !errors.Is(err, biometric.ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
	after, _ := m.TrustLevel(snap.ID)
	if before != after {
		t.Errorf("trust changed on failed verification: %d -> %d", before, after)
	}
}

func TestReverifyWithoutPending(t *testing.T) {
	v := &stubVerifier{result: biometric.Result{Matched: true}}
	m := newTestManager(WithVerifier(v))
	snap, _ := m.Start(context.Background(), testAccount(t), "password")

	_, err := m.Reverify(context.Background(), snap.ID, biometric.ModalityFace, biometric.Sample{})
	if !errors.Is(err, trust.ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if v.calls != 0 {
		t.Error("verifier should not run when nothing is pending")
	}
}

func TestReverifyPassword(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	if err := m.ReverifyPassword(ctx, snap.ID, "wrong"); !errors.Is(err, trust.ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	if err := m.ReverifyPassword(ctx, snap.ID, "password123"); err != nil {
		t.Fatalf("ReverifyPassword failed: %v", err)
	}
	if lvl, _ := m.TrustLevel(snap.ID); lvl != 100 {
		t.Errorf("expected trust 100, got %d", lvl)
	}
}

type countingThrottler struct {
	budget int
	calls  int
}

func (c *countingThrottler) Allow(string) error {
	c.calls++
	if c.calls > c.budget {
		return biometric.ErrRateLimited
	}
	return nil
}

func TestReverifyPasswordThrottled(t *testing.T) {
	th := &countingThrottler{budget: 2}
	m := newTestManager(WithThrottler(th))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")

	// nothing pending spends no attempts
	if err := m.ReverifyPassword(ctx, snap.ID, "wrong"); !errors.Is(err, trust.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if th.calls != 0 {
		t.Fatalf("throttle consulted %d times without a pending re-auth", th.calls)
	}

	raiseReauth(t, m, snap.ID)
	for i := 0; i < 2; i++ {
		if err := m.ReverifyPassword(ctx, snap.ID, "wrong"); !errors.Is(err, trust.ErrNotVerified) {
			t.Fatalf("attempt %d: expected ErrNotVerified, got %v", i, err)
		}
	}
	// the correct password is refused once the budget is spent
	if err := m.ReverifyPassword(ctx, snap.ID, "password123"); !errors.Is(err, biometric.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if st, _ := m.State(snap.ID); !st.ReauthPending {
		t.Error("throttled attempt must leave the session pending")
	}
}

func TestVerifierActsAsThrottler(t *testing.T) {
	bcfg := biometric.DefaultConfig()
	bcfg.VerifyPerMinute = 1
	bcfg.VerifyBurst = 1
	bio := biometric.NewService(bcfg, biometric.NewMemoryStore())
	m := newTestManager(WithVerifier(bio))
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	if err := m.ReverifyPassword(ctx, snap.ID, "wrong"); !errors.Is(err, trust.ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	if err := m.ReverifyPassword(ctx, snap.ID, "wrong"); !errors.Is(err, biometric.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestReverifyPasswordDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPasswordReauth = false
	m := NewManager(cfg)
	snap, _ := m.Start(context.Background(), testAccount(t), "password")

	err := m.ReverifyPassword(context.Background(), snap.ID, "password123")
	if !errors.Is(err, ErrPasswordReauthDisabled) {
		t.Errorf("expected ErrPasswordReauthDisabled, got %v", err)
	}
}

func TestCancelReauthLogout(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	rec := &recordingListener{}
	m.AddListener(rec)
	raiseReauth(t, m, snap.ID)

	terminated, err := m.CancelReauth(ctx, snap.ID)
	if err != nil {
		t.Fatalf("CancelReauth failed: %v", err)
	}
	if !terminated {
		t.Error("logout policy should terminate the session")
	}
	if len(rec.ends) != 1 || rec.ends[0].Reason != ReasonReauthCancelled {
		t.Errorf("expected reauth_cancelled end event, got %+v", rec.ends)
	}
	if m.Len() != 0 {
		t.Error("session should be removed")
	}
}

func TestCancelReauthHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trust.CancelPolicy = trust.CancelHold
	m := NewManager(cfg)
	ctx := context.Background()
	snap, _ := m.Start(ctx, testAccount(t), "password")
	raiseReauth(t, m, snap.ID)

	terminated, err := m.CancelReauth(ctx, snap.ID)
	if err != nil {
		t.Fatalf("CancelReauth failed: %v", err)
	}
	if terminated {
		t.Error("hold policy must not terminate the session")
	}
	if st, _ := m.State(snap.ID); !st.ReauthPending {
		t.Error("hold policy should stay pending")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 10 * time.Millisecond
	m := NewManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	snap, _ := m.Start(ctx, testAccount(t), "password")

	var ticks atomic.Int32
	m.Subscribe(snap.ID, ListenerFuncs{Sample: func(SampleEvent) { ticks.Add(1) }})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() < 2 {
		t.Errorf("expected at least 2 ticks, got %d", ticks.Load())
	}
}

func TestCloseEndsAll(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	rec := &recordingListener{}
	m.AddListener(rec)
	m.Start(ctx, testAccount(t), "password")
	m.Start(ctx, testAccount(t), "face")

	m.Close(ctx)

	if m.Len() != 0 {
		t.Errorf("expected no sessions, got %d", m.Len())
	}
	if len(rec.ends) != 2 || rec.ends[0].Reason != ReasonShutdown {
		t.Errorf("expected 2 shutdown events, got %+v", rec.ends)
	}
}
