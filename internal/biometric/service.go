package biometric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"contauth/internal/tracing"
)

// Recorder receives per-call outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordBiometric(op, modality, result string, d time.Duration)
}

// Auditor records verification attempts. *logging.AuditLogger satisfies it.
type Auditor interface {
	LogVerify(ctx context.Context, userID, modality, outcome string, err error) error
}

// Service runs enrollment and verification against a TemplateStore.
type Service struct {
	cfg      Config
	store    TemplateStore
	camera   Camera
	platform Platform
	logger   *slog.Logger
	recorder Recorder
	auditor  Auditor
	now      func() time.Time

	mu       sync.Mutex
	inflight map[pairKey]struct{}
	limiters map[string]*rate.Limiter
}

// Option configures a Service.
type Option func(*Service)

// WithCamera sets the camera used when a face sample carries no descriptor.
func WithCamera(c Camera) Option {
	return func(s *Service) { s.camera = c }
}

// WithPlatform sets the authenticator used when a fingerprint sample
// carries no credential.
func WithPlatform(p Platform) Option {
	return func(s *Service) { s.platform = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithAuditor records every verification attempt.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service over store.
func NewService(cfg Config, store TemplateStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		inflight: make(map[pairKey]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll captures a template for (userID, m) and stores it, replacing any
// previous enrollment. On any error, including ErrCancelled, the previous
// enrollment is left as it was.
func (s *Service) Enroll(ctx context.Context, userID string, m Modality, sample Sample) (e Enrollment, err error) {
	if !m.Valid() {
		return Enrollment{}, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}

	ctx, span := tracing.StartSpan(ctx, "biometric.enroll", tracing.UserID(userID), tracing.Modality(string(m)))
	defer span.End()
	start := time.Now()
	defer func() {
		s.observe("enroll", m, outcome(err), start)
		if err != nil && !errors.Is(err, ErrCancelled) {
			tracing.Fail(span, err)
		}
	}()

	release, err := s.acquire(userID, m)
	if err != nil {
		return Enrollment{}, err
	}
	defer release()

	cfg := s.config()
	var tpl Template
	switch m {
	case ModalityFace:
		d, err := s.faceSignal(ctx, cfg, sample)
		if err != nil {
			return Enrollment{}, err
		}
		tpl.Descriptor = d
	case ModalityFingerprint:
		id, err := s.registerCredential(ctx, cfg, userID, sample)
		if err != nil {
			return Enrollment{}, err
		}
		tpl.CredentialID = id
	}

	// a cancel that lands after capture still must not commit
	if ctx.Err() != nil {
		return Enrollment{}, ErrCancelled
	}

	e = Enrollment{
		UserID:     userID,
		Modality:   m,
		Template:   tpl,
		Enrolled:   true,
		EnrolledAt: s.now().UTC(),
	}
	if err := s.store.PutEnrollment(ctx, &e); err != nil {
		return Enrollment{}, fmt.Errorf("store enrollment: %w", err)
	}

	s.logger.Info("biometric enrolled", "user", userID, "modality", m)
	return e, nil
}

// Verify checks a live sample against the stored template. A cancelled
// attempt returns Result{Cancelled: true} and a nil error.
func (s *Service) Verify(ctx context.Context, userID string, m Modality, sample Sample) (r Result, err error) {
	if !m.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}
	r.Modality = m

	ctx, span := tracing.StartSpan(ctx, "biometric.verify", tracing.UserID(userID), tracing.Modality(string(m)))
	defer span.End()
	start := time.Now()
	defer func() {
		outcome := verifyOutcome(r, err)
		s.observe("verify", m, outcome, start)
		if s.auditor != nil {
			s.auditor.LogVerify(ctx, userID, string(m), outcome, err)
		}
		if err != nil {
			tracing.Fail(span, err)
		} else {
			span.SetAttributes(tracing.Matched(r.Matched))
		}
	}()

	enr, err := s.store.GetEnrollment(ctx, userID, m)
	if err != nil {
		return r, fmt.Errorf("load enrollment: %w", err)
	}
	if enr == nil || !enr.Enrolled {
		return r, ErrNotEnrolled
	}

	release, err := s.acquire(userID, m)
	if err != nil {
		return r, err
	}
	defer release()

	if !s.allow(userID) {
		return r, ErrRateLimited
	}

	cfg := s.config()

	switch m {
	case ModalityFace:
		d, err := s.faceSignal(ctx, cfg, sample)
		if errors.Is(err, ErrCancelled) {
			r.Cancelled = true
			return r, nil
		}
		if err != nil {
			return r, err
		}
		dist, err := Distance(d, enr.Template.Descriptor)
		if err != nil {
			return r, err
		}
		r.Distance = dist
		r.Matched = dist < cfg.FaceThreshold

	case ModalityFingerprint:
		ok, err := s.assertCredential(ctx, cfg, userID, enr.Template.CredentialID, sample)
		if errors.Is(err, ErrCancelled) {
			r.Cancelled = true
			return r, nil
		}
		if err != nil {
			return r, err
		}
		r.Matched = ok
	}

	s.logger.Info("biometric verified", "user", userID, "modality", m, "matched", r.Matched)
	return r, nil
}

// Status returns the enrollment flags for userID.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	list, err := s.store.ListEnrollments(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("list enrollments: %w", err)
	}
	var st Status
	for _, e := range list {
		if !e.Enrolled {
			continue
		}
		switch e.Modality {
		case ModalityFace:
			st.Face = true
		case ModalityFingerprint:
			st.Fingerprint = true
		}
	}
	return st, nil
}

// SetConfig replaces the policy for subsequent calls.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiters = make(map[string]*rate.Limiter)
}

func (s *Service) faceSignal(ctx context.Context, cfg Config, sample Sample) (Descriptor, error) {
	d := sample.Descriptor
	if d == nil {
		if s.camera == nil {
			return nil, fmt.Errorf("%w: no camera configured", ErrPlatformUnsupported)
		}
		var err error
		d, err = captureFace(ctx, s.camera, cfg.detectInterval(), cfg.cameraTimeout())
		if err != nil {
			return nil, err
		}
	}
	if err := d.Validate(cfg.DescriptorLength); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) registerCredential(ctx context.Context, cfg Config, userID string, sample Sample) (string, error) {
	if c := sample.Credential; c != nil {
		if !c.Verified || c.ID == "" {
			return "", fmt.Errorf("%w: credential not verified", ErrCaptureFailed)
		}
		return c.ID, nil
	}
	if err := s.platformReady(ctx); err != nil {
		return "", err
	}
	return runCeremony(ctx, cfg.ceremonyTimeout(), func(ctx context.Context) (string, error) {
		id, err := s.platform.Register(ctx, userID)
		if err == nil && id == "" {
			err = errors.New("platform returned empty credential id")
		}
		return id, err
	})
}

func (s *Service) assertCredential(ctx context.Context, cfg Config, userID, credentialID string, sample Sample) (bool, error) {
	if c := sample.Credential; c != nil {
		return c.Verified && c.ID == credentialID, nil
	}
	if err := s.platformReady(ctx); err != nil {
		return false, err
	}
	return runCeremony(ctx, cfg.ceremonyTimeout(), func(ctx context.Context) (bool, error) {
		return s.platform.Assert(ctx, userID, credentialID)
	})
}

func (s *Service) platformReady(ctx context.Context) error {
	if s.platform == nil || !s.platform.Available(ctx) {
		return fmt.Errorf("%w: no platform authenticator", ErrPlatformUnsupported)
	}
	return nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// acquire takes the per-pair slot or fails with ErrBusy.
func (s *Service) acquire(userID string, m Modality) (func(), error) {
	k := pairKey{userID, m}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[k]; busy {
		return nil, ErrBusy
	}
	s.inflight[k] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
	}, nil
}

// Allow spends one verification attempt from the user's budget. Fallback
// factors checked outside the service draw from the same budget.
func (s *Service) Allow(userID string) error {
	if !s.allow(userID) {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) allow(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.VerifyPerMinute <= 0 {
		return true
	}
	lim, ok := s.limiters[userID]
	if !ok {
		burst := s.cfg.VerifyBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.VerifyPerMinute)), burst)
		s.limiters[userID] = lim
	}
	return lim.Allow()
}

func (s *Service) observe(op string, m Modality, result string, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordBiometric(op, string(m), result, time.Since(start))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrPlatformUnsupported):
		return "unsupported"
	case errors.Is(err, ErrCaptureFailed):
		return "capture_failed"
	default:
		return "error"
	}
}

func verifyOutcome(r Result, err error) string {
	switch {
	case err != nil:
		return outcome(err)
	case r.Cancelled:
		return "cancelled"
	case r.Matched:
		return "matched"
	default:
		return "mismatch"
	}
}
