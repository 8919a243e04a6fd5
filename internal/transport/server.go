// Package transport exposes the session manager over HTTP and websockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"contauth/internal/biometric"
	"contauth/internal/health"
	"contauth/internal/identity"
	"contauth/internal/logging"
	"contauth/internal/metrics"
	"contauth/internal/session"
)

// Accounts is the account service. *identity.Service satisfies it.
type Accounts interface {
	Register(ctx context.Context, r identity.Registration) (identity.Account, error)
	Authenticate(ctx context.Context, email, password string) (identity.Account, error)
	Lookup(ctx context.Context, email string) (identity.Account, error)
}

// Biometrics is the enrollment service. *biometric.Service satisfies it.
type Biometrics interface {
	Enroll(ctx context.Context, userID string, m biometric.Modality, s biometric.Sample) (biometric.Enrollment, error)
	Status(ctx context.Context, userID string) (biometric.Status, error)
}

// Auditor records security events. *logging.AuditLogger satisfies it.
type Auditor interface {
	LogLogin(ctx context.Context, email, sourceIP string, success bool) error
	LogRegistration(ctx context.Context, userID, email, role string) error
	LogEnroll(ctx context.Context, userID, modality string, err error) error
}

// Config holds listener and websocket settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AllowedOrigins lists browser origins allowed for CORS and websocket
	// upgrades. Empty allows only same-host origins; "*" allows any.
	AllowedOrigins []string
	MaxFrameBytes  int64
	MetricsPath    string

	// PingInterval is how often the stream pings idle clients. A client
	// that stays silent for twice this long is dropped.
	PingInterval time.Duration
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxFrameBytes:   64 * 1024,
		MetricsPath:     "/metrics",
		PingInterval:    30 * time.Second,
	}
}

// Server serves the contauth API.
type Server struct {
	cfg        Config
	sessions   *session.Manager
	accounts   Accounts
	biometrics Biometrics
	frames     *FrameValidator

	auditor Auditor
	metrics *metrics.Metrics
	health  *health.Checker
	crash   *logging.CrashHandler
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithConfig(cfg Config) Option { return func(s *Server) { s.cfg = cfg } }

func WithAuditor(a Auditor) Option { return func(s *Server) { s.auditor = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithHealth(h *health.Checker) Option { return func(s *Server) { s.health = h } }

// WithCrashHandler records handler panics as crash reports.
func WithCrashHandler(h *logging.CrashHandler) Option { return func(s *Server) { s.crash = h } }

func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a server.
func New(sessions *session.Manager, accounts Accounts, biometrics Biometrics, opts ...Option) (*Server, error) {
	frames, err := NewFrameValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        DefaultConfig(),
		sessions:   sessions,
		accounts:   accounts,
		biometrics: biometrics,
		frames:     frames,
		logger:     logging.NewWithWriter(io.Discard, nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxFrameBytes <= 0 {
		s.cfg.MaxFrameBytes = DefaultConfig().MaxFrameBytes
	}
	if s.cfg.PingInterval <= 0 {
		s.cfg.PingInterval = DefaultConfig().PingInterval
	}
	if s.cfg.MetricsPath == "" {
		s.cfg.MetricsPath = DefaultConfig().MetricsPath
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.recoverMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle(s.cfg.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.health != nil {
		r.Handle("/healthz", s.health.LivenessHandler()).Methods(http.MethodGet)
		r.Handle("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/accounts", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleLogout).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/trust", s.handleTrust).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/reauth", s.handleReauth).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/reauth/cancel", s.handleReauthCancel).Methods(http.MethodPost)

	api.HandleFunc("/users/{email}/enrollments", s.handleEnrollmentStatus).Methods(http.MethodGet)
	api.HandleFunc("/users/{email}/enrollments/{modality}", s.handleEnroll).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such route", Code: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "method_not_allowed"})
	})

	return s.corsMiddleware(r)
}

// ListenAndServe serves until ctx is cancelled and then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) log(r *http.Request) *logging.Logger {
	return s.logger.WithContext(r.Context())
}

// originAllowed applies AllowedOrigins. Requests without an Origin header
// come from non-browser clients and are allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
