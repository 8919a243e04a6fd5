package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSessionStart   AuditEventType = "session_start"
	AuditEventSessionEnd     AuditEventType = "session_end"
	AuditEventLogin          AuditEventType = "login"
	AuditEventRegistration   AuditEventType = "registration"
	AuditEventEnroll         AuditEventType = "enroll"
	AuditEventVerify         AuditEventType = "verify"
	AuditEventReauthRequired AuditEventType = "reauth_required"
	AuditEventReauth         AuditEventType = "reauth"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
	AuditEventError          AuditEventType = "error"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"`
	Details   map[string]interface{} `json:"details,omitempty"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(StateDir(), "audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "contauthd",
	}
}

// AuditLogger appends audit events as JSON lines to a rotated file.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if len(event.Details) > 0 {
		details := make(map[string]interface{}, len(event.Details))
		for k, v := range event.Details {
			if shouldRedact(k) {
				v = "[REDACTED]"
			}
			details[k] = v
		}
		event.Details = details
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogLogin records a password login attempt.
func (a *AuditLogger) LogLogin(ctx context.Context, email, sourceIP string, success bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventLogin,
		Action:    "login",
		Resource:  email,
		Result:    result(success),
		SourceIP:  sourceIP,
	})
}

// LogRegistration records an account creation.
func (a *AuditLogger) LogRegistration(ctx context.Context, userID, email, role string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRegistration,
		UserID:    userID,
		Action:    "register",
		Resource:  email,
		Result:    "success",
		Details:   map[string]interface{}{"role": role},
	})
}

// LogEnroll records a biometric enrollment attempt.
func (a *AuditLogger) LogEnroll(ctx context.Context, userID, modality string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventEnroll,
		UserID:    userID,
		Action:    "enroll",
		Resource:  modality,
		Result:    result(err == nil),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogVerify records a biometric verification attempt. outcome is matched,
// mismatch, cancelled or the failure class.
func (a *AuditLogger) LogVerify(ctx context.Context, userID, modality, outcome string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventVerify,
		UserID:    userID,
		Action:    "verify",
		Resource:  modality,
		Result:    outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogConfigChange records a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, source string, changed []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_reloaded",
		Resource:  source,
		Result:    "success",
		Details:   map[string]interface{}{"sections": changed},
	})
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
