package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"contauth/internal/logging"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any non-empty set.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

func (e *ValidationErrors) add(field, format string, args ...interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	validateTelemetry(&c.Telemetry, &errs)

	if err := c.Scoring.Validate(); err != nil {
		errs.add("scoring", "%v", err)
	}
	if err := c.Trust.Validate(); err != nil {
		errs.add("trust", "%v", err)
	}
	if err := c.Biometric.Validate(); err != nil {
		errs.add("biometric", "%v", err)
	}
	if c.Accounts.BcryptCost < 4 || c.Accounts.BcryptCost > 31 {
		errs.add("accounts.bcrypt_cost", "must be between 4 and 31")
	}
	if len(c.Accounts.Roles) == 0 {
		errs.add("accounts.roles", "at least one role is required")
	}

	validateSessions(&c.Sessions, &errs)
	validateStorage(&c.Storage, &errs)
	validateServer(&c.Server, &errs)
	validateRedis(&c.Redis, &errs)
	validateLogging(&c.Logging, &errs)

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs.add("metrics.path", "must start with /")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs.add("tracing.endpoint", "required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs.add("tracing.sample_ratio", "must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig, errs *ValidationErrors) {
	if t.WindowMs < 100 || t.WindowMs > 60000 {
		errs.add("telemetry.window_ms", "must be between 100 and 60000")
	}
	for name, v := range map[string]int{
		"key_weight_ms": t.KeyWeightMs, "move_weight_ms": t.MoveWeightMs, "click_weight_ms": t.ClickWeightMs,
	} {
		if v < 0 {
			errs.add("telemetry."+name, "must be non-negative")
		}
	}
	if t.HistoryCapacity < 1 {
		errs.add("telemetry.history_capacity", "must be at least 1")
	}
	if t.BaselineWindow < 1 {
		errs.add("telemetry.baseline_window", "must be at least 1")
	} else if t.BaselineWindow > t.HistoryCapacity {
		errs.add("telemetry.baseline_window", "must not exceed history_capacity")
	}
}

func validateSessions(s *SessionsConfig, errs *ValidationErrors) {
	if s.Workers < 1 {
		errs.add("sessions.workers", "must be at least 1")
	}
	if s.MaxSessions < 0 {
		errs.add("sessions.max_sessions", "must be non-negative")
	}
}

func validateStorage(s *StorageConfig, errs *ValidationErrors) {
	switch s.Type {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			errs.add("storage.path", "required for sqlite storage")
		}
		if s.MaxConnections < 1 {
			errs.add("storage.max_connections", "must be at least 1")
		}
		if s.BusyTimeoutMs < 0 {
			errs.add("storage.busy_timeout_ms", "must be non-negative")
		}
		if key, err := s.SealKeyBytes(); err != nil {
			errs.add("storage.seal_key", "must be hex: %v", err)
		} else if key != nil && len(key) < 32 {
			errs.add("storage.seal_key", "must decode to at least 32 bytes")
		}
	default:
		errs.add("storage.type", "must be \"sqlite\" or \"memory\", got %q", s.Type)
	}
}

func validateServer(s *ServerConfig, errs *ValidationErrors) {
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs.add("server.addr", "invalid listen address: %v", err)
	}
	for name, v := range map[string]int{
		"read_timeout_sec": s.ReadTimeoutSec, "write_timeout_sec": s.WriteTimeoutSec,
		"idle_timeout_sec": s.IdleTimeoutSec, "shutdown_timeout_sec": s.ShutdownTimeoutSec,
	} {
		if v < 0 {
			errs.add("server."+name, "must be non-negative")
		}
	}
	if s.MaxFrameBytes < 512 {
		errs.add("server.max_frame_bytes", "must be at least 512")
	}
}

func validateRedis(r *RedisConfig, errs *ValidationErrors) {
	if !r.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		errs.add("redis.addr", "invalid address: %v", err)
	}
	if r.DB < 0 || r.DB > 15 {
		errs.add("redis.db", "must be between 0 and 15")
	}
	if r.Prefix == "" {
		errs.add("redis.prefix", "required when redis is enabled")
	}
}

func validateLogging(l *LoggingConfig, errs *ValidationErrors) {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs.add("logging.format", "%v", err)
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "required when output includes a file")
		}
	default:
		errs.add("logging.output", "must be stdout, stderr, file or both")
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs.add("logging", "rotation limits must be non-negative")
	}
	if l.AuditEnabled && l.AuditPath == "" {
		errs.add("logging.audit_path", "required when audit is enabled")
	}
}
