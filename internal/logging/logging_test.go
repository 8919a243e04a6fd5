package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, name := range []string{"debug", "info", "warn", "error"} {
		level, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
		if got := LevelString(level); got != name {
			t.Errorf("LevelString(%v) = %q, expected %q", level, got, name)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "contauthd" {
		t.Errorf("expected component contauthd, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "contauthd.log") {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func TestStateDirOverride(t *testing.T) {
	t.Setenv("CONTAUTH_STATE_DIR", "/tmp/contauth-state")
	if got := StateDir(); got != "/tmp/contauth-state" {
		t.Errorf("expected override, got %s", got)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"new_password", true},
		{"secret", true},
		{"api_key", true},
		{"token", true},
		{"credential_id", true},
		{"descriptor", true},
		{"template", true},
		{"cookie", true},
		{"session_id", false},
		{"request_id", false},
		{"user", false},
		{"email", false},
		{"score", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestRedactionInOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	logger := NewWithWriter(&buf, cfg)

	logger.WithSession("sess-1", "user-1").Info("login", "password", "hunter2", "score", 1.5)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["password"] != "[REDACTED]" {
		t.Errorf("password not redacted: %v", entry["password"])
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("session_id should be visible, got %v", entry["session_id"])
	}
	if entry["component"] != "contauthd" {
		t.Errorf("expected component attribute, got %v", entry["component"])
	}
}

func TestNewRequestID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Component = "test"
	logger := NewWithWriter(&bytes.Buffer{}, cfg)

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("child").NewRequestID()

	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "test-") {
		t.Errorf("NewRequestID should start with component name, got %q", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-456")
	if got := RequestIDFromContext(ctx); got != "req-456" {
		t.Errorf("expected req-456, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	NewWithWriter(&buf, cfg).WithContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), `"request_id":"req-456"`) {
		t.Errorf("request_id missing from output: %s", buf.String())
	}
}

func TestLoggerFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "contauthd.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("written to file")
	logger.Sync()
	logger.Close()

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

// =============================================================================
// FileRotator
// =============================================================================

func TestFileRotatorSizeRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "test.log"),
		MaxSize:    1,
		MaxBackups: 2,
	}
	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files, err := r.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	// active file plus at most MaxBackups rotated ones
	if len(files) < 2 || len(files) > 3 {
		t.Errorf("expected 2-3 files, got %v", files)
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "daily.log"), MaxSize: 100, MaxBackups: 5}
	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return day }
	r.opened = day

	r.Write([]byte("first\n"))
	day = day.Add(2 * time.Minute)
	r.Write([]byte("second\n"))
	r.Close()

	files, _ := r.Files()
	if len(files) != 2 {
		t.Fatalf("expected active + 1 rotated file, got %v", files)
	}
	data, _ := os.ReadFile(cfg.FilePath)
	if string(data) != "second\n" {
		t.Errorf("active file should hold only the new day, got %q", data)
	}
}

func TestFileRotatorEmptyPath(t *testing.T) {
	if _, err := NewFileRotator(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// =============================================================================
// AuditLogger
// =============================================================================

func TestAuditLogger(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := NewAuditLogger(&AuditLoggerConfig{FilePath: auditPath, MaxSize: 10, Component: "test"})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	ctx := ContextWithRequestID(context.Background(), "req-1")

	audit.LogLogin(ctx, "sarah.johnson@clinic.org", "10.0.0.1", true)
	audit.LogRegistration(ctx, "u-1", "sarah.johnson@clinic.org", "physician")
	audit.LogEnroll(ctx, "u-1", "face", errors.New("capture failed"))
	audit.LogVerify(ctx, "u-1", "face", "mismatch", nil)
	audit.Log(ctx, AuditEvent{
		EventType: AuditEventReauthRequired,
		SessionID: "s-1",
		Action:    "reauth_required",
		Result:    "raised",
		Details:   map[string]interface{}{"score": 4.2, "password": "leak"},
	})
	audit.LogConfigChange(ctx, "contauth.toml", []string{"scoring"})
	audit.LogShutdown(ctx, "signal")
	audit.Sync()
	audit.Close()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 7 {
		t.Fatalf("expected 7 audit lines, got %d", len(lines))
	}

	var verify AuditEvent
	if err := json.Unmarshal([]byte(lines[3]), &verify); err != nil {
		t.Fatalf("line 4 is not valid JSON: %v", err)
	}
	if verify.EventType != AuditEventVerify || verify.Result != "mismatch" || verify.Resource != "face" {
		t.Errorf("unexpected verify event: %+v", verify)
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[4]), &ev); err != nil {
		t.Fatalf("line 5 is not valid JSON: %v", err)
	}
	if ev.EventType != AuditEventReauthRequired || ev.SessionID != "s-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Details["password"] != "[REDACTED]" {
		t.Errorf("audit details not redacted: %v", ev.Details)
	}
	if ev.Component != "test" || ev.RequestID != "req-1" || ev.Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", ev)
	}

	var enroll AuditEvent
	json.Unmarshal([]byte(lines[2]), &enroll)
	if enroll.Result != "failure" || enroll.Error != "capture failed" {
		t.Errorf("unexpected enroll event: %+v", enroll)
	}
}

// =============================================================================
// CrashHandler
// =============================================================================

func TestCrashHandlerGuard(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "1.0.0", NewWithWriter(&bytes.Buffer{}, nil).Logger)

	var seen CrashReport
	h.OnCrash(func(r CrashReport) { seen = r })

	if h.Guard("ok", func() {}) {
		t.Error("Guard reported a panic for a clean call")
	}
	if !h.Guard("tick", func() { panic("boom") }) {
		t.Fatal("Guard did not report the panic")
	}
	if seen.PanicValue != "boom" || seen.Where != "tick" {
		t.Errorf("unexpected callback report: %+v", seen)
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("Reports failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Version != "1.0.0" {
		t.Errorf("expected one report, got %+v", reports)
	}

	if err := h.Prune(-time.Second); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if reports, _ := h.Reports(); len(reports) != 0 {
		t.Errorf("expected reports pruned, got %d", len(reports))
	}
}

func TestCrashHandlerWithoutDir(t *testing.T) {
	h := NewCrashHandler("", "dev", NewWithWriter(&bytes.Buffer{}, nil).Logger)
	if !h.Guard("x", func() { panic(errors.New("bad")) }) {
		t.Error("expected panic to be recovered")
	}
	if reports, _ := h.Reports(); reports != nil {
		t.Errorf("expected no report files, got %v", reports)
	}
}
