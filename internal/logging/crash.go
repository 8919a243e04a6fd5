package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time              `json:"timestamp"`
	Version      string                 `json:"version"`
	GOOS         string                 `json:"goos"`
	GOARCH       string                 `json:"goarch"`
	NumGoroutine int                    `json:"num_goroutine"`
	Where        string                 `json:"where"`
	PanicValue   string                 `json:"panic_value"`
	StackTrace   string                 `json:"stack_trace"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// CrashHandler recovers panics in long-running goroutines and request
// handlers, writes a JSON report and logs it.
type CrashHandler struct {
	dir     string
	version string
	logger  *slog.Logger
	seq     atomic.Uint64

	mu      sync.Mutex
	onCrash func(CrashReport)
}

// NewCrashHandler creates a handler that writes reports to dir. An empty dir
// disables report files; panics are still logged.
func NewCrashHandler(dir, version string, logger *slog.Logger) *CrashHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		os.MkdirAll(dir, 0750)
	}
	return &CrashHandler{dir: dir, version: version, logger: logger}
}

// OnCrash registers a callback run after every recovered panic.
func (h *CrashHandler) OnCrash(fn func(CrashReport)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCrash = fn
}

// Guard runs fn and converts a panic into a report. It returns true if fn
// panicked.
func (h *CrashHandler) Guard(where string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.Handle(where, r, nil)
			panicked = true
		}
	}()
	fn()
	return false
}

// Handle records a recovered panic value.
func (h *CrashHandler) Handle(where string, value interface{}, info map[string]interface{}) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Where:        where,
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Context:      info,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("write crash report", "error", err)
	}
	h.logger.Error("recovered panic", "where", where, "panic", report.PanicValue, "report", path)

	h.mu.Lock()
	cb := h.onCrash
	h.mu.Unlock()
	if cb != nil {
		cb(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		return "", nil
	}
	name := fmt.Sprintf("crash-%s-%06d.json", report.Timestamp.Format("20060102-150405"), h.seq.Add(1))
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads every report in the crash directory, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []CrashReport
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	if h.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "crash-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(h.dir, e.Name()))
		}
	}
	return nil
}
