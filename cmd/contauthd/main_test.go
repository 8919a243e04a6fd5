package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"contauth/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.Path = filepath.Join(dir, "data", "contauth.db")
	cfg.Logging.AuditPath = filepath.Join(dir, "state", "audit.log")
	cfg.Logging.CrashDir = filepath.Join(dir, "state", "crashes")
	cfg.Logging.Level = "error"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func TestServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:9443"
	cfg.Server.ReadTimeoutSec = 3
	cfg.Server.ShutdownTimeoutSec = 7
	cfg.Server.AllowedOrigins = []string{"https://portal.clinic.org"}
	cfg.Metrics.Path = "/internal/metrics"

	tc := serverConfig(cfg)
	if tc.Addr != "127.0.0.1:9443" {
		t.Errorf("Addr = %q", tc.Addr)
	}
	if tc.ReadTimeout != 3*time.Second || tc.ShutdownTimeout != 7*time.Second {
		t.Errorf("timeouts not converted: %+v", tc)
	}
	if tc.MaxFrameBytes != cfg.Server.MaxFrameBytes {
		t.Errorf("MaxFrameBytes = %d", tc.MaxFrameBytes)
	}
	if tc.MetricsPath != "/internal/metrics" {
		t.Errorf("MetricsPath = %q", tc.MetricsPath)
	}
	if len(tc.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", tc.AllowedOrigins)
	}
	if tc.PingInterval <= 0 {
		t.Error("PingInterval should keep its default")
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.BusyTimeoutMs = 2500
	cfg.Storage.MaxConnections = 3

	opts, err := storeOptions(cfg)
	if err != nil {
		t.Fatalf("storeOptions: %v", err)
	}
	if opts.BusyTimeout != 2500*time.Millisecond || opts.MaxConnections != 3 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.NoMigrate || len(opts.SealKey) != 0 {
		t.Errorf("defaults should migrate without sealing: %+v", opts)
	}

	cfg.Storage.SealKey = "not-hex"
	if _, err := storeOptions(cfg); err == nil || !strings.Contains(err.Error(), "seal_key") {
		t.Errorf("expected seal_key error, got %v", err)
	}
}

func TestServeStartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	loader := config.NewLoader("")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, loader, cfg) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	data, err := os.ReadFile(cfg.Logging.AuditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	audit := string(data)
	if !strings.Contains(audit, `"event_type":"startup"`) || !strings.Contains(audit, `"event_type":"shutdown"`) {
		t.Errorf("audit log missing lifecycle events:\n%s", audit)
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestServeRejectsBadSealKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.SealKey = "not-hex"

	err := serve(context.Background(), config.NewLoader(""), cfg)
	if err == nil || !strings.Contains(err.Error(), "seal_key") {
		t.Fatalf("expected seal_key error, got %v", err)
	}
}
