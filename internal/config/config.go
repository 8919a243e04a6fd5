// Package config handles configuration loading, validation, and hot reload
// for contauthd.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"contauth/internal/anomaly"
	"contauth/internal/biometric"
	"contauth/internal/identity"
	"contauth/internal/logging"
	"contauth/internal/metrics"
	"contauth/internal/session"
	"contauth/internal/telemetry"
	"contauth/internal/tracing"
	"contauth/internal/trust"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONTAUTH_"

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Telemetry TelemetryConfig  `toml:"telemetry" json:"telemetry" yaml:"telemetry"`
	Scoring   anomaly.Config   `toml:"scoring" json:"scoring" yaml:"scoring"`
	Trust     trust.Config     `toml:"trust" json:"trust" yaml:"trust"`
	Biometric biometric.Config `toml:"biometric" json:"biometric" yaml:"biometric"`
	Accounts  identity.Config  `toml:"accounts" json:"accounts" yaml:"accounts"`
	Sessions  SessionsConfig   `toml:"sessions" json:"sessions" yaml:"sessions"`
	Storage   StorageConfig    `toml:"storage" json:"storage" yaml:"storage"`
	Server    ServerConfig     `toml:"server" json:"server" yaml:"server"`
	Redis     RedisConfig      `toml:"redis" json:"redis" yaml:"redis"`
	Logging   LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Metrics   metrics.Config   `toml:"metrics" json:"metrics" yaml:"metrics"`
	Tracing   tracing.Config   `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// TelemetryConfig controls windowing and per-event activity weights.
type TelemetryConfig struct {
	// WindowMs is the length of one feature window.
	WindowMs      int `toml:"window_ms" json:"window_ms" yaml:"window_ms"`
	KeyWeightMs   int `toml:"key_weight_ms" json:"key_weight_ms" yaml:"key_weight_ms"`
	MoveWeightMs  int `toml:"move_weight_ms" json:"move_weight_ms" yaml:"move_weight_ms"`
	ClickWeightMs int `toml:"click_weight_ms" json:"click_weight_ms" yaml:"click_weight_ms"`

	// HistoryCapacity is how many windows each session retains.
	HistoryCapacity int `toml:"history_capacity" json:"history_capacity" yaml:"history_capacity"`

	// BaselineWindow is how many of the oldest retained windows form the
	// behavioral baseline.
	BaselineWindow int `toml:"baseline_window" json:"baseline_window" yaml:"baseline_window"`
}

// Window returns WindowMs as a duration.
func (t TelemetryConfig) Window() time.Duration {
	return time.Duration(t.WindowMs) * time.Millisecond
}

// Weights returns the per-event activity weights.
func (t TelemetryConfig) Weights() telemetry.Weights {
	return telemetry.Weights{
		Key:   time.Duration(t.KeyWeightMs) * time.Millisecond,
		Move:  time.Duration(t.MoveWeightMs) * time.Millisecond,
		Click: time.Duration(t.ClickWeightMs) * time.Millisecond,
	}
}

// SessionsConfig bounds the session registry and its tick workers.
type SessionsConfig struct {
	Workers             int  `toml:"workers" json:"workers" yaml:"workers"`
	MaxSessions         int  `toml:"max_sessions" json:"max_sessions" yaml:"max_sessions"`
	AllowPasswordReauth bool `toml:"allow_password_reauth" json:"allow_password_reauth" yaml:"allow_password_reauth"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	BusyTimeoutMs  int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// SealKey is a hex-encoded key of at least 32 bytes. When set, stored
	// biometric templates carry an HMAC and are checked on every read.
	SealKey string `toml:"seal_key" json:"seal_key" yaml:"seal_key"`
}

// SealKeyBytes decodes SealKey. An empty key yields nil.
func (s StorageConfig) SealKeyBytes() ([]byte, error) {
	if s.SealKey == "" {
		return nil, nil
	}
	return hex.DecodeString(s.SealKey)
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr               string `toml:"addr" json:"addr" yaml:"addr"`
	ReadTimeoutSec     int    `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec     int    `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// AllowedOrigins restricts websocket upgrades. Empty allows same-origin
	// requests only; "*" allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	// MaxFrameBytes caps a single inbound websocket frame.
	MaxFrameBytes int64 `toml:"max_frame_bytes" json:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// RedisConfig holds the event fan-out settings.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr     string `toml:"addr" json:"addr" yaml:"addr"`
	Password string `toml:"password" json:"password" yaml:"password"`
	DB       int    `toml:"db" json:"db" yaml:"db"`
	Prefix   string `toml:"prefix" json:"prefix" yaml:"prefix"`
	// PublishSamples also publishes every scored window, not only anomalies.
	PublishSamples bool `toml:"publish_samples" json:"publish_samples" yaml:"publish_samples"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	AuditEnabled bool   `toml:"audit_enabled" json:"audit_enabled" yaml:"audit_enabled"`
	AuditPath    string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
	CrashDir     string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	state := logging.StateDir()
	w := telemetry.DefaultWeights()

	return &Config{
		Version: Version,
		Telemetry: TelemetryConfig{
			WindowMs:        int(telemetry.DefaultWindow / time.Millisecond),
			KeyWeightMs:     int(w.Key / time.Millisecond),
			MoveWeightMs:    int(w.Move / time.Millisecond),
			ClickWeightMs:   int(w.Click / time.Millisecond),
			HistoryCapacity: telemetry.DefaultHistoryCapacity,
			BaselineWindow:  anomaly.DefaultBaselineWindow,
		},
		Scoring:   anomaly.DefaultConfig(),
		Trust:     trust.DefaultConfig(),
		Biometric: biometric.DefaultConfig(),
		Accounts:  identity.DefaultConfig(),
		Sessions: SessionsConfig{
			Workers:             8,
			MaxSessions:         10000,
			AllowPasswordReauth: true,
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dir, "contauth.db"),
			MaxConnections: 5,
			BusyTimeoutMs:  5000,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    10,
			IdleTimeoutSec:     60,
			ShutdownTimeoutSec: 15,
			MaxFrameBytes:      64 * 1024,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "contauth:events:",
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			Output:       "stderr",
			FilePath:     filepath.Join(state, "contauthd.log"),
			MaxSizeMB:    100,
			MaxBackups:   5,
			MaxAgeDays:   30,
			Compress:     true,
			AuditEnabled: true,
			AuditPath:    filepath.Join(state, "audit.log"),
			CrashDir:     filepath.Join(state, "crashes"),
		},
		Metrics: metrics.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads configuration from path, layering it over the defaults, and
// applies environment overrides. A missing file yields the defaults. The
// format follows the file extension: .toml, .json, .yaml or .yml.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("decode TOML: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies CONTAUTH_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("LISTEN_ADDR", &c.Server.Addr)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("STORAGE_PATH", &c.Storage.Path)
	str("SEAL_KEY", &c.Storage.SealKey)

	boolean("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_PATH", &c.Logging.FilePath)
	str("AUDIT_PATH", &c.Logging.AuditPath)

	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	integer("MAX_SESSIONS", &c.Sessions.MaxSessions)
	boolean("ALLOW_PASSWORD_REAUTH", &c.Sessions.AllowPasswordReauth)

	var policy string
	str("CANCEL_POLICY", &policy)
	if policy != "" {
		c.Trust.CancelPolicy = trust.CancelPolicy(policy)
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	clone.Accounts.Roles = append([]string(nil), c.Accounts.Roles...)
	clone.Accounts.Departments = append([]string(nil), c.Accounts.Departments...)
	return &clone
}

// SessionConfig builds the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Window:              c.Telemetry.Window(),
		Weights:             c.Telemetry.Weights(),
		HistoryCapacity:     c.Telemetry.HistoryCapacity,
		BaselineWindow:      c.Telemetry.BaselineWindow,
		Workers:             c.Sessions.Workers,
		MaxSessions:         c.Sessions.MaxSessions,
		AllowPasswordReauth: c.Sessions.AllowPasswordReauth,
		Scoring:             c.Scoring,
		Trust:               c.Trust,
	}
}

// LoggerConfig builds the logging package configuration.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "contauthd",
	}, nil
}

// AuditConfig builds the audit logger configuration.
func (c *Config) AuditConfig() *logging.AuditLoggerConfig {
	cfg := logging.DefaultAuditConfig()
	cfg.FilePath = c.Logging.AuditPath
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.Compress = c.Logging.Compress
	return cfg
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditEnabled {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	if c.Logging.CrashDir != "" {
		dirs = append(dirs, c.Logging.CrashDir)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
