// Package config loads sidecar settings from an optional YAML file overlaid
// by ARVYN_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variable names before they are
	// matched to config keys: ARVYN_SERVER_URL -> server_url.
	EnvPrefix = "ARVYN_"

	maxConfigFileSize = 1 << 20
)

type CaptureBackend string

const (
	CaptureFFmpeg CaptureBackend = "ffmpeg"
	CaptureMalgo  CaptureBackend = "malgo"
)

type Config struct {
	ServerURL   string `koanf:"server_url"`
	CommandPath string `koanf:"command_path"`
	EventsPath  string `koanf:"events_path"`
	APIKey      string `koanf:"api_key"`

	SubmitTimeout  time.Duration `koanf:"submit_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`

	// Realtime channel.
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
	ReconnectInitial  time.Duration `koanf:"reconnect_initial"`
	ReconnectMax      time.Duration `koanf:"reconnect_max"`
	DialTimeout       time.Duration `koanf:"dial_timeout"`
	PingInterval      time.Duration `koanf:"ping_interval"`
	PongTimeout       time.Duration `koanf:"pong_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	MaxMessageBytes   int64         `koanf:"max_message_bytes"`

	StaleSessionRetention time.Duration `koanf:"stale_session_retention"`
	ErrorResetAfter       time.Duration `koanf:"error_reset_after"`

	CaptureBackend     CaptureBackend `koanf:"capture_backend"`
	CaptureDevice      string         `koanf:"capture_device"`
	CaptureSampleRate  int            `koanf:"capture_sample_rate"`
	CaptureMaxDuration time.Duration  `koanf:"capture_max_duration"`
	CaptureLockPath    string         `koanf:"capture_lock_path"`

	// Empty AuditDSN keeps the decision ledger in memory.
	AuditDSN    string `koanf:"audit_dsn"`
	MetricsAddr string `koanf:"metrics_addr"`
	ApprovalCue bool   `koanf:"approval_cue"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// defaults is loaded before the file so that omitted keys, including
// booleans that default to true, keep their documented values.
const defaults = `
server_url: http://127.0.0.1:8000
command_path: /command
events_path: /events
submit_timeout: 30s
max_upload_bytes: 26214400
reconnect_attempts: 5
reconnect_initial: 500ms
reconnect_max: 10s
dial_timeout: 10s
ping_interval: 10s
pong_timeout: 10s
write_timeout: 5s
max_message_bytes: 65536
stale_session_retention: 5m
error_reset_after: 3s
capture_backend: ffmpeg
capture_sample_rate: 16000
capture_max_duration: 60s
approval_cue: true
log_level: info
log_format: text
`

// Load reads path (when non-empty), then the environment. Environment
// variables win over the file.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path = strings.TrimSpace(path); path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config file %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxConfigFileSize))
}

func applyDefaults(cfg *Config) {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.CaptureBackend = CaptureBackend(strings.ToLower(strings.TrimSpace(string(cfg.CaptureBackend))))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if strings.TrimSpace(cfg.CaptureLockPath) == "" {
		cfg.CaptureLockPath = filepath.Join(os.TempDir(), "arvyn-capture.lock")
	}
}

// Validate reports the first invalid setting, naming its environment
// variable.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ARVYN_SERVER_URL must be an http or https URL")
	}
	if !strings.HasPrefix(c.CommandPath, "/") {
		return fmt.Errorf("ARVYN_COMMAND_PATH must start with /")
	}
	if !strings.HasPrefix(c.EventsPath, "/") {
		return fmt.Errorf("ARVYN_EVENTS_PATH must start with /")
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("ARVYN_SUBMIT_TIMEOUT must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("ARVYN_MAX_UPLOAD_BYTES must be > 0")
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("ARVYN_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.ReconnectInitial <= 0 {
		return fmt.Errorf("ARVYN_RECONNECT_INITIAL must be > 0")
	}
	if c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("ARVYN_RECONNECT_MAX must be >= ARVYN_RECONNECT_INITIAL")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("ARVYN_DIAL_TIMEOUT must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ARVYN_PING_INTERVAL must be > 0")
	}
	if c.PongTimeout <= 0 {
		return fmt.Errorf("ARVYN_PONG_TIMEOUT must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("ARVYN_WRITE_TIMEOUT must be > 0")
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("ARVYN_MAX_MESSAGE_BYTES must be >= 1024")
	}
	if c.StaleSessionRetention <= 0 {
		return fmt.Errorf("ARVYN_STALE_SESSION_RETENTION must be > 0")
	}
	if c.ErrorResetAfter < 0 {
		return fmt.Errorf("ARVYN_ERROR_RESET_AFTER must be >= 0")
	}
	switch c.CaptureBackend {
	case CaptureFFmpeg, CaptureMalgo:
	default:
		return fmt.Errorf("ARVYN_CAPTURE_BACKEND must be one of ffmpeg|malgo")
	}
	if c.CaptureSampleRate < 8000 || c.CaptureSampleRate > 48000 {
		return fmt.Errorf("ARVYN_CAPTURE_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.CaptureMaxDuration <= 0 {
		return fmt.Errorf("ARVYN_CAPTURE_MAX_DURATION must be > 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("ARVYN_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// ParseLevel maps a configured level name onto slog.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("ARVYN_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

