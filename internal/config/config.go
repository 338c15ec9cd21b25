package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the live audio service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	LiveProvider      string
	GeminiAPIKey      string
	VertexProjectID   string
	VertexRegion      string
	VertexAccessToken string
	LiveWSURL         string

	LiveModel             string
	LiveVoice             string
	LiveSystemInstruction string
	AutoConnect           bool

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ConnectWait      time.Duration
	GraceWindow      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    time.Duration
	MaxAttempts      int

	InputSampleRate  int
	OutputSampleRate int
	CaptureChunk     time.Duration

	VADSilenceThreshold float64
	VADTrailingSilence  time.Duration

	PlaybackWindow          time.Duration
	PlaybackMaxSegmentBytes int

	AudioDevice     string
	CaptureCommand  string
	PlaybackCommand string

	DatabaseURL              string
	SessionInactivityTimeout time.Duration
}

// Load reads the optional APP_CONFIG_FILE overlay and environment variables
// and applies safe defaults. Environment values win over file values.
func Load() (Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:              src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      src.envOrDefault("APP_METRICS_NAMESPACE", "livewire"),
		LogLevel:              strings.ToLower(src.envOrDefault("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(src.envOrDefault("LOG_FORMAT", "json")),
		LiveProvider:          strings.ToLower(src.envOrDefault("LIVE_PROVIDER", "gemini")),
		GeminiAPIKey:          src.trimmed("GEMINI_API_KEY"),
		VertexProjectID:       src.trimmed("VERTEX_PROJECT_ID"),
		VertexRegion:          src.envOrDefault("VERTEX_REGION", "us-central1"),
		VertexAccessToken:     src.trimmed("VERTEX_ACCESS_TOKEN"),
		LiveWSURL:             src.trimmed("LIVE_WS_URL"),
		LiveModel:             src.envOrDefault("LIVE_MODEL", "gemini-2.0-flash-live-001"),
		LiveVoice:             src.envOrDefault("LIVE_VOICE", "Puck"),
		LiveSystemInstruction: src.trimmed("LIVE_SYSTEM_INSTRUCTION"),
		AudioDevice:           strings.ToLower(src.envOrDefault("AUDIO_DEVICE", "mock")),
		CaptureCommand:        src.trimmed("AUDIO_CAPTURE_COMMAND"),
		PlaybackCommand:       src.trimmed("AUDIO_PLAYBACK_COMMAND"),
		DatabaseURL:           src.trimmed("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		ConnectTimeout:           15 * time.Second,
		HandshakeTimeout:         15 * time.Second,
		ConnectWait:              5 * time.Second,
		GraceWindow:              2 * time.Second,
		BackoffBase:              time.Second,
		BackoffMax:               30 * time.Second,
		BackoffJitter:            time.Second,
		MaxAttempts:              5,
		InputSampleRate:          16000,
		OutputSampleRate:         24000,
		CaptureChunk:             40 * time.Millisecond,
		VADSilenceThreshold:      0.01,
		VADTrailingSilence:       time.Second,
		PlaybackWindow:           300 * time.Millisecond,
		PlaybackMaxSegmentBytes:  48000,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"LIVE_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"LIVE_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"LIVE_CONNECT_WAIT", &cfg.ConnectWait},
		{"LIVE_GRACE_WINDOW", &cfg.GraceWindow},
		{"LIVE_BACKOFF_BASE", &cfg.BackoffBase},
		{"LIVE_BACKOFF_MAX", &cfg.BackoffMax},
		{"LIVE_BACKOFF_JITTER", &cfg.BackoffJitter},
		{"AUDIO_CAPTURE_CHUNK", &cfg.CaptureChunk},
		{"VAD_TRAILING_SILENCE", &cfg.VADTrailingSilence},
		{"PLAYBACK_WINDOW", &cfg.PlaybackWindow},
		{"SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = src.durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LIVE_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"AUDIO_INPUT_SAMPLE_RATE", &cfg.InputSampleRate},
		{"AUDIO_OUTPUT_SAMPLE_RATE", &cfg.OutputSampleRate},
		{"PLAYBACK_MAX_SEGMENT_BYTES", &cfg.PlaybackMaxSegmentBytes},
	}
	for _, n := range ints {
		if *n.dst, err = src.intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.VADSilenceThreshold, err = src.floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.VADSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoConnect, err = src.boolFromEnv("LIVE_AUTOCONNECT", cfg.AutoConnect)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LiveProvider {
	case "gemini", "vertex":
	default:
		return fmt.Errorf("LIVE_PROVIDER must be gemini or vertex, got %q", c.LiveProvider)
	}
	switch c.AudioDevice {
	case "exec", "mock":
	default:
		return fmt.Errorf("AUDIO_DEVICE must be exec or mock, got %q", c.AudioDevice)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("LIVE_MAX_ATTEMPTS must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("LIVE_BACKOFF_MAX must be at least LIVE_BACKOFF_BASE, and both positive")
	}
	if c.BackoffJitter < 0 || c.GraceWindow < 0 {
		return fmt.Errorf("LIVE_BACKOFF_JITTER and LIVE_GRACE_WINDOW must be >= 0")
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("audio sample rates must be positive")
	}
	if c.CaptureChunk <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_CHUNK must be positive")
	}
	if c.VADSilenceThreshold <= 0 || c.VADSilenceThreshold >= 1 {
		return fmt.Errorf("VAD_SILENCE_THRESHOLD must be between 0 and 1")
	}
	if c.PlaybackWindow <= 0 {
		return fmt.Errorf("PLAYBACK_WINDOW must be positive")
	}
	if c.PlaybackMaxSegmentBytes < 2 {
		return fmt.Errorf("PLAYBACK_MAX_SEGMENT_BYTES must be at least 2")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	return nil
}

// source resolves keys from the environment first and the overlay file
// second.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return source{}, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		case nil:
			continue
		}
		src.file[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return src, nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.trimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) floatFromEnv(key string, fallback float64) (float64, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
