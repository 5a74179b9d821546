package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the car device gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogDebug  bool
	LogOutput string

	CommandAckTimeout time.Duration
	LivenessTimeout   time.Duration

	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	WSOutboundSize int

	DeviceStateBackend string
	NATSURL            string
	NATSBucket         string
	DatabaseURL        string

	StatusCallbackBaseURL string
	StatusCallbackTimeout time.Duration
	StatusCallbackRetries int

	VoiceProvider  string
	VoiceWSURL     string
	VoiceAPIKey    string
	VoiceLanguage  string
	DefaultVoiceID string

	GroupIdleTimeout     time.Duration
	GroupJanitorInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "carlink"),
		AllowAnyOrigin:        false,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogOutput:             envOrDefault("LOG_OUTPUT", "stdout"),
		DeviceStateBackend:    strings.ToLower(envOrDefault("DEVICE_STATE_BACKEND", "auto")),
		NATSURL:               stringsTrimSpace("NATS_URL"),
		NATSBucket:            envOrDefault("NATS_KV_BUCKET", "device_info"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		StatusCallbackBaseURL: strings.TrimRight(stringsTrimSpace("STATUS_CALLBACK_BASE_URL"), "/"),
		VoiceProvider:         envOrDefault("VOICE_PROVIDER", "mock"),
		VoiceWSURL:            stringsTrimSpace("VOICE_WS_URL"),
		VoiceAPIKey:           stringsTrimSpace("VOICE_API_KEY"),
		VoiceLanguage:         envOrDefault("VOICE_LANGUAGE", "zh"),
		DefaultVoiceID:        envOrDefault("DEFAULT_VOICE_ID", "default"),
		GroupIdleTimeout:      10 * time.Minute,
		GroupJanitorInterval:  30 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		CommandAckTimeout:     5 * time.Second,
		LivenessTimeout:       time.Second,
		WSReadTimeout:         120 * time.Second,
		WSWriteTimeout:        10 * time.Second,
		WSPingInterval:        30 * time.Second,
		WSOutboundSize:        256,
		StatusCallbackTimeout: 5 * time.Second,
		StatusCallbackRetries: 1,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDebug, err = boolFromEnv("LOG_DEBUG", cfg.LogDebug)
	if err != nil {
		return Config{}, err
	}

	cfg.CommandAckTimeout, err = durationFromEnv("COMMAND_ACK_TIMEOUT", cfg.CommandAckTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LivenessTimeout, err = durationFromEnv("LIVENESS_TIMEOUT", cfg.LivenessTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.WSReadTimeout, err = durationFromEnv("WS_READ_TIMEOUT", cfg.WSReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSWriteTimeout, err = durationFromEnv("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPingInterval, err = durationFromEnv("WS_PING_INTERVAL", cfg.WSPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WSOutboundSize, err = intFromEnv("WS_OUTBOUND_QUEUE", cfg.WSOutboundSize)
	if err != nil {
		return Config{}, err
	}

	cfg.StatusCallbackTimeout, err = durationFromEnv("STATUS_CALLBACK_TIMEOUT", cfg.StatusCallbackTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StatusCallbackRetries, err = intFromEnv("STATUS_CALLBACK_RETRIES", cfg.StatusCallbackRetries)
	if err != nil {
		return Config{}, err
	}

	cfg.GroupIdleTimeout, err = durationFromEnv("GROUP_IDLE_TIMEOUT", cfg.GroupIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GroupJanitorInterval, err = durationFromEnv("GROUP_JANITOR_INTERVAL", cfg.GroupJanitorInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.CommandAckTimeout <= 0 {
		return Config{}, fmt.Errorf("COMMAND_ACK_TIMEOUT must be positive")
	}
	if cfg.LivenessTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVENESS_TIMEOUT must be positive")
	}
	if cfg.WSPingInterval >= cfg.WSReadTimeout {
		return Config{}, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_READ_TIMEOUT")
	}
	if cfg.WSOutboundSize <= 0 {
		return Config{}, fmt.Errorf("WS_OUTBOUND_QUEUE must be positive")
	}
	if cfg.StatusCallbackRetries < 0 {
		return Config{}, fmt.Errorf("STATUS_CALLBACK_RETRIES must be >= 0")
	}
	switch cfg.DeviceStateBackend {
	case "auto", "memory", "nats", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid DEVICE_STATE_BACKEND: %q (expected auto|memory|nats|postgres)", cfg.DeviceStateBackend)
	}
	switch cfg.VoiceProvider = strings.ToLower(cfg.VoiceProvider); cfg.VoiceProvider {
	case "auto", "mock", "realtime":
	default:
		return Config{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|mock|realtime)", cfg.VoiceProvider)
	}
	if cfg.VoiceProvider == "realtime" && cfg.VoiceWSURL == "" {
		return Config{}, fmt.Errorf("VOICE_PROVIDER=realtime requires VOICE_WS_URL")
	}
	if cfg.GroupIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("GROUP_IDLE_TIMEOUT must be positive")
	}
	if cfg.GroupJanitorInterval <= 0 {
		return Config{}, fmt.Errorf("GROUP_JANITOR_INTERVAL must be positive")
	}
	if cfg.DeviceStateBackend == "nats" && cfg.NATSURL == "" {
		return Config{}, fmt.Errorf("DEVICE_STATE_BACKEND=nats requires NATS_URL")
	}
	if cfg.DeviceStateBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DEVICE_STATE_BACKEND=postgres requires DATABASE_URL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
