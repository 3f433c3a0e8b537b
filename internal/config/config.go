package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/voice-transcriber/internal/audio"
	"github.com/lexiqai/voice-transcriber/internal/protocol"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
)

// Transport modes
const (
	TransportSocket = "socket"
	TransportPeer   = "peer"
)

// Config holds all configuration for the transcriber client
type Config struct {
	// Local status server (health, readiness, metrics, session snapshot)
	StatusPort          string `envconfig:"STATUS_PORT" default:"9090"`
	StatusServerEnabled bool   `envconfig:"STATUS_SERVER_ENABLED" default:"true"`

	// Credential broker: backend endpoint that mints the short-lived connection credential.
	// SessionToken authenticates the user against that backend.
	CredentialURL     string `envconfig:"CREDENTIAL_URL" required:"true"`
	SessionToken      string `envconfig:"SESSION_TOKEN" required:"true"`
	CredentialTimeout int    `envconfig:"CREDENTIAL_TIMEOUT" default:"10"` // seconds

	// Realtime transport
	TransportMode  string `envconfig:"TRANSPORT_MODE" default:"socket"` // socket, peer
	RealtimeURL    string `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime?intent=transcription"`
	NegotiationURL string `envconfig:"NEGOTIATION_URL" default:"https://api.openai.com/v1/realtime"`
	STUNServer     string `envconfig:"STUN_SERVER" default:"stun:stun.l.google.com:19302"`
	ConnectTimeout int    `envconfig:"CONNECT_TIMEOUT" default:"15"` // seconds
	SendQueueSize  int    `envconfig:"SEND_QUEUE_SIZE" default:"64"` // outbound messages buffered before dropping

	// Audio capture and framing
	AudioDevice           string `envconfig:"AUDIO_DEVICE" default:""` // empty selects the default input
	AudioSampleRate       int    `envconfig:"AUDIO_SAMPLE_RATE" default:"24000"`
	AudioChannels         int    `envconfig:"AUDIO_CHANNELS" default:"1"`
	AudioCodec            string `envconfig:"AUDIO_CODEC" default:"opus"`      // opus, pcmu, pcma
	AudioFrameSize        int    `envconfig:"AUDIO_FRAME_SIZE" default:"4096"` // samples per frame
	AudioNoiseSuppression bool   `envconfig:"AUDIO_NOISE_SUPPRESSION" default:"true"`

	// Voice activity detection
	VADMode              string  `envconfig:"VAD_MODE" default:"server"` // none, server, semantic
	VADThreshold         float64 `envconfig:"VAD_THRESHOLD" default:"0.5"`
	VADPrefixPaddingMs   int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"300"`
	VADSilenceDurationMs int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"500"`
	VADEnergyThreshold   float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // local VAD (mode none)
	VADSilenceFrames     int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`       // local VAD frames of silence

	// Session configuration sent to the realtime service
	TranscriptionModel    string `envconfig:"TRANSCRIPTION_MODEL" default:"gpt-4o-transcribe"`
	TranscriptionLanguage string `envconfig:"TRANSCRIPTION_LANGUAGE" default:""`
	Instructions          string `envconfig:"INSTRUCTIONS" default:""`
	Voice                 string `envconfig:"VOICE" default:"alloy"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Consecutive unexpected closes tolerated (reconnects = N-1)
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Base reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and enumerated values
func (c *Config) Validate() error {
	if c.CredentialURL == "" {
		return fmt.Errorf("CREDENTIAL_URL is required")
	}
	if c.SessionToken == "" {
		return fmt.Errorf("SESSION_TOKEN is required")
	}

	c.TransportMode = strings.ToLower(c.TransportMode)
	switch c.TransportMode {
	case TransportSocket, TransportPeer:
	default:
		return fmt.Errorf("TRANSPORT_MODE must be %q or %q, got %q", TransportSocket, TransportPeer, c.TransportMode)
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}

	return c.AudioConfig().Validate()
}

// AudioConfig returns the capture/framing configuration for one connection attempt
func (c *Config) AudioConfig() audio.Config {
	return audio.Config{
		SampleRate:        c.AudioSampleRate,
		ChannelCount:      c.AudioChannels,
		Codec:             audio.Codec(strings.ToLower(c.AudioCodec)),
		VoiceActivityMode: audio.VADMode(strings.ToLower(c.VADMode)),
		FrameSize:         c.AudioFrameSize,
		NoiseSuppression:  c.AudioNoiseSuppression,
		DeviceName:        c.AudioDevice,
		EnergyThreshold:   c.VADEnergyThreshold,
		SilenceFrames:     c.VADSilenceFrames,
	}
}

// SessionOptions returns the options used to compose the session-configuration message
func (c *Config) SessionOptions() protocol.SessionOptions {
	return protocol.SessionOptions{
		Instructions:          c.Instructions,
		Voice:                 c.Voice,
		TranscriptionModel:    c.TranscriptionModel,
		TranscriptionLanguage: c.TranscriptionLanguage,
		VADMode:               strings.ToLower(c.VADMode),
		VADThreshold:          c.VADThreshold,
		PrefixPaddingMs:       c.VADPrefixPaddingMs,
		SilenceDurationMs:     c.VADSilenceDurationMs,
		NoiseReduction:        c.AudioNoiseSuppression,
	}
}

// CredentialTimeoutDuration returns the bound on a single credential fetch
func (c *Config) CredentialTimeoutDuration() time.Duration {
	return time.Duration(c.CredentialTimeout) * time.Second
}

// ConnectTimeoutDuration returns the bound on a single transport open
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// ReconnectBackoffDuration returns the base reconnect delay
func (c *Config) ReconnectBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}

// ReconnectConfig returns the reconnection policy settings
func (c *Config) ReconnectConfig() *resilience.ReconnectConfig {
	rc := resilience.DefaultReconnectConfig()
	rc.MaxAttempts = c.ReconnectMaxAttempts
	rc.Backoff = c.ReconnectBackoffDuration()
	return rc
}

// CircuitBreakerResetDuration returns how long the credential breaker stays open
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
