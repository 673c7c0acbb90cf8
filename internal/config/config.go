// Package config provides the configuration schema, loader, and validation
// for the lenscloud control plane.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName identifies a transcription provider implementation.
type ProviderName string

const (
	// ProviderAzure is the Azure-style push-stream provider.
	ProviderAzure ProviderName = "azure"

	// ProviderSoniox is the Soniox-style tokenised message-stream provider.
	ProviderSoniox ProviderName = "soniox"
)

// IsValid reports whether p is a recognised provider name.
func (p ProviderName) IsValid() bool {
	return p == ProviderAzure || p == ProviderSoniox
}

// Config is the root configuration structure for lenscloud.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Apps          AppsConfig          `yaml:"apps"`
	Session       SessionConfig       `yaml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Media         MediaConfig         `yaml:"media"`
	Postgres      PostgresConfig      `yaml:"postgres"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8002").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable base URL used to build the
	// callback WebSocket URL handed to non-system Apps
	// (e.g., "wss://cloud.example.com").
	PublicHost string `yaml:"public_host"`

	// InternalHost is the cluster-internal base URL used for system Apps.
	InternalHost string `yaml:"internal_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AuthConfig holds the shared token-signing secret.
type AuthConfig struct {
	// Secret signs glasses and App bearer tokens (HS256). Required.
	Secret string `yaml:"secret"`
}

// AppsConfig tunes the App launch pipeline.
type AppsConfig struct {
	// WebhookAttempts is the maximum number of webhook POSTs per launch.
	// Default: 2.
	WebhookAttempts int `yaml:"webhook_attempts"`

	// WebhookTimeout bounds each webhook attempt. Default: 10s.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// StartTimeout is how long an App has to back-connect after the
	// webhook is accepted. Default: 5s.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// GraceTimeout is the reconnect window after an unexpected App
	// disconnect. Default: 5s.
	GraceTimeout time.Duration `yaml:"grace_timeout"`

	// SystemApps are packages started on every new session (dashboard etc.).
	SystemApps []string `yaml:"system_apps"`
}

// SessionConfig tunes session lifecycle timers.
type SessionConfig struct {
	// CleanupGrace is how long a session survives after the glasses link
	// drops before it is disposed. Default: 60s.
	CleanupGrace time.Duration `yaml:"cleanup_grace"`

	// RecentAudio is the span of the recent-audio ring. Default: 10s.
	RecentAudio time.Duration `yaml:"recent_audio"`
}

// TranscriptionConfig tunes the transcription manager.
type TranscriptionConfig struct {
	// DefaultProvider is preferred by stream creation. Default: azure.
	DefaultProvider ProviderName `yaml:"default_provider"`

	// MaxTotalStreams caps live streams process-wide. Default: 500.
	MaxTotalStreams int `yaml:"max_total_streams"`

	// StreamTimeout bounds provider stream initialisation. Default: 10s.
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// FastStreamTimeout bounds initialisation on the VAD fast path.
	// Default: 2s.
	FastStreamTimeout time.Duration `yaml:"fast_stream_timeout"`

	// RetryDelay is the linear backoff base for same-provider retries.
	// Default: 2s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxStreamRetries bounds retries per subscription. Default: 3.
	MaxStreamRetries int `yaml:"max_stream_retries"`

	// IdleStreamTimeout is the inactivity span after which a stream is
	// reclaimed under memory pressure. Default: 10m.
	IdleStreamTimeout time.Duration `yaml:"idle_stream_timeout"`

	// VADBufferChunks bounds the PCM FIFO kept while streams restart on
	// the VAD fast path. Default: 50 (~2.5s at 100ms chunks).
	VADBufferChunks int `yaml:"vad_buffer_chunks"`

	// VADBufferTimeout force-flushes the VAD buffer. Default: 10s.
	VADBufferTimeout time.Duration `yaml:"vad_buffer_timeout"`

	// HistoryWindow is how long transcript segments are retained per
	// language. Default: 30m.
	HistoryWindow time.Duration `yaml:"history_window"`
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Azure  AzureConfig  `yaml:"azure"`
	Soniox SonioxConfig `yaml:"soniox"`
}

// AzureConfig configures the Azure-style provider.
type AzureConfig struct {
	Key      string `yaml:"key"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// SonioxConfig configures the Soniox-style provider.
type SonioxConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// MediaConfig tunes camera/RTMP arbitration.
type MediaConfig struct {
	// KeepAliveInterval is the RTMP keep-alive probe period. Default: 15s.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// PhotoTimeout bounds a pending photo request. Default: 30s.
	PhotoTimeout time.Duration `yaml:"photo_timeout"`

	// IngestBase is the cloud video-ingest base URL for managed streams.
	IngestBase string `yaml:"ingest_base"`
}

// PostgresConfig selects the persistence backend.
type PostgresConfig struct {
	// DSN is the pgx connection string. Empty disables postgres and the
	// server runs on the in-memory store (development only).
	DSN string `yaml:"dsn"`
}

// ApplyDefaults fills zero-valued tuning knobs with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8002"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Apps.WebhookAttempts <= 0 {
		c.Apps.WebhookAttempts = 2
	}
	if c.Apps.WebhookTimeout <= 0 {
		c.Apps.WebhookTimeout = 10 * time.Second
	}
	if c.Apps.StartTimeout <= 0 {
		c.Apps.StartTimeout = 5 * time.Second
	}
	if c.Apps.GraceTimeout <= 0 {
		c.Apps.GraceTimeout = 5 * time.Second
	}
	if c.Session.CleanupGrace <= 0 {
		c.Session.CleanupGrace = 60 * time.Second
	}
	if c.Session.RecentAudio <= 0 {
		c.Session.RecentAudio = 10 * time.Second
	}
	if c.Transcription.DefaultProvider == "" {
		c.Transcription.DefaultProvider = ProviderAzure
	}
	if c.Transcription.MaxTotalStreams <= 0 {
		c.Transcription.MaxTotalStreams = 500
	}
	if c.Transcription.StreamTimeout <= 0 {
		c.Transcription.StreamTimeout = 10 * time.Second
	}
	if c.Transcription.FastStreamTimeout <= 0 {
		c.Transcription.FastStreamTimeout = 2 * time.Second
	}
	if c.Transcription.RetryDelay <= 0 {
		c.Transcription.RetryDelay = 2 * time.Second
	}
	if c.Transcription.MaxStreamRetries <= 0 {
		c.Transcription.MaxStreamRetries = 3
	}
	if c.Transcription.IdleStreamTimeout <= 0 {
		c.Transcription.IdleStreamTimeout = 10 * time.Minute
	}
	if c.Transcription.VADBufferChunks <= 0 {
		c.Transcription.VADBufferChunks = 50
	}
	if c.Transcription.VADBufferTimeout <= 0 {
		c.Transcription.VADBufferTimeout = 10 * time.Second
	}
	if c.Transcription.HistoryWindow <= 0 {
		c.Transcription.HistoryWindow = 30 * time.Minute
	}
	if c.Media.KeepAliveInterval <= 0 {
		c.Media.KeepAliveInterval = 15 * time.Second
	}
	if c.Media.PhotoTimeout <= 0 {
		c.Media.PhotoTimeout = 30 * time.Second
	}
}
