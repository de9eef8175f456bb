// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the lingoswitch server.
package config

import (
	"time"

	"github.com/MrWong99/lingoswitch/internal/routing"
)

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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Routing   RoutingConfig   `yaml:"routing"`
	Engines   EnginesConfig   `yaml:"engines"`
	Sink      SinkConfig      `yaml:"sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Sound enables the sound-event classifier. Nil disables it.
	Sound *SoundConfig `yaml:"sound"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control and metrics endpoint
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the capture side.
type AudioConfig struct {
	// SampleRate is the rate frames are delivered at. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMS is the frame length in milliseconds. Defaults to 250.
	FrameMS int `yaml:"frame_ms"`

	// Source selects the registered audio source ("wav", "portaudio").
	Source ProviderEntry `yaml:"source"`
}

// FrameDuration returns FrameMS as a duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMS) * time.Millisecond
}

// RoutingConfig holds the orchestrator tunables. Zero values select the
// defaults of [routing.DefaultConfig].
type RoutingConfig struct {
	DefaultLanguage       string        `yaml:"default_language"`
	ConfidenceThreshold   float64       `yaml:"confidence_threshold"`
	DetectionInterval     time.Duration `yaml:"detection_interval"`
	WindowDuration        time.Duration `yaml:"window_duration"`
	MinWindowDuration     time.Duration `yaml:"min_window_duration"`
	QueueSize             int           `yaml:"queue_size"`
	InputQueueSize        int           `yaml:"input_queue_size"`
	MaxInFlightDetections int           `yaml:"max_in_flight_detections"`
	DetectionTimeout      time.Duration `yaml:"detection_timeout"`

	// PreviousEngine is "finish" (default) or "hard-cut".
	PreviousEngine string `yaml:"previous_engine"`
}

// Routing overlays the configured values onto [routing.DefaultConfig].
func (r RoutingConfig) Routing() routing.Config {
	c := routing.DefaultConfig()
	if r.DefaultLanguage != "" {
		c.DefaultLanguage = r.DefaultLanguage
	}
	if r.ConfidenceThreshold != 0 {
		c.ConfidenceThreshold = r.ConfidenceThreshold
	}
	if r.DetectionInterval != 0 {
		c.DetectionInterval = r.DetectionInterval
	}
	if r.WindowDuration != 0 {
		c.WindowDuration = r.WindowDuration
	}
	if r.MinWindowDuration != 0 {
		c.MinWindowDuration = r.MinWindowDuration
	}
	if r.QueueSize != 0 {
		c.QueueSize = r.QueueSize
	}
	if r.InputQueueSize != 0 {
		c.InputQueueSize = r.InputQueueSize
	}
	if r.MaxInFlightDetections != 0 {
		c.MaxInFlightDetections = r.MaxInFlightDetections
	}
	if r.DetectionTimeout != 0 {
		c.DetectionTimeout = r.DetectionTimeout
	}
	if r.PreviousEngine != "" {
		c.PreviousEngine = routing.PreviousEngineMode(r.PreviousEngine)
	}
	return c
}

// EnginesConfig declares the universal engine and the per-language
// transcribers. Each entry selects a named factory in the [Registry].
type EnginesConfig struct {
	Universal ProviderEntry `yaml:"universal"`

	// UniversalFallbacks are tried in order for language detection when the
	// universal engine's detector fails.
	UniversalFallbacks []ProviderEntry `yaml:"universal_fallbacks"`

	Languages []LanguageEntry `yaml:"languages"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "vosk", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL is the provider endpoint, such as a vosk-server WebSocket URL.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a model name or a local model path.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LanguageEntry binds a direct transcriber to one language.
type LanguageEntry struct {
	// Language is an ISO 639-1 code such as "en".
	Language string `yaml:"language"`

	ProviderEntry `yaml:",inline"`
}

// SoundConfig selects the sound-event classifier and its tunables. Zero
// values select the defaults of [routing.DefaultSoundConfig].
type SoundConfig struct {
	ProviderEntry `yaml:",inline"`

	Window              time.Duration `yaml:"window"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	QueueSize           int           `yaml:"queue_size"`
	Timeout             time.Duration `yaml:"timeout"`
}

// Routing overlays the configured values onto [routing.DefaultSoundConfig].
func (s SoundConfig) Routing() routing.SoundConfig {
	c := routing.DefaultSoundConfig()
	if s.Window != 0 {
		c.Window = s.Window
	}
	if s.ConfidenceThreshold != 0 {
		c.ConfidenceThreshold = s.ConfidenceThreshold
	}
	if s.QueueSize != 0 {
		c.QueueSize = s.QueueSize
	}
	if s.Timeout != 0 {
		c.Timeout = s.Timeout
	}
	return c
}

// SinkConfig selects where results and events are delivered. Every
// configured sink receives every event.
type SinkConfig struct {
	// Log writes every event to the process log.
	Log bool `yaml:"log"`

	UDP   *UDPSinkConfig   `yaml:"udp"`
	Redis *RedisSinkConfig `yaml:"redis"`
}

// UDPSinkConfig configures per-kind UDP ports. A zero port disables that kind.
type UDPSinkConfig struct {
	Host        string `yaml:"host"`
	PartialPort int    `yaml:"partial_port"`
	FinalPort   int    `yaml:"final_port"`
	WordPort    int    `yaml:"word_port"`
	EventPort   int    `yaml:"event_port"`
	SoundPort   int    `yaml:"sound_port"`
	MaxWords    int    `yaml:"max_words"`
}

// RedisSinkConfig configures the Redis pub/sub sink.
type RedisSinkConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	Buffer   int    `yaml:"buffer"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root traces kept. Zero keeps all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills unset audio and sink values.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.FrameMS == 0 {
		c.Audio.FrameMS = 250
	}
	if c.Engines.Universal.Name == "" {
		c.Engines.Universal.Name = "whisper"
	}
	if u := c.Sink.UDP; u != nil {
		if u.Host == "" {
			u.Host = "127.0.0.1"
		}
		if u.MaxWords == 0 {
			u.MaxWords = 16
		}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "lingoswitch"
	}
}
