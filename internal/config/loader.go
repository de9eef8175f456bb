package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lingoswitch/internal/routing"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"vosk", "vosk-native", "openai", "deepgram"},
	"universal":   {"whisper", "whisper-native"},
	"source":      {"wav", "portaudio"},
	"sound":       {"yamnet"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMS < 0 || cfg.Audio.FrameMS > 5000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [1, 5000]", cfg.Audio.FrameMS))
	}
	validateProviderName("source", cfg.Audio.Source.Name)

	// Routing
	if err := cfg.Routing.Routing().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("routing: %w", err))
	}

	// Engines
	if cfg.Engines.Universal.Name == "" {
		errs = append(errs, errors.New("engines.universal.name is required"))
	}
	validateProviderName("universal", cfg.Engines.Universal.Name)
	for i, fb := range cfg.Engines.UniversalFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("engines.universal_fallbacks[%d].name is required", i))
		}
		validateProviderName("universal", fb.Name)
	}

	seen := make(map[string]int, len(cfg.Engines.Languages))
	for i, l := range cfg.Engines.Languages {
		prefix := fmt.Sprintf("engines.languages[%d]", i)
		switch {
		case l.Language == "":
			errs = append(errs, fmt.Errorf("%s.language is required", prefix))
		case l.Language == routing.UniversalLanguage:
			errs = append(errs, fmt.Errorf("%s.language %q is reserved", prefix, l.Language))
		default:
			if prev, ok := seen[l.Language]; ok {
				errs = append(errs, fmt.Errorf("%s.language %q is a duplicate of engines.languages[%d]", prefix, l.Language, prev))
			}
			seen[l.Language] = i
		}
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName("transcriber", l.Name)
	}
	if def := cfg.Routing.DefaultLanguage; def != "" && def != routing.UniversalLanguage {
		if _, ok := seen[def]; !ok {
			slog.Warn("routing.default_language has no transcriber; starting on the universal engine", "language", def)
		}
	}

	// Sinks
	if u := cfg.Sink.UDP; u != nil {
		for _, p := range []struct {
			name string
			port int
		}{
			{"partial_port", u.PartialPort},
			{"final_port", u.FinalPort},
			{"word_port", u.WordPort},
			{"event_port", u.EventPort},
			{"sound_port", u.SoundPort},
		} {
			if p.port < 0 || p.port > 65535 {
				errs = append(errs, fmt.Errorf("sink.udp.%s %d is out of range [0, 65535]", p.name, p.port))
			}
		}
		if u.MaxWords < 0 {
			errs = append(errs, fmt.Errorf("sink.udp.max_words %d must not be negative", u.MaxWords))
		}
	}
	if r := cfg.Sink.Redis; r != nil && r.Addr == "" {
		errs = append(errs, errors.New("sink.redis.addr is required"))
	}
	if cfg.Sink.UDP == nil && cfg.Sink.Redis == nil && !cfg.Sink.Log {
		slog.Warn("no sink configured; transcripts will be discarded")
	}

	// Sound
	if s := cfg.Sound; s != nil {
		if s.Name == "" {
			errs = append(errs, errors.New("sound.name is required"))
		}
		validateProviderName("sound", s.Name)
		if err := s.Routing().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
