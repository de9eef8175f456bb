// Command lingoswitch transcribes a live audio stream, routing it to the
// speech-to-text engine of whichever language is currently being spoken.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lingoswitch/internal/app"
	"github.com/MrWong99/lingoswitch/internal/config"
	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/routing"
	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/audio/source"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound/yamnet"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/deepgram"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/openai"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/vosk"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	language := flag.String("language", "", "initial language, overrides routing.default_language")
	sourceArg := flag.String("source", "", `audio source: "portaudio" or the path of a WAV file`)
	listen := flag.String("listen", "", "control server address, overrides server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lingoswitch: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lingoswitch: %v\n", err)
		}
		return 1
	}
	applyFlags(cfg, *language, *sourceArg, *listen)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lingoswitch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	runID := uuid.NewString()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     runID,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithRoutingOptions(routing.WithRunID(runID)))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("config reload: log level updated", "level", diff.NewLogLevel)
		}
		application.ApplyConfig(prev, next, diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("routing ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			_ = w.Reload()
		}
	}
}

// applyFlags overlays command-line overrides onto cfg.
func applyFlags(cfg *config.Config, language, src, listen string) {
	if language != "" {
		cfg.Routing.DefaultLanguage = language
	}
	if listen != "" {
		cfg.Server.ListenAddr = listen
	}
	switch {
	case src == "":
	case strings.EqualFold(src, "portaudio"):
		cfg.Audio.Source = config.ProviderEntry{Name: "portaudio"}
	default:
		cfg.Audio.Source = config.ProviderEntry{
			Name:    "wav",
			Options: map[string]any{"path": src},
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in engine and source factories
// into reg. Each factory receives its config entry plus the audio format and
// constructs the implementation from the provider packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Direct transcribers ───────────────────────────────────────────────────

	reg.RegisterTranscriber("vosk", func(e config.LanguageEntry, a config.AudioConfig) (stt.Engine, error) {
		url := e.BaseURL
		if url == "" {
			url = "ws://localhost:2700"
		}
		return vosk.NewServer(url, e.Language, vosk.WithSampleRate(a.SampleRate))
	})

	reg.RegisterTranscriber("vosk-native", func(e config.LanguageEntry, a config.AudioConfig) (stt.Engine, error) {
		modelPath := e.Model
		if modelPath == "" {
			modelPath = e.OptString("model_path")
		}
		return vosk.NewNative(modelPath, e.Language, a.SampleRate)
	})

	reg.RegisterTranscriber("openai", func(e config.LanguageEntry, _ config.AudioConfig) (stt.Engine, error) {
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := e.OptDuration("timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(e.APIKey, e.Language, opts...)
	})

	reg.RegisterTranscriber("deepgram", func(e config.LanguageEntry, a config.AudioConfig) (stt.Engine, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(a.SampleRate)}
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, e.Language, opts...)
	})

	// ── Universal engines ─────────────────────────────────────────────────────

	reg.RegisterUniversal("whisper", func(e config.ProviderEntry, _ config.AudioConfig) (stt.Universal, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if d, ok := e.OptDuration("silence_threshold"); ok {
			opts = append(opts, whisper.WithSilenceThreshold(d))
		}
		if d, ok := e.OptDuration("max_buffer"); ok {
			opts = append(opts, whisper.WithMaxBufferDuration(d))
		}
		if v, ok := e.OptFloat("noise_threshold"); ok {
			opts = append(opts, whisper.WithNoiseThreshold(v))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterUniversal("whisper-native", func(e config.ProviderEntry, _ config.AudioConfig) (stt.Universal, error) {
		modelPath := e.Model
		if modelPath == "" {
			modelPath = e.OptString("model_path")
		}
		var opts []whisper.NativeOption
		if n, ok := e.OptInt("threads"); ok && n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		if d, ok := e.OptDuration("silence_threshold"); ok {
			opts = append(opts, whisper.WithNativeSilenceThreshold(d))
		}
		if d, ok := e.OptDuration("max_buffer"); ok {
			opts = append(opts, whisper.WithNativeMaxBufferDuration(d))
		}
		if v, ok := e.OptFloat("noise_threshold"); ok {
			opts = append(opts, whisper.WithNativeNoiseThreshold(v))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Sound classifiers ─────────────────────────────────────────────────────

	reg.RegisterSound("yamnet", func(c config.SoundConfig) (sound.Classifier, error) {
		var opts []yamnet.Option
		if c.Model != "" {
			opts = append(opts, yamnet.WithModel(c.Model))
		}
		if p := c.OptString("scores_path"); p != "" {
			opts = append(opts, yamnet.WithScoresPath(p))
		}
		if path := c.OptString("class_map"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("sound: yamnet: %w", err)
			}
			labels, err := yamnet.LoadClassMap(f)
			_ = f.Close()
			if err != nil {
				return nil, err
			}
			opts = append(opts, yamnet.WithClassMap(labels))
		}
		return yamnet.New(c.BaseURL, opts...)
	})

	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource("wav", func(a config.AudioConfig) (source.Source, error) {
		path := a.Source.OptString("path")
		if path == "" {
			return nil, errors.New("source: wav: options.path is required")
		}
		opts := []source.WAVOption{
			source.WithFrameDuration(a.FrameDuration()),
			source.WithTargetFormat(audio.Format{SampleRate: a.SampleRate, Channels: 1}),
		}
		if rt, ok := a.Source.OptBool("realtime"); ok {
			opts = append(opts, source.WithRealtime(rt))
		}
		return source.NewWAVFile(path, opts...)
	})

	reg.RegisterSource("portaudio", func(a config.AudioConfig) (source.Source, error) {
		return source.NewMicrophone(a.SampleRate, a.FrameDuration())
	})

	for _, kind := range []string{"transcriber", "universal", "source", "sound"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	rc := cfg.Routing.Routing()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       lingoswitch: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", providerLabel(cfg.Audio.Source))
	printRow("Universal", providerLabel(cfg.Engines.Universal))
	for _, fb := range cfg.Engines.UniversalFallbacks {
		printRow("  fallback", providerLabel(fb))
	}
	for _, l := range cfg.Engines.Languages {
		printRow("  "+l.Language, providerLabel(l.ProviderEntry))
	}
	printRow("Default lang", rc.DefaultLanguage)
	printRow("Threshold", fmt.Sprintf("%.2f", rc.ConfidenceThreshold))
	printRow("Detect every", rc.DetectionInterval.String())
	printRow("Prev. engine", string(rc.PreviousEngine))
	if u := cfg.Sink.UDP; u != nil {
		printRow("UDP sink", fmt.Sprintf("%s %d/%d/%d/%d", u.Host, u.PartialPort, u.FinalPort, u.WordPort, u.EventPort))
	}
	if r := cfg.Sink.Redis; r != nil {
		printRow("Redis sink", r.Addr)
	}
	if s := cfg.Sound; s != nil {
		printRow("Sound events", providerLabel(s.ProviderEntry))
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	switch {
	case p.Name == "":
		return "(not configured)"
	case p.Model != "":
		return p.Name + " / " + p.Model
	default:
		return p.Name
	}
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 20 {
		value = string(r[:19]) + "…"
	}
	fmt.Printf("║  %-13s : %-20s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
