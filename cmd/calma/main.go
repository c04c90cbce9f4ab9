// Command calma is the main entry point for the Calma voice companion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calmahq/calma/internal/app"
	"github.com/calmahq/calma/internal/config"
	"github.com/calmahq/calma/internal/observe"
	malgodevice "github.com/calmahq/calma/pkg/audio/malgo"
	otosink "github.com/calmahq/calma/pkg/audio/oto"
	"github.com/calmahq/calma/pkg/live"
	geminilive "github.com/calmahq/calma/pkg/live/gemini"
	openailive "github.com/calmahq/calma/pkg/live/openai"
)

// defaultOutputRate matches the 24 kHz PCM the live providers stream back.
const defaultOutputRate = 24000

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calma: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calma: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := newLevelVar(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("calma starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"persona", cfg.Persona.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "calma",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Live provider ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		slog.Error("failed to create live provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "name", cfg.Provider.Name)

	// ── Host audio ────────────────────────────────────────────────────────────
	device, err := malgodevice.New()
	if err != nil {
		slog.Error("failed to initialise capture device", "err", err)
		return 1
	}
	defer func() {
		if err := device.Uninit(); err != nil {
			slog.Warn("capture device uninit error", "err", err)
		}
	}()

	outputRate := cfg.Audio.OutputSampleRate
	if outputRate == 0 {
		outputRate = defaultOutputRate
	}
	var sinkOpts []otosink.Option
	if ms := cfg.Audio.PlaybackBufferMs; ms > 0 {
		// Mono s16le: two bytes per sample.
		sinkOpts = append(sinkOpts, otosink.WithBufferSize(outputRate*ms/1000*2))
	}
	sink, err := otosink.New(outputRate, sinkOpts...)
	if err != nil {
		slog.Error("failed to initialise playback sink", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, app.Providers{
		Live:   provider,
		Device: device,
		Sink:   sink,
	}, app.WithLogLevelVar(levelVar))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.WatchConfig(*configPath); err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	printStartupSummary(cfg)
	slog.Info("companion ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in live provider factories into
// reg. Each factory receives a config.ProviderEntry and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openailive.Option
		if entry.Model != "" {
			opts = append(opts, openailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openailive.WithBaseURL(entry.BaseURL))
		}
		return openailive.New(entry.APIKey, opts...), nil
	})

	for _, name := range config.ValidProviderNames {
		slog.Debug("registered provider", "name", name)
	}
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Calma startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Provider", joinNonEmpty(cfg.Provider.Name, cfg.Provider.Model))
	printField("Persona", cfg.Persona.Name)
	printField("Voice", cfg.Persona.Voice.ID)
	printField("Quick prompts", fmt.Sprintf("%d", len(cfg.Persona.QuickPrompts)))
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func joinNonEmpty(name, model string) string {
	if name == "" {
		return ""
	}
	if model == "" {
		return name
	}
	return name + " / " + model
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLevelVar(level config.LogLevel) *slog.LevelVar {
	v := &slog.LevelVar{}
	switch level {
	case config.LogDebug:
		v.Set(slog.LevelDebug)
	case config.LogWarn:
		v.Set(slog.LevelWarn)
	case config.LogError:
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
	return v
}
