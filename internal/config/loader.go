package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known live speech provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for provider %q", cfg.Provider.Name))
	}

	// Persona
	if cfg.Persona.Instructions == "" {
		slog.Warn("persona.instructions is empty; the agent will use the provider's default behaviour")
	}
	if cfg.Persona.Voice.ID == "" {
		slog.Warn("persona.voice.id is empty; the provider's default voice will be used")
	}
	for i, qp := range cfg.Persona.QuickPrompts {
		if qp.Text == "" {
			errs = append(errs, fmt.Errorf("persona.quick_prompts[%d].text is required", i))
		}
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.PlaybackBufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_buffer_ms %d must not be negative", cfg.Audio.PlaybackBufferMs))
	}

	// Session
	if cfg.Session.WatchdogInterval < 0 {
		errs = append(errs, errors.New("session.watchdog_interval must not be negative"))
	}
	if cfg.Session.SilenceThreshold < 0 {
		errs = append(errs, errors.New("session.silence_threshold must not be negative"))
	}
	if cfg.Session.SilenceThreshold > 0 && cfg.Session.WatchdogInterval > 0 &&
		cfg.Session.SilenceThreshold < cfg.Session.WatchdogInterval {
		slog.Warn("session.silence_threshold is shorter than watchdog_interval; nudges will lag behind the threshold",
			"threshold", cfg.Session.SilenceThreshold.Std(),
			"interval", cfg.Session.WatchdogInterval.Std(),
		)
	}
	if cfg.Session.LeadIn < 0 {
		errs = append(errs, errors.New("session.lead_in must not be negative"))
	}
	if cfg.Session.KickoffDelay < 0 {
		errs = append(errs, errors.New("session.kickoff_delay must not be negative"))
	}

	return errors.Join(errs...)
}
