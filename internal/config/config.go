// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Calma companion service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Calma server.
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

// Duration wraps time.Duration so YAML configs can use strings like "12s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string such as "500ms" or "12s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"12s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for Calma.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Persona  PersonaConfig `yaml:"persona"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Calma server.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server listens on
	// (e.g., ":8080"). It serves /metrics, /healthz, and /readyz.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the live speech backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// PersonaConfig describes the companion's personality and conversation
// behaviour.
type PersonaConfig struct {
	// Name is the companion's display name (e.g., "Calma").
	Name string `yaml:"name"`

	// Instructions is the free-text persona prompt for the agent.
	Instructions string `yaml:"instructions"`

	// ContextNotes are appended to the persona as background about the user.
	ContextNotes []string `yaml:"context_notes"`

	// KickoffPrompt, when non-empty, is sent shortly after the session opens
	// so the agent speaks first.
	KickoffPrompt string `yaml:"kickoff_prompt"`

	// QuickPrompts lists preset text turns the user can inject with one tap.
	QuickPrompts []QuickPrompt `yaml:"quick_prompts"`

	// Voice configures the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`
}

// QuickPrompt is one preset text turn.
type QuickPrompt struct {
	// Label is the short display name. Defaults to Text when empty.
	Label string `yaml:"label"`

	// Text is the turn content sent to the agent.
	Text string `yaml:"text"`
}

// VoiceConfig specifies the synthesis voice for agent speech.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier (e.g., "Kore").
	ID string `yaml:"id"`

	// Name is the human-readable display name. Defaults to ID when empty.
	Name string `yaml:"name"`
}

// AudioConfig holds microphone and playback settings.
type AudioConfig struct {
	// InputSampleRate is the microphone PCM rate in Hz. Defaults to 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the agent speech PCM rate in Hz. Defaults to 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per capture frame. Defaults to 4096.
	FrameSize int `yaml:"frame_size"`

	// EchoCancellation requests acoustic echo cancellation. Defaults to true.
	EchoCancellation *bool `yaml:"echo_cancellation"`

	// NoiseSuppression requests noise suppression. Defaults to true.
	NoiseSuppression *bool `yaml:"noise_suppression"`

	// AutoGainControl requests automatic gain control. Defaults to true.
	AutoGainControl *bool `yaml:"auto_gain_control"`

	// PlaybackBufferMs is the speaker buffer length in milliseconds. Larger
	// values trade latency for underrun resistance. Defaults to 200.
	PlaybackBufferMs int `yaml:"playback_buffer_ms"`
}

// SessionConfig holds session engine tuning.
type SessionConfig struct {
	// WatchdogInterval is how often the silence watchdog checks.
	// Defaults to 5s.
	WatchdogInterval Duration `yaml:"watchdog_interval"`

	// SilenceThreshold is how long the agent may stay silent before the
	// watchdog nudges it. Defaults to 12s.
	SilenceThreshold Duration `yaml:"silence_threshold"`

	// LeadIn is the scheduling offset for the first chunk of an utterance.
	// Defaults to 50ms.
	LeadIn Duration `yaml:"lead_in"`

	// KickoffDelay is how long after open the kickoff prompt is sent.
	// Defaults to 1s.
	KickoffDelay Duration `yaml:"kickoff_delay"`

	// ContinuePrompt overrides the watchdog's synthetic turn.
	ContinuePrompt string `yaml:"continue_prompt"`
}
