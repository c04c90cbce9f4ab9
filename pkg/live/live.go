// Package live defines the Provider interface for real-time duplex speech
// backends.
//
// A live provider wraps a conversational speech service that accepts raw
// audio input and returns synthesised speech output over a single, stateful
// session. The central abstraction is [SessionHandle]: a bidirectional
// connection that carries microphone audio up and agent speech down, with
// interruption and close events surfaced through [Callbacks].
//
// Sessions are long-lived (seconds to minutes). All implementations must be
// safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by session methods invoked after Close.
var ErrSessionClosed = errors.New("live: session closed")

// VoiceProfile identifies a prebuilt synthesis voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "Kore").
	ID string

	// Name is the human-readable display name for voice pickers.
	Name string

	// Provider is the name of the provider offering this voice.
	Provider string
}

// SessionConfig is the immutable configuration for a new live session.
// Changing any field requires a new session.
type SessionConfig struct {
	// Voice selects the synthesis voice for agent speech.
	Voice VoiceProfile

	// Instructions is the system-level persona prompt for the agent.
	Instructions string

	// SampleRateIn is the microphone PCM rate in Hz the session accepts
	// (e.g. 16000).
	SampleRateIn int

	// SampleRateOut is the PCM rate in Hz of the audio the session emits
	// (e.g. 24000).
	SampleRateOut int
}

// Callbacks receives session events. All callbacks are invoked from the
// provider's internal receive goroutine and must not block; the session
// engine hands them straight to its serialized event loop.
//
// Any callback field may be nil, in which case the event is dropped.
type Callbacks struct {
	// OnOpen fires once when the service has acknowledged the session setup
	// and is ready to accept realtime audio.
	OnOpen func()

	// OnAudioChunk delivers one chunk of synthesised agent speech as raw
	// PCM16 little-endian bytes at SampleRateOut. The provider has already
	// reversed the transport encoding.
	OnAudioChunk func(data []byte)

	// OnInterrupted fires when the service detects the user speaking over
	// in-flight agent audio (barge-in). Pending playback must be discarded.
	OnInterrupted func()

	// OnTurnComplete fires when the model finishes a response turn. It marks
	// the utterance boundary: audio arriving after it belongs to a new
	// utterance.
	OnTurnComplete func()

	// OnClose fires when the transport closes for any reason other than a
	// local Close call.
	OnClose func(code int, reason string)

	// OnError delivers a mid-session error from the service. The session may
	// still be usable; fatal transport failures arrive via OnClose.
	OnError func(err error)
}

// Capabilities describes static properties of a live provider.
type Capabilities struct {
	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice profiles available for this provider.
	Voices []VoiceProfile
}

// SessionHandle represents an open duplex speech session.
//
// The session is the hot path of the voice pipeline: every method must
// return quickly. All methods are safe for concurrent use. Callers must call
// Close when the session is no longer needed; Close is idempotent and
// suppresses the OnClose callback for the local teardown.
type SessionHandle interface {
	// SendRealtimeAudio delivers one microphone chunk (PCM16 little-endian at
	// SampleRateIn, mono) to the model. The provider applies the transport
	// encoding. Returns ErrSessionClosed after Close.
	SendRealtimeAudio(chunk []byte) error

	// SendTurn injects a text-only turn into the otherwise audio-only
	// conversation. complete marks the turn as finished so the model responds
	// immediately. Returns ErrSessionClosed after Close.
	SendTurn(text string, complete bool) error

	// Close terminates the session and releases all resources. The OnClose
	// callback does not fire for a local Close. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any real-time duplex speech backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration and
	// event callbacks. The returned SessionHandle accepts audio once the
	// OnOpen callback has fired. The caller owns the handle and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}
