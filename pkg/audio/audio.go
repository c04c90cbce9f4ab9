// Package audio defines the interfaces and types for local audio device access
// within Calma.
//
// The two primary abstractions are:
//
//   - [CaptureDevice]: acquires the microphone and delivers fixed-size frames
//     of normalised float samples to a callback.
//   - [PlaybackSink]: plays decoded buffers at precise positions on a shared
//     monotonic playback timeline.
//
// Implementations are provided by device-specific adapter packages
// (audio/malgo for capture, audio/oto for playback). The interfaces are
// intentionally narrow to keep the session engine decoupled from driver
// details and trivially mockable in tests.
package audio

import (
	"context"
	"errors"
	"time"

	"github.com/calmahq/calma/pkg/pcm"
)

// ErrDeviceUnavailable is returned by [CaptureDevice.Start] when microphone
// permission is denied or no capture device exists.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// ErrAlreadyCapturing is returned by [CaptureDevice.Start] when the device is
// already held by an earlier Start that has not been stopped.
var ErrAlreadyCapturing = errors.New("audio: device already capturing")

// Frame is a fixed-length buffer of normalised float samples captured from the
// microphone. Frames are ephemeral: they are produced and consumed
// synchronously per capture callback, and the Samples slice must not be
// retained after the callback returns.
type Frame struct {
	// Samples are normalised to [-1, 1], mono.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// CaptureConstraints describes the fixed capture configuration requested from
// the device. Adapters apply what the host platform supports; sample rate,
// channel count, and frame size are mandatory, the DSP flags are best-effort.
type CaptureConstraints struct {
	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// FrameSize is the number of samples per delivered Frame (e.g. 4096).
	FrameSize int

	// EchoCancellation requests acoustic echo cancellation.
	EchoCancellation bool

	// NoiseSuppression requests noise suppression.
	NoiseSuppression bool

	// AutoGainControl requests automatic gain control.
	AutoGainControl bool
}

// FrameHandler receives captured frames. It is invoked from the device's
// audio thread and must not block; heavy work belongs on another goroutine.
type FrameHandler func(Frame)

// CaptureHandle represents exclusive ownership of a running capture stream.
type CaptureHandle interface {
	// Stop releases the device and tears down the capture graph. Calling Stop
	// more than once is a no-op; Stop never fails on a second call.
	Stop() error
}

// CaptureDevice acquires the physical microphone.
//
// A device supports at most one concurrent capture stream: Start while a
// previous handle is still running returns [ErrAlreadyCapturing].
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Start requests exclusive access to the microphone with the given
	// constraints and begins delivering frames to onFrame. The supplied ctx
	// governs device acquisition only; once capturing, the stream lives until
	// [CaptureHandle.Stop]. Returns [ErrDeviceUnavailable] if permission is
	// denied or no device exists.
	Start(ctx context.Context, c CaptureConstraints, onFrame FrameHandler) (CaptureHandle, error)
}

// Clock is the monotonic time reference for the playback timeline. It starts
// at zero when the sink is created and is independent of wall-clock time.
type Clock interface {
	// Now returns the current position of the playback clock.
	Now() time.Duration
}

// Voice is a single buffer scheduled on a [PlaybackSink].
type Voice interface {
	// Stop silences the voice immediately and discards its remaining samples.
	// The onEnded callback registered at PlayAt is not invoked after Stop.
	// Stop is idempotent.
	Stop()
}

// PlaybackSink plays decoded buffers on a shared timeline.
//
// Implementations must be safe for concurrent use; PlayAt and Voice.Stop are
// called from the session's event loop while the audio thread drains samples.
type PlaybackSink interface {
	// PlayAt schedules buf to begin playing when the playback clock reaches
	// the given position. onEnded, if non-nil, is invoked exactly once from an
	// internal goroutine when the buffer finishes naturally.
	PlayAt(buf pcm.Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Clock returns the sink's playback clock.
	Clock() Clock

	// Close releases the output device. Idempotent.
	Close() error
}
