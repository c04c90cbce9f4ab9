package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calmahq/calma/internal/observe"
	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/pcm"
)

// Default microphone parameters. 16 kHz mono in fixed 4096-sample frames is
// what the speech services accept as realtime input.
const (
	defaultCaptureRate = 16000
	defaultFrameSize   = 4096
)

// Capture owns the microphone pipeline for one session: it pulls fixed-size
// frames from the device, converts them to wire PCM, and forwards them to the
// live session while unmuted.
//
// Mute is a warm mute: the device keeps running and frames keep arriving,
// they are just never forwarded. Unmuting therefore resumes instantly with no
// device re-acquisition.
//
// All methods are safe for concurrent use.
type Capture struct {
	device      audio.CaptureDevice
	constraints audio.CaptureConstraints
	send        func(chunk []byte) error
	metrics     *observe.Metrics

	muted atomic.Bool

	mu     sync.Mutex
	handle audio.CaptureHandle
}

// NewCapture creates a capture pipeline that forwards encoded frames via
// send. Zero constraint fields get defaults (16 kHz, 4096-sample frames, all
// DSP flags enabled).
func NewCapture(device audio.CaptureDevice, c audio.CaptureConstraints, send func(chunk []byte) error, metrics *observe.Metrics) *Capture {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultCaptureRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Capture{
		device:      device,
		constraints: c,
		send:        send,
		metrics:     metrics,
	}
}

// DefaultConstraints returns the microphone configuration used when the
// caller does not override it.
func DefaultConstraints() audio.CaptureConstraints {
	return audio.CaptureConstraints{
		SampleRate:       defaultCaptureRate,
		FrameSize:        defaultFrameSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Start acquires the microphone and begins forwarding frames. Device errors
// pass through unwrapped sentinels, so callers can match
// [audio.ErrDeviceUnavailable].
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return audio.ErrAlreadyCapturing
	}

	handle, err := c.device.Start(ctx, c.constraints, c.onFrame)
	if err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	c.handle = handle
	return nil
}

// Stop releases the microphone. Safe to call multiple times and before Start.
func (c *Capture) Stop() error {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := handle.Stop(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// SetMuted switches the warm mute. While muted the device stays hot but no
// audio leaves the process.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted reports the current mute state.
func (c *Capture) Muted() bool {
	return c.muted.Load()
}

// onFrame runs on the device's audio thread. It must stay cheap: one encode
// and one send per frame.
func (c *Capture) onFrame(f audio.Frame) {
	if c.muted.Load() {
		c.metrics.RecordCaptureFrame(context.Background(), false)
		return
	}
	chunk := pcm.EncodeFrame(f.Samples)
	if err := c.send(chunk); err != nil {
		// The session is usually mid-teardown here. Dropping the frame is
		// the only option; the next Start gets a fresh pipeline.
		slog.Debug("capture frame dropped", "error", err)
		return
	}
	c.metrics.RecordCaptureFrame(context.Background(), true)
}
