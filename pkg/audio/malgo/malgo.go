// Package malgo provides an [audio.CaptureDevice] implementation backed by
// miniaudio via gen2brain/malgo. It captures mono float32 frames from the
// default system microphone at a fixed sample rate and frame size.
//
// miniaudio has no built-in echo cancellation or noise suppression; the
// corresponding [audio.CaptureConstraints] flags are accepted and left to the
// host platform's capture stack where it applies them (macOS voice processing,
// PipeWire filters).
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/calmahq/calma/pkg/audio"
)

// Compile-time interface assertions.
var _ audio.CaptureDevice = (*Device)(nil)
var _ audio.CaptureHandle = (*handle)(nil)

// Device implements [audio.CaptureDevice] using a shared miniaudio context.
// At most one capture stream may be active at a time; concurrent Start calls
// fail with [audio.ErrAlreadyCapturing].
//
// Device is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	active *handle
}

// New initialises the miniaudio context with realtime thread priority.
// Call [Device.Uninit] when the device is no longer needed.
func New() (*Device, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return &Device{ctx: mctx}, nil
}

// Start implements [audio.CaptureDevice]. The returned handle owns the
// physical microphone until Stop is called.
func (d *Device) Start(ctx context.Context, c audio.CaptureConstraints, onFrame audio.FrameHandler) (audio.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("malgo: start: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, audio.ErrAlreadyCapturing
	}

	h := &handle{
		device:     d,
		sampleRate: c.SampleRate,
		frameSize:  c.FrameSize,
		onFrame:    onFrame,
		pending:    make([]float32, 0, c.FrameSize),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(c.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(c.FrameSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			h.onData(input, frameCount)
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init device: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start device: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	h.dev = dev
	d.active = h
	return h, nil
}

// Uninit tears down the miniaudio context. Any active capture stream is
// stopped first.
func (d *Device) Uninit() error {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()

	if active != nil {
		_ = active.Stop()
	}
	if err := d.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	d.ctx.Free()
	return nil
}

// handle is a running capture stream. The miniaudio data callback delivers
// arbitrary period sizes; handle re-slices them into exact frameSize frames.
type handle struct {
	device     *Device
	dev        *malgo.Device
	sampleRate int
	frameSize  int
	onFrame    audio.FrameHandler

	// pending accumulates samples until a full frame is available. Touched
	// only from the miniaudio data callback thread.
	pending []float32

	stopOnce sync.Once
}

// onData converts the raw little-endian float32 payload and emits fixed-size
// frames. Runs on the device's audio thread.
func (h *handle) onData(input []byte, frameCount uint32) {
	n := int(frameCount)
	if len(input) < n*4 {
		n = len(input) / 4
	}
	for i := range n {
		bits := binary.LittleEndian.Uint32(input[i*4 : i*4+4])
		h.pending = append(h.pending, math.Float32frombits(bits))
	}

	for len(h.pending) >= h.frameSize {
		frame := make([]float32, h.frameSize)
		copy(frame, h.pending[:h.frameSize])
		h.pending = h.pending[h.frameSize:]
		h.onFrame(audio.Frame{Samples: frame, SampleRate: h.sampleRate})
	}
}

// Stop implements [audio.CaptureHandle]. Releases the microphone; safe to call
// more than once.
func (h *handle) Stop() error {
	h.stopOnce.Do(func() {
		_ = h.dev.Stop()
		h.dev.Uninit()

		h.device.mu.Lock()
		if h.device.active == h {
			h.device.active = nil
		}
		h.device.mu.Unlock()
	})
	return nil
}
