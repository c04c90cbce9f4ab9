// Package mock provides test doubles for the audio package interfaces.
//
// Use Device to verify capture Start/Stop calls and to push synthetic frames
// through the registered handler. Use Sink together with ManualClock to drive
// playback scheduling deterministically: advance the clock by hand and call
// [Sink.FinishVoice] to simulate natural buffer completion.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/pcm"
)

// Compile-time interface assertions.
var _ audio.CaptureDevice = (*Device)(nil)
var _ audio.CaptureHandle = (*Handle)(nil)
var _ audio.PlaybackSink = (*Sink)(nil)
var _ audio.Voice = (*Voice)(nil)
var _ audio.Clock = (*ManualClock)(nil)

// StartCall records a single invocation of Device.Start.
type StartCall struct {
	// Constraints passed to Start.
	Constraints audio.CaptureConstraints
}

// Device is a mock implementation of audio.CaptureDevice.
type Device struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StartCalls records every call to Start in order.
	StartCalls []StartCall

	handler audio.FrameHandler
	active  *Handle
}

// Start records the call, retains onFrame for [Device.EmitFrame], and returns
// a new Handle. A second Start before Stop fails with audio.ErrAlreadyCapturing.
func (d *Device) Start(_ context.Context, c audio.CaptureConstraints, onFrame audio.FrameHandler) (audio.CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls = append(d.StartCalls, StartCall{Constraints: c})
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	if d.active != nil && !d.active.Stopped() {
		return nil, audio.ErrAlreadyCapturing
	}
	d.handler = onFrame
	d.active = &Handle{}
	return d.active, nil
}

// Capturing reports whether a capture stream is currently running.
func (d *Device) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil && !d.active.Stopped()
}

// EmitFrame delivers a synthetic frame to the handler registered by the most
// recent Start. No-op when capture was never started or has been stopped.
func (d *Device) EmitFrame(f audio.Frame) {
	d.mu.Lock()
	handler := d.handler
	active := d.active
	d.mu.Unlock()

	if handler == nil || active == nil || active.Stopped() {
		return
	}
	handler(f)
}

// Handle is a mock implementation of audio.CaptureHandle.
type Handle struct {
	mu sync.Mutex

	// StopCallCount is the number of times Stop was called.
	StopCallCount int
}

// Stop records the call. Always returns nil, like a real handle.
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.StopCallCount++
	return nil
}

// Stopped reports whether Stop has been called at least once.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.StopCallCount > 0
}

// ManualClock is an audio.Clock whose position is advanced by the test.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current manual position.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Set moves the clock to an absolute position.
func (c *ManualClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// PlayAtCall records a single invocation of Sink.PlayAt.
type PlayAtCall struct {
	// Buf is the buffer passed to PlayAt.
	Buf pcm.Buffer

	// At is the requested start position on the playback clock.
	At time.Duration

	// Voice is the mock voice returned to the caller.
	Voice *Voice
}

// Sink is a mock implementation of audio.PlaybackSink.
type Sink struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every PlayAt call.
	PlayErr error

	// ManualClock is returned by Clock(). Initialised lazily if nil.
	ManualClock *ManualClock

	// PlayAtCalls records every call to PlayAt in order.
	PlayAtCalls []PlayAtCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// PlayAt records the call and returns a new mock Voice.
func (s *Sink) PlayAt(buf pcm.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	v := &Voice{onEnded: onEnded}
	s.PlayAtCalls = append(s.PlayAtCalls, PlayAtCall{Buf: buf, At: at, Voice: v})
	return v, nil
}

// Clock returns ManualClock, creating one on first use.
func (s *Sink) Clock() audio.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ManualClock == nil {
		s.ManualClock = &ManualClock{}
	}
	return s.ManualClock
}

// Close records the call.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// FinishVoice simulates natural completion of the i-th scheduled voice,
// invoking its onEnded callback unless the voice was stopped.
func (s *Sink) FinishVoice(i int) {
	s.mu.Lock()
	if i < 0 || i >= len(s.PlayAtCalls) {
		s.mu.Unlock()
		return
	}
	v := s.PlayAtCalls[i].Voice
	s.mu.Unlock()
	v.finish()
}

// Voice is a mock implementation of audio.Voice.
type Voice struct {
	mu sync.Mutex

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	onEnded func()
	done    bool
}

// Stop records the call and suppresses any later finish.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.StopCallCount++
	v.done = true
}

// Stopped reports whether Stop has been called at least once.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.StopCallCount > 0
}

// finish invokes onEnded once, unless the voice was stopped first.
func (v *Voice) finish() {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}
