// Package oto provides an [audio.PlaybackSink] implementation backed by
// ebitengine/oto. Scheduled buffers are mixed into a single continuous s16le
// stream that the speaker pulls via io.Reader.
//
// The playback clock is the sink's read position in samples. The device
// buffer makes the audible output lag the clock by a small constant, which is
// identical for every scheduled buffer, so gapless back-to-back scheduling is
// preserved.
package oto

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	oto "github.com/ebitengine/oto/v3"

	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/pcm"
)

// Compile-time interface assertions.
var _ audio.PlaybackSink = (*Sink)(nil)
var _ audio.Voice = (*voice)(nil)
var _ audio.Clock = (*clock)(nil)

// defaultBufferSize is the device buffer in bytes at 24 kHz mono s16le
// (~100 ms). Smaller buffers lower latency at the cost of underrun risk.
const defaultBufferSize = 4800

// Option configures a [Sink].
type Option func(*Sink)

// WithBufferSize overrides the device buffer size in bytes.
func WithBufferSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// Sink implements [audio.PlaybackSink] for the default system speaker.
// All exported methods are safe for concurrent use.
type Sink struct {
	sampleRate int
	bufferSize int

	mu      sync.Mutex
	otoCtx  *oto.Context
	player  *oto.Player
	pos     int64 // samples consumed by the player; the playback clock
	voices  []*voice
	playing bool
	closed  bool
}

// New initialises the speaker at the given output sample rate (mono).
// The underlying device context is created immediately; the player starts on
// the first [Sink.PlayAt].
func New(sampleRate int, opts ...Option) (*Sink, error) {
	s := &Sink{
		sampleRate: sampleRate,
		bufferSize: defaultBufferSize,
	}
	for _, o := range opts {
		o(s)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   s.bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: init speaker: %w", err)
	}
	<-ready

	s.otoCtx = otoCtx
	return s, nil
}

// PlayAt implements [audio.PlaybackSink]. A start position earlier than the
// current clock is clamped to "now".
func (s *Sink) PlayAt(buf pcm.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("oto: sink closed")
	}
	if buf.SampleRate != s.sampleRate {
		return nil, fmt.Errorf("oto: buffer rate %d does not match sink rate %d", buf.SampleRate, s.sampleRate)
	}

	start := int64(at * time.Duration(s.sampleRate) / time.Second)
	if start < s.pos {
		start = s.pos
	}

	v := &voice{
		sink:    s,
		start:   start,
		samples: buf.Samples,
		onEnded: onEnded,
	}
	s.voices = append(s.voices, v)

	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	return v, nil
}

// Clock implements [audio.PlaybackSink].
func (s *Sink) Clock() audio.Clock { return &clock{sink: s} }

// Read implements io.Reader for the oto player. It mixes all live voices over
// the next len(p)/2 samples and advances the clock. Never blocks.
func (s *Sink) Read(p []byte) (int, error) {
	n := len(p) / 2

	s.mu.Lock()
	pos := s.pos
	mixed := make([]float32, n)
	for _, v := range s.voices {
		if v.stopped {
			continue
		}
		v.mixInto(mixed, pos)
	}
	s.pos += int64(n)

	// Prune finished and stopped voices, collecting natural-completion
	// callbacks to fire outside the lock.
	var ended []func()
	live := s.voices[:0]
	for _, v := range s.voices {
		switch {
		case v.stopped:
		case v.start+int64(len(v.samples)) <= s.pos:
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		default:
			live = append(live, v)
		}
	}
	s.voices = live
	s.mu.Unlock()

	for i, m := range mixed {
		if m > 1 {
			m = 1
		} else if m < -1 {
			m = -1
		}
		var sv int16
		if m < 0 {
			sv = int16(m * 32768)
		} else {
			sv = int16(m * 32767)
		}
		binary.LittleEndian.PutUint16(p[i*2:i*2+2], uint16(sv))
	}

	for _, cb := range ended {
		cb()
	}
	return n * 2, nil
}

// Close implements [audio.PlaybackSink]. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.voices = nil
	player := s.player
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// voice is one scheduled buffer on the sink timeline.
type voice struct {
	sink    *Sink
	start   int64 // absolute sample position where playback begins
	samples []float32
	onEnded func()
	stopped bool
}

// mixInto adds this voice's contribution for the window [pos, pos+len(dst)).
// Called with the sink lock held.
func (v *voice) mixInto(dst []float32, pos int64) {
	for i := range dst {
		idx := pos + int64(i) - v.start
		if idx < 0 || idx >= int64(len(v.samples)) {
			continue
		}
		dst[i] += v.samples[idx]
	}
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.sink.mu.Lock()
	v.stopped = true
	v.sink.mu.Unlock()
}

// clock reads the sink position as a duration.
type clock struct {
	sink *Sink
}

// Now implements [audio.Clock].
func (c *clock) Now() time.Duration {
	c.sink.mu.Lock()
	pos := c.sink.pos
	c.sink.mu.Unlock()
	return time.Duration(pos) * time.Second / time.Duration(c.sink.sampleRate)
}
