package session

import (
	"errors"
	"testing"
	"time"

	audiomock "github.com/calmahq/calma/pkg/audio/mock"
	"github.com/calmahq/calma/pkg/pcm"
)

const testOutputRate = 24000

// pcmBytes returns n samples of silent PCM16.
func pcmBytes(n int) []byte {
	return make([]byte, n*2)
}

// chunkDuration returns the playback duration of n samples at the test rate.
func chunkDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / testOutputRate
}

func newTestScheduler() (*Scheduler, *audiomock.Sink) {
	sink := &audiomock.Sink{}
	return NewScheduler(sink, testOutputRate, 0), sink
}

func TestScheduler_FirstChunkGetsLeadIn(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(pcmBytes(4800)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if len(sink.PlayAtCalls) != 1 {
		t.Fatalf("PlayAt calls = %d, want 1", len(sink.PlayAtCalls))
	}
	if got := sink.PlayAtCalls[0].At; got != defaultLeadIn {
		t.Errorf("first chunk start = %v, want %v", got, defaultLeadIn)
	}
	want := defaultLeadIn + chunkDuration(4800)
	if got := s.NextStart(); got != want {
		t.Errorf("NextStart = %v, want %v", got, want)
	}
}

func TestScheduler_ConsecutiveChunksAreGapless(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	for range 3 {
		if err := s.Enqueue(pcmBytes(4800)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if len(sink.PlayAtCalls) != 3 {
		t.Fatalf("PlayAt calls = %d, want 3", len(sink.PlayAtCalls))
	}
	d := chunkDuration(4800)
	wantStarts := []time.Duration{defaultLeadIn, defaultLeadIn + d, defaultLeadIn + 2*d}
	for i, want := range wantStarts {
		if got := sink.PlayAtCalls[i].At; got != want {
			t.Errorf("chunk %d start = %v, want %v", i, got, want)
		}
	}
}

func TestScheduler_LateChunkClampsToNow(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Playback ran dry: the clock has passed the end of the queue.
	clock := sink.Clock().(*audiomock.ManualClock)
	clock.Set(2 * time.Second)
	sink.FinishVoice(0)

	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := 2*time.Second + defaultLeadIn
	if got := sink.PlayAtCalls[1].At; got != want {
		t.Errorf("late chunk start = %v, want %v", got, want)
	}
}

func TestScheduler_MidUtteranceChunkSkipsLeadIn(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// The clock overtook the queue but the first voice is still registered,
	// so the stream is mid-utterance and gets no fresh lead-in.
	clock := sink.Clock().(*audiomock.ManualClock)
	clock.Set(time.Second)

	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := sink.PlayAtCalls[1].At; got != time.Second {
		t.Errorf("chunk start = %v, want %v", got, time.Second)
	}
}

func TestScheduler_FlushSilencesAndResets(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	for range 2 {
		if err := s.Enqueue(pcmBytes(4800)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	clock := sink.Clock().(*audiomock.ManualClock)
	clock.Set(80 * time.Millisecond)

	if n := s.Flush(); n != 2 {
		t.Errorf("Flush silenced %d voices, want 2", n)
	}
	for i, call := range sink.PlayAtCalls {
		if !call.Voice.Stopped() {
			t.Errorf("voice %d not stopped after flush", i)
		}
	}
	if s.Playing() {
		t.Error("Playing = true after flush")
	}
	if got := s.NextStart(); got != 80*time.Millisecond {
		t.Errorf("NextStart after flush = %v, want %v", got, 80*time.Millisecond)
	}
}

func TestScheduler_DropsChunksAfterFlushUntilBoundary(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(pcmBytes(4800)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Flush()

	// Stragglers of the cancelled utterance must not play.
	if err := s.Enqueue(pcmBytes(4800)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(sink.PlayAtCalls) != 1 {
		t.Fatalf("straggler was scheduled: PlayAt calls = %d, want 1", len(sink.PlayAtCalls))
	}

	s.MarkBoundary()
	if err := s.Enqueue(pcmBytes(4800)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(sink.PlayAtCalls) != 2 {
		t.Fatalf("post-boundary chunk not scheduled: PlayAt calls = %d, want 2", len(sink.PlayAtCalls))
	}
	clock := sink.Clock().(*audiomock.ManualClock)
	if got := sink.PlayAtCalls[1].At; got < clock.Now() {
		t.Errorf("post-flush chunk scheduled at %v, before clock %v", got, clock.Now())
	}
}

func TestScheduler_MalformedChunkRejected(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	err := s.Enqueue([]byte{0x01})
	if !errors.Is(err, pcm.ErrMalformedAudio) {
		t.Fatalf("Enqueue error = %v, want pcm.ErrMalformedAudio", err)
	}
	if len(sink.PlayAtCalls) != 0 {
		t.Errorf("malformed chunk was scheduled")
	}

	// The queue is undisturbed: a good chunk still gets the lead-in.
	if err := s.Enqueue(pcmBytes(4800)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := sink.PlayAtCalls[0].At; got != defaultLeadIn {
		t.Errorf("chunk start = %v, want %v", got, defaultLeadIn)
	}
}

func TestScheduler_EmptyChunkIgnored(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(sink.PlayAtCalls) != 0 {
		t.Errorf("empty chunk was scheduled")
	}
}

func TestScheduler_NaturalCompletionStartsNewUtterance(t *testing.T) {
	t.Parallel()
	s, sink := newTestScheduler()

	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !s.Playing() {
		t.Fatal("Playing = false with a scheduled voice")
	}

	clock := sink.Clock().(*audiomock.ManualClock)
	clock.Set(time.Second)
	sink.FinishVoice(0)
	if s.Playing() {
		t.Fatal("Playing = true after natural completion")
	}

	// The next chunk opens a fresh utterance and gets the lead-in again.
	if err := s.Enqueue(pcmBytes(2400)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := time.Second + defaultLeadIn
	if got := sink.PlayAtCalls[1].At; got != want {
		t.Errorf("chunk start = %v, want %v", got, want)
	}
}
