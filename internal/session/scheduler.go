package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/pcm"
)

// defaultLeadIn is the scheduling offset applied to the first chunk of an
// utterance. It absorbs the network jitter between the first chunk and its
// successors so the stream does not stutter right after it starts.
const defaultLeadIn = 50 * time.Millisecond

// Scheduler queues agent speech chunks for gapless playback on a
// [audio.PlaybackSink].
//
// Chunks of one utterance arrive as a stream; each is scheduled to start
// exactly where the previous one ends, tracked by a running nextStart
// position on the sink's clock. When the user barges in, [Scheduler.Flush]
// silences everything at once and rejects chunks of the cancelled utterance
// until [Scheduler.MarkBoundary] signals the next utterance.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	sink       audio.PlaybackSink
	clock      audio.Clock
	sampleRate int
	leadIn     time.Duration

	mu        sync.Mutex
	nextStart time.Duration
	active    map[int]audio.Voice
	nextID    int
	dropping  bool
}

// NewScheduler creates a Scheduler that plays chunks decoded at the given
// sample rate on sink. A leadIn of zero selects the default.
func NewScheduler(sink audio.PlaybackSink, sampleRate int, leadIn time.Duration) *Scheduler {
	if leadIn <= 0 {
		leadIn = defaultLeadIn
	}
	return &Scheduler{
		sink:       sink,
		clock:      sink.Clock(),
		sampleRate: sampleRate,
		leadIn:     leadIn,
		active:     make(map[int]audio.Voice),
	}
}

// Enqueue decodes one PCM16 chunk and schedules it directly after the last
// queued chunk, or at the clock position plus the lead-in when nothing is
// queued. Chunks following a Flush are silently dropped until the next
// utterance boundary. Returns an error wrapping [pcm.ErrMalformedAudio] for
// undecodable chunks, which are dropped without disturbing the queue.
func (s *Scheduler) Enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropping {
		return nil
	}

	buf, err := pcm.DecodeChunk(data, s.sampleRate)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if len(buf.Samples) == 0 {
		return nil
	}

	start := s.clock.Now()
	if s.nextStart > start {
		start = s.nextStart
	}
	if len(s.active) == 0 {
		start += s.leadIn
	}

	id := s.nextID
	s.nextID++
	voice, err := s.sink.PlayAt(buf, start, func() { s.remove(id) })
	if err != nil {
		return fmt.Errorf("scheduler: play: %w", err)
	}
	s.active[id] = voice
	s.nextStart = start + buf.Duration()
	return nil
}

// Flush silences all scheduled audio immediately and resets the queue to the
// current clock position, so the next utterance starts fresh instead of after
// the cancelled backlog. Chunks arriving after Flush are dropped until
// [Scheduler.MarkBoundary]. Returns the number of voices silenced.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.active))
	for _, v := range s.active {
		voices = append(voices, v)
	}
	s.active = make(map[int]audio.Voice)
	s.nextStart = s.clock.Now()
	s.dropping = true
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return len(voices)
}

// MarkBoundary signals that the current utterance has ended. Chunks arriving
// afterwards belong to a new utterance and are scheduled again.
func (s *Scheduler) MarkBoundary() {
	s.mu.Lock()
	s.dropping = false
	s.mu.Unlock()
}

// Playing reports whether any audio is scheduled or currently audible.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// NextStart returns the clock position at which the next chunk would begin.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// remove drops a finished voice from the active set. Called by the sink when
// a buffer completes naturally; a voice already flushed is a no-op.
func (s *Scheduler) remove(id int) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
