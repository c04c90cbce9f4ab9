// Package session implements the companion session engine: the state machine
// that ties a microphone, a playback sink, and a live speech provider into
// one duplex voice conversation.
//
// The engine is actor-shaped. Every mutation of session state runs on a
// single event-loop goroutine fed by a command channel; public methods and
// provider callbacks only post closures onto that channel. Device callbacks
// never touch engine state directly, which removes a whole class of races
// between user actions (stop, mute) and service events (open, close,
// interrupted) without fine-grained locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calmahq/calma/internal/observe"
	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/live"
	"github.com/calmahq/calma/pkg/pcm"
)

// Default engine parameters.
const (
	defaultOutputRate   = 24000
	defaultKickoffDelay = 1 * time.Second
)

// defaultContinuePrompt is the synthetic turn the silence watchdog injects.
// Parenthesised so the model reads it as stage direction, not user speech.
const defaultContinuePrompt = "(The user has been quiet for a while. Gently check in and keep the conversation going.)"

// Config configures a [Companion].
type Config struct {
	// Provider supplies live speech sessions. Required.
	Provider live.Provider

	// Device supplies microphone capture. Required.
	Device audio.CaptureDevice

	// Sink plays agent speech. Required. The sink is owned by the caller and
	// survives across sessions; the engine only schedules and flushes on it.
	Sink audio.PlaybackSink

	// Voice selects the synthesis voice for agent speech.
	Voice live.VoiceProfile

	// Instructions is the base persona prompt.
	Instructions string

	// ContextNotes are appended to the persona as background about the user.
	ContextNotes []string

	// Capture overrides the microphone constraints. Zero fields get defaults
	// (16 kHz, 4096-sample frames, all DSP flags enabled).
	Capture audio.CaptureConstraints

	// OutputSampleRate is the PCM rate of agent speech in Hz.
	// Defaults to 24000.
	OutputSampleRate int

	// LeadIn is the scheduling offset for the first chunk of an utterance.
	// Defaults to 50ms.
	LeadIn time.Duration

	// WatchdogInterval is how often the silence watchdog checks.
	// Defaults to 5s.
	WatchdogInterval time.Duration

	// SilenceThreshold is how long the agent may stay silent before the
	// watchdog nudges it. Defaults to 12s.
	SilenceThreshold time.Duration

	// ContinuePrompt overrides the watchdog's synthetic turn.
	ContinuePrompt string

	// KickoffPrompt, when non-empty, is sent shortly after the session opens
	// so the agent speaks first.
	KickoffPrompt string

	// KickoffDelay is how long after open the kickoff prompt is sent.
	// Defaults to 1s.
	KickoffDelay time.Duration

	// OnStatus, when non-nil, is invoked from the event loop after every
	// status change. It must not call back into the Companion.
	OnStatus func(Status)

	// Metrics overrides the metrics instance. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Companion is the session façade: one instance drives one conversation at a
// time through Start, Stop, SetMuted, and SendQuickPrompt.
//
// All methods are safe for concurrent use. Methods post work to the event
// loop and wait for the result, so they return only after the engine has
// actually absorbed the command.
type Companion struct {
	provider live.Provider
	device   audio.CaptureDevice
	sink     audio.PlaybackSink
	cfg      Config
	metrics  *observe.Metrics
	onStatus func(Status)

	calls chan func()
	done  chan struct{}

	closeOnce sync.Once

	// Everything below is owned by the event loop goroutine.
	state        State
	gen          int
	muted        bool
	sess         live.SessionHandle
	capture      *Capture
	sched        *Scheduler
	dog          *Watchdog
	opened       chan<- error
	openPending  bool
	kickoffTimer *time.Timer
	connectStart time.Time
	openedAt     time.Time

	// view is the read model for Snapshot, updated by the loop.
	viewMu    sync.Mutex
	view      Status
	viewSched *Scheduler
}

// New creates a Companion in StateIdle and starts its event loop. Call
// [Companion.Close] to release the loop when the engine is no longer needed.
func New(cfg Config) (*Companion, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: Provider is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: Device is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: Sink is required")
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = defaultOutputRate
	}
	if cfg.ContinuePrompt == "" {
		cfg.ContinuePrompt = defaultContinuePrompt
	}
	if cfg.KickoffDelay <= 0 {
		cfg.KickoffDelay = defaultKickoffDelay
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	c := &Companion{
		provider: cfg.Provider,
		device:   cfg.Device,
		sink:     cfg.Sink,
		cfg:      cfg,
		metrics:  metrics,
		onStatus: cfg.OnStatus,
		calls:    make(chan func(), 256),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	go c.run()
	return c, nil
}

// run is the event loop. It is the only goroutine that touches engine state.
func (c *Companion) run() {
	for {
		select {
		case <-c.done:
			// Run whatever was queued before the close; a late dial result
			// still needs its stale-handle release.
			for {
				select {
				case fn := <-c.calls:
					fn()
				default:
					return
				}
			}
		case fn := <-c.calls:
			fn()
		}
	}
}

// post queues fn on the event loop without waiting for it.
func (c *Companion) post(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.done:
	}
}

// call queues fn on the event loop and waits for its result.
func (c *Companion) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.calls <- func() { errc <- fn() }:
	case <-c.done:
		return ErrEngineClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrEngineClosed
	}
}

// ─── Public API ────────────────────────────────────────────────────────────────

// Start establishes a new session and blocks until the service acknowledges
// it or the attempt fails. Calling Start while a session is Connecting or
// Open is a no-op returning nil. ctx bounds the connection attempt only; the
// session itself lives until Stop.
func (c *Companion) Start(ctx context.Context) error {
	var (
		gen     int
		already bool
	)
	opened := make(chan error, 1)

	err := c.call(func() error {
		if c.state == StateConnecting || c.state == StateOpen {
			already = true
			return nil
		}
		c.gen++
		gen = c.gen
		c.opened = opened
		c.openPending = false
		c.connectStart = time.Now()
		c.setErr(nil)
		c.setState(StateConnecting)
		return nil
	})
	if err != nil || already {
		return err
	}

	handle, err := c.provider.Connect(ctx, c.sessionConfig(), c.callbacks(gen))
	if err != nil {
		werr := fmt.Errorf("session: connect: %w", err)
		c.post(func() { c.handleConnectFailed(gen, werr) })
		return werr
	}
	select {
	case c.calls <- func() { c.handleConnected(gen, handle) }:
	case <-c.done:
		// The engine closed while the dial was in flight; no teardown will
		// ever see this handle, so release it here.
		_ = handle.Close()
		return ErrEngineClosed
	}

	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		c.post(func() { c.handleConnectFailed(gen, ctx.Err()) })
		return ctx.Err()
	case <-c.done:
		return ErrEngineClosed
	}
}

// Stop ends the current session and releases the microphone, playback queue,
// watchdog, and transport, in that order. Safe from any state, including
// mid-connect: a late open acknowledgement for the aborted attempt is
// discarded. Stop is idempotent.
func (c *Companion) Stop() error {
	return c.call(func() error {
		if c.state == StateIdle || c.state.Terminal() {
			return nil
		}
		return c.teardown(StateClosedByUser, nil)
	})
}

// Close stops any running session and shuts down the event loop. The
// Companion is unusable afterwards; all methods return ErrEngineClosed.
func (c *Companion) Close() error {
	err := c.Stop()
	c.closeOnce.Do(func() {
		close(c.done)
	})
	if err != nil && !errors.Is(err, ErrEngineClosed) {
		return err
	}
	return nil
}

// SetMuted switches the microphone warm mute. The setting persists across
// sessions: muting while Idle leaves the next session muted from its first
// frame.
func (c *Companion) SetMuted(muted bool) {
	_ = c.call(func() error {
		c.muted = muted
		if c.capture != nil {
			c.capture.SetMuted(muted)
		}
		c.viewMu.Lock()
		c.view.Muted = muted
		snap := c.snapshotLocked()
		c.viewMu.Unlock()
		c.notify(snap)
		return nil
	})
}

// SendQuickPrompt injects a user-authored text turn into the conversation,
// asking for an immediate spoken response. A no-op unless the session is
// Open.
func (c *Companion) SendQuickPrompt(text string) error {
	return c.call(func() error {
		if c.state != StateOpen || c.sess == nil {
			return nil
		}
		if err := c.sess.SendTurn(text, true); err != nil {
			return fmt.Errorf("session: quick prompt: %w", err)
		}
		c.metrics.RecordTextTurn(context.Background(), "quick")
		return nil
	})
}

// Snapshot returns the current engine status. Safe from any goroutine.
func (c *Companion) Snapshot() Status {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.snapshotLocked()
}

// ─── Connect lifecycle (event loop only) ───────────────────────────────────────

// sessionConfig assembles the immutable live session configuration.
func (c *Companion) sessionConfig() live.SessionConfig {
	in := c.cfg.Capture.SampleRate
	if in <= 0 {
		in = defaultCaptureRate
	}
	return live.SessionConfig{
		Voice:         c.cfg.Voice,
		Instructions:  BuildInstructions(c.cfg.Instructions, c.cfg.ContextNotes),
		SampleRateIn:  in,
		SampleRateOut: c.cfg.OutputSampleRate,
	}
}

// callbacks builds the provider callback set for one connection attempt.
// Every callback carries the attempt's generation so events from a stale
// attempt are discarded by the loop.
func (c *Companion) callbacks(gen int) live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			c.post(func() { c.handleOpen(gen) })
		},
		OnAudioChunk: func(data []byte) {
			c.post(func() { c.handleAudioChunk(gen, data) })
		},
		OnInterrupted: func() {
			c.post(func() { c.handleInterrupted(gen) })
		},
		OnTurnComplete: func() {
			c.post(func() { c.handleTurnComplete(gen) })
		},
		OnClose: func(code int, reason string) {
			c.post(func() { c.handleRemoteClose(gen, code, reason) })
		},
		OnError: func(err error) {
			c.post(func() { c.handleServiceError(gen, err) })
		},
	}
}

// handleConnected registers the session handle once the dial returns. When
// Stop already invalidated the attempt, the handle is closed instead of
// adopted. The open acknowledgement may have raced ahead of the dial return;
// openPending replays it.
func (c *Companion) handleConnected(gen int, handle live.SessionHandle) {
	if gen != c.gen || c.state != StateConnecting {
		_ = handle.Close()
		return
	}
	c.sess = handle
	if c.openPending {
		c.openPending = false
		c.finishOpen(gen)
	}
}

// handleConnectFailed fails an in-flight attempt. Stale generations are
// ignored: the attempt was already superseded or torn down.
func (c *Companion) handleConnectFailed(gen int, err error) {
	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.metrics.RecordConnect(context.Background(), c.providerName(), "error", time.Since(c.connectStart).Seconds())
	slog.Error("session connect failed", "error", err)
	_ = c.teardown(StateFailed, err)
}

// handleOpen processes the service's open acknowledgement.
func (c *Companion) handleOpen(gen int) {
	if gen != c.gen || c.state != StateConnecting {
		// Stale acknowledgement for a stopped attempt.
		return
	}
	if c.sess == nil {
		// Acknowledgement raced ahead of the dial return.
		c.openPending = true
		return
	}
	c.finishOpen(gen)
}

// finishOpen brings up the per-session runtime: playback scheduler first so
// audio arriving immediately has somewhere to go, then microphone, then the
// silence watchdog.
func (c *Companion) finishOpen(gen int) {
	c.sched = NewScheduler(c.sink, c.cfg.OutputSampleRate, c.cfg.LeadIn)
	c.viewMu.Lock()
	c.viewSched = c.sched
	c.viewMu.Unlock()

	c.capture = NewCapture(c.device, c.cfg.Capture, c.sess.SendRealtimeAudio, c.metrics)
	c.capture.SetMuted(c.muted)
	if err := c.capture.Start(context.Background()); err != nil {
		slog.Error("session capture failed", "error", err)
		_ = c.teardown(StateFailed, err)
		return
	}

	c.dog = NewWatchdog(c.cfg.WatchdogInterval, c.cfg.SilenceThreshold, c.sched.Playing, func() {
		c.post(func() { c.handleSilence(gen) })
	})
	c.dog.Start()

	if c.cfg.KickoffPrompt != "" {
		c.kickoffTimer = time.AfterFunc(c.cfg.KickoffDelay, func() {
			c.post(func() { c.handleKickoff(gen) })
		})
	}

	c.openedAt = time.Now()
	c.metrics.RecordConnect(context.Background(), c.providerName(), "ok", time.Since(c.connectStart).Seconds())
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.setState(StateOpen)

	if c.opened != nil {
		c.opened <- nil
		c.opened = nil
	}
}

// teardown releases the per-session runtime and moves to a terminal state.
// Release order matters: the microphone first so nothing else leaves the
// device open, then playback, watchdog, and finally the transport. A close
// error on the transport never blocks the earlier releases.
func (c *Companion) teardown(final State, cause error) error {
	wasOpen := c.state == StateOpen
	c.gen++
	c.openPending = false
	c.setState(StateClosing)

	if c.kickoffTimer != nil {
		c.kickoffTimer.Stop()
		c.kickoffTimer = nil
	}
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			slog.Warn("microphone release failed", "error", err)
		}
		c.capture = nil
	}
	if c.sched != nil {
		c.sched.Flush()
		c.sched = nil
		c.viewMu.Lock()
		c.viewSched = nil
		c.viewMu.Unlock()
	}
	if c.dog != nil {
		c.dog.Stop()
		c.dog = nil
	}

	var closeErr error
	if c.sess != nil {
		closeErr = c.sess.Close()
		c.sess = nil
	}

	if wasOpen {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.metrics.SessionDuration.Record(context.Background(), time.Since(c.openedAt).Seconds())
	}

	c.setErr(cause)
	c.setState(final)

	if c.opened != nil {
		// A Start is still blocked on this attempt.
		if cause != nil {
			c.opened <- cause
		} else {
			c.opened <- ErrStopped
		}
		c.opened = nil
	}

	if closeErr != nil && !errors.Is(closeErr, live.ErrSessionClosed) {
		return fmt.Errorf("session: close: %w", closeErr)
	}
	return nil
}

// ─── Service events (event loop only) ──────────────────────────────────────────

// handleAudioChunk schedules one chunk of agent speech and refreshes the
// silence window. Malformed chunks are dropped without disturbing the queue.
func (c *Companion) handleAudioChunk(gen int, data []byte) {
	if gen != c.gen || c.state != StateOpen || c.sched == nil {
		return
	}
	if err := c.sched.Enqueue(data); err != nil {
		if errors.Is(err, pcm.ErrMalformedAudio) {
			c.metrics.MalformedChunks.Add(context.Background(), 1)
			slog.Warn("malformed audio chunk dropped", "bytes", len(data))
			return
		}
		slog.Error("audio chunk scheduling failed", "error", err)
		return
	}
	c.metrics.AudioChunks.Add(context.Background(), 1)
	if c.dog != nil {
		c.dog.MarkActivity()
	}
}

// handleInterrupted flushes playback on barge-in.
func (c *Companion) handleInterrupted(gen int) {
	if gen != c.gen || c.sched == nil {
		return
	}
	n := c.sched.Flush()
	c.metrics.PlaybackFlushes.Add(context.Background(), 1)
	slog.Debug("barge-in: playback flushed", "voices", n)
}

// handleTurnComplete marks the utterance boundary so post-flush dropping
// ends.
func (c *Companion) handleTurnComplete(gen int) {
	if gen != c.gen || c.sched == nil {
		return
	}
	c.sched.MarkBoundary()
}

// handleRemoteClose tears the session down after the service closed the
// transport.
func (c *Companion) handleRemoteClose(gen int, code int, reason string) {
	if gen != c.gen {
		return
	}
	if c.state != StateConnecting && c.state != StateOpen {
		return
	}
	terr := &TransportError{Code: code, Reason: reason}
	c.metrics.RecordProviderError(context.Background(), c.providerName(), "transport")
	slog.Warn("session closed by service", "code", code, "reason", reason)
	_ = c.teardown(StateClosedByRemote, terr)
}

// handleServiceError records a mid-session error. The transport is still up;
// fatal failures arrive as a remote close.
func (c *Companion) handleServiceError(gen int, err error) {
	if gen != c.gen {
		return
	}
	c.metrics.RecordProviderError(context.Background(), c.providerName(), "service")
	slog.Warn("session service error", "error", err)
	c.setErr(err)
}

// handleSilence injects the watchdog's continue prompt. Rechecked against
// live state because the watchdog decided on its own goroutine.
func (c *Companion) handleSilence(gen int) {
	if gen != c.gen || c.state != StateOpen || c.sess == nil {
		return
	}
	if c.sched != nil && c.sched.Playing() {
		return
	}
	if err := c.sess.SendTurn(c.cfg.ContinuePrompt, true); err != nil {
		slog.Warn("watchdog prompt failed", "error", err)
		return
	}
	c.metrics.RecordTextTurn(context.Background(), "watchdog")
	slog.Info("silence watchdog nudged the agent")
}

// handleKickoff sends the kickoff prompt so the agent greets the user first.
func (c *Companion) handleKickoff(gen int) {
	if gen != c.gen || c.state != StateOpen || c.sess == nil {
		return
	}
	if err := c.sess.SendTurn(c.cfg.KickoffPrompt, true); err != nil {
		slog.Warn("kickoff prompt failed", "error", err)
		return
	}
	c.metrics.RecordTextTurn(context.Background(), "kickoff")
}

// ─── View helpers ──────────────────────────────────────────────────────────────

// providerName labels metrics with the voice's provider.
func (c *Companion) providerName() string {
	if c.cfg.Voice.Provider != "" {
		return c.cfg.Voice.Provider
	}
	return "live"
}

// setState updates the read model and notifies the status observer.
func (c *Companion) setState(s State) {
	c.state = s
	c.viewMu.Lock()
	c.view.State = s
	snap := c.snapshotLocked()
	c.viewMu.Unlock()
	slog.Debug("session state changed", "state", s)
	c.notify(snap)
}

// setErr updates the read model's error and notifies the status observer.
func (c *Companion) setErr(err error) {
	c.viewMu.Lock()
	c.view.Err = err
	snap := c.snapshotLocked()
	c.viewMu.Unlock()
	c.notify(snap)
}

// snapshotLocked builds a Status under viewMu. IsSpeaking is computed live
// from the scheduler so it tracks playback drain without loop traffic.
func (c *Companion) snapshotLocked() Status {
	st := c.view
	st.IsSpeaking = c.viewSched != nil && c.viewSched.Playing()
	return st
}

// notify delivers a status snapshot to the observer, if any.
func (c *Companion) notify(snap Status) {
	if c.onStatus != nil {
		c.onStatus(snap)
	}
}
