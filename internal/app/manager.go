package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/calmahq/calma/internal/config"
	"github.com/calmahq/calma/internal/observe"
	"github.com/calmahq/calma/internal/session"
	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/live"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Persona is the companion persona name in effect.
	Persona string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Voice is the synthesis voice ID in use.
	Voice string
}

// SessionManager owns the companion engine lifecycle. Only one session can be
// active at a time. Persona, voice, and tuning changes from a config reload
// are deferred: the engine is rebuilt on the next Start.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu        sync.Mutex
	cfg       *config.Config
	companion *session.Companion
	stale     bool
	muted     bool
	info      SessionInfo

	// Dependencies injected at construction.
	provider live.Provider
	device   audio.CaptureDevice
	sink     audio.PlaybackSink
	metrics  *observe.Metrics
	onStatus func(session.Status)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Provider live.Provider
	Device   audio.CaptureDevice
	Sink     audio.PlaybackSink
	Metrics  *observe.Metrics

	// OnStatus receives session state changes. Optional.
	OnStatus func(session.Status)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg.Config,
		provider: cfg.Provider,
		device:   cfg.Device,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		onStatus: cfg.OnStatus,
	}
}

// Start begins a new voice session. If the persona or tuning changed since
// the engine was built, the engine is rebuilt from the current config first.
//
// Returns an error if a session is already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()

	if sm.companion != nil && !sm.companion.Snapshot().State.Terminal() &&
		sm.companion.Snapshot().State != session.StateIdle {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("app: a session is already active (id=%s)", id)
	}

	if sm.companion == nil || sm.stale {
		if sm.companion != nil {
			if err := sm.companion.Close(); err != nil {
				slog.Warn("session manager: close stale engine", "err", err)
			}
		}
		c, err := sm.buildCompanion()
		if err != nil {
			sm.mu.Unlock()
			return fmt.Errorf("app: build session engine: %w", err)
		}
		sm.companion = c
		sm.stale = false
	}

	sm.companion.SetMuted(sm.muted)

	persona := sm.cfg.Persona.Name
	if persona == "" {
		persona = "default"
	}
	now := time.Now().UTC()
	sm.info = SessionInfo{
		SessionID: fmt.Sprintf("session-%s-%s", sanitizeName(persona), now.Format("20060102T1504Z")),
		Persona:   persona,
		StartedAt: now,
		Voice:     sm.cfg.Persona.Voice.ID,
	}
	companion := sm.companion
	info := sm.info
	sm.mu.Unlock()

	// Start blocks until the session is open or the connect fails; it must
	// run outside the lock so Stop stays responsive.
	if err := companion.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	slog.Info("session started",
		"session_id", info.SessionID,
		"persona", info.Persona,
		"voice", info.Voice,
	)
	return nil
}

// Stop gracefully ends the active session. It is a no-op when no session is
// running.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	companion := sm.companion
	id := sm.info.SessionID
	sm.mu.Unlock()

	if companion == nil {
		return nil
	}
	if err := companion.Stop(); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	if id != "" {
		slog.Info("session stopped", "session_id", id)
	}
	return nil
}

// SetMuted toggles the warm microphone mute. The preference persists across
// sessions and engine rebuilds.
func (sm *SessionManager) SetMuted(muted bool) {
	sm.mu.Lock()
	sm.muted = muted
	companion := sm.companion
	sm.mu.Unlock()

	if companion != nil {
		companion.SetMuted(muted)
	}
}

// QuickPrompt sends the configured quick prompt with the given label as a
// user text turn. Labels come from persona.quick_prompts; an unlabelled
// prompt matches its text.
func (sm *SessionManager) QuickPrompt(label string) error {
	sm.mu.Lock()
	var text string
	for _, qp := range sm.cfg.Persona.QuickPrompts {
		if qp.Label == label || (qp.Label == "" && qp.Text == label) {
			text = qp.Text
			break
		}
	}
	companion := sm.companion
	sm.mu.Unlock()

	if text == "" {
		return fmt.Errorf("app: no quick prompt with label %q", label)
	}
	if companion == nil {
		return nil
	}
	return companion.SendQuickPrompt(text)
}

// Status returns the current session status. Returns an idle status when no
// engine has been built yet.
func (sm *SessionManager) Status() session.Status {
	sm.mu.Lock()
	companion := sm.companion
	sm.mu.Unlock()

	if companion == nil {
		return session.Status{State: session.StateIdle}
	}
	return companion.Snapshot()
}

// Info returns metadata about the most recently started session.
// Returns zero value if no session has been started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// ApplyConfig swaps in a new config snapshot. Changes take effect on the
// next Start; a running session keeps its current persona and tuning.
func (sm *SessionManager) ApplyConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
	sm.stale = true
}

// Close shuts down the engine permanently. Any active session is stopped.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	companion := sm.companion
	sm.companion = nil
	sm.mu.Unlock()

	if companion == nil {
		return nil
	}
	return companion.Close()
}

// buildCompanion constructs a session engine from the current config
// snapshot. Caller must hold sm.mu.
func (sm *SessionManager) buildCompanion() (*session.Companion, error) {
	cfg := sm.cfg

	return session.New(session.Config{
		Provider: sm.provider,
		Device:   sm.device,
		Sink:     sm.sink,
		Metrics:  sm.metrics,
		OnStatus: sm.onStatus,

		Voice: live.VoiceProfile{
			ID:       cfg.Persona.Voice.ID,
			Name:     cfg.Persona.Voice.Name,
			Provider: cfg.Provider.Name,
		},
		Instructions: cfg.Persona.Instructions,
		ContextNotes: cfg.Persona.ContextNotes,

		Capture: audio.CaptureConstraints{
			SampleRate:       cfg.Audio.InputSampleRate,
			FrameSize:        cfg.Audio.FrameSize,
			EchoCancellation: boolOr(cfg.Audio.EchoCancellation, true),
			NoiseSuppression: boolOr(cfg.Audio.NoiseSuppression, true),
			AutoGainControl:  boolOr(cfg.Audio.AutoGainControl, true),
		},
		OutputSampleRate: cfg.Audio.OutputSampleRate,

		LeadIn:           cfg.Session.LeadIn.Std(),
		WatchdogInterval: cfg.Session.WatchdogInterval.Std(),
		SilenceThreshold: cfg.Session.SilenceThreshold.Std(),
		ContinuePrompt:   cfg.Session.ContinuePrompt,
		KickoffPrompt:    cfg.Persona.KickoffPrompt,
		KickoffDelay:     cfg.Session.KickoffDelay.Std(),
	})
}

// sanitizeName replaces spaces with hyphens and lowercases a name
// for use in session IDs.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

// boolOr dereferences an optional config flag, defaulting when unset.
func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
