package app_test

import (
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/calmahq/calma/internal/app"
	"github.com/calmahq/calma/internal/config"
	"github.com/calmahq/calma/internal/observe"
	"github.com/calmahq/calma/internal/session"
	audiomock "github.com/calmahq/calma/pkg/audio/mock"
	livemock "github.com/calmahq/calma/pkg/live/mock"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig returns a config snapshot with session timers parked far away.
func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderEntry{Name: "gemini", APIKey: "k"},
		Persona: config.PersonaConfig{
			Name:         "Calma",
			Instructions: "You are Calma, a gentle wellbeing companion.",
			Voice:        config.VoiceConfig{ID: "Kore", Name: "Kore"},
			QuickPrompts: []config.QuickPrompt{
				{Label: "Breathe", Text: "Guide me through a breathing exercise."},
			},
		},
		Session: config.SessionConfig{
			WatchdogInterval: config.Duration(time.Hour),
			SilenceThreshold: config.Duration(time.Hour),
		},
	}
}

// testManager bundles a SessionManager with its mocks.
type testManager struct {
	sm   *app.SessionManager
	prov *livemock.Provider
	sess *livemock.Session
	dev  *audiomock.Device
	sink *audiomock.Sink
}

func newTestManager(t *testing.T, cfg *config.Config) *testManager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	sess := &livemock.Session{}
	prov := &livemock.Provider{Session: sess}
	dev := &audiomock.Device{}
	sink := &audiomock.Sink{}

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:   cfg,
		Provider: prov,
		Device:   dev,
		Sink:     sink,
		Metrics:  newTestMetrics(t),
	})
	t.Cleanup(func() { _ = sm.Close() })

	return &testManager{sm: sm, prov: prov, sess: sess, dev: dev, sink: sink}
}

// start drives a full Start through the open acknowledgement.
func (m *testManager) start(t *testing.T) {
	t.Helper()
	before := m.prov.ConnectCount()
	done := make(chan error, 1)
	go func() { done <- m.sm.Start(context.Background()) }()

	waitFor(t, "connect", func() bool { return m.prov.ConnectCount() > before })
	m.prov.Callbacks().OnOpen()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after open acknowledgement")
	}
}

func TestSessionManager_StartAndStop(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	m.start(t)

	if got := m.sm.Status().State; got != session.StateOpen {
		t.Fatalf("state = %v, want %v", got, session.StateOpen)
	}
	info := m.sm.Info()
	if !strings.HasPrefix(info.SessionID, "session-calma-") {
		t.Errorf("session id = %q, want session-calma- prefix", info.SessionID)
	}
	if info.Voice != "Kore" {
		t.Errorf("info voice = %q, want Kore", info.Voice)
	}

	if err := m.sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "closed", func() bool {
		return m.sm.Status().State == session.StateClosedByUser
	})
}

func TestSessionManager_SecondStartWhileActiveFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	m.start(t)

	err := m.sm.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for second Start while active")
	}
	if !strings.Contains(err.Error(), "already active") {
		t.Errorf("error = %v, want mention of active session", err)
	}
}

func TestSessionManager_QuickPromptResolvesLabel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	m.start(t)

	if err := m.sm.QuickPrompt("Breathe"); err != nil {
		t.Fatalf("QuickPrompt: %v", err)
	}
	waitFor(t, "quick prompt turn", func() bool {
		for _, turn := range m.sess.TurnsSent() {
			if turn.Text == "Guide me through a breathing exercise." {
				return true
			}
		}
		return false
	})

	if err := m.sm.QuickPrompt("Unknown"); err == nil {
		t.Fatal("expected error for unknown quick prompt label")
	}
}

func TestSessionManager_ApplyConfigRebuildsEngine(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	m.start(t)
	if err := m.sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "closed", func() bool {
		return m.sm.Status().State == session.StateClosedByUser
	})

	next := testConfig()
	next.Persona.Voice = config.VoiceConfig{ID: "Puck", Name: "Puck"}
	m.sm.ApplyConfig(next)

	m.start(t)
	calls := m.prov.ConnectCalls
	if got := calls[len(calls)-1].Cfg.Voice.ID; got != "Puck" {
		t.Errorf("voice after reload = %q, want Puck", got)
	}
}

func TestSessionManager_MutePersists(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	m.sm.SetMuted(true)
	m.start(t)

	waitFor(t, "muted status", func() bool { return m.sm.Status().Muted })
}

func TestSessionManager_StopWithoutSessionIsNoop(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	if err := m.sm.Stop(); err != nil {
		t.Fatalf("Stop without session: %v", err)
	}
	if got := m.sm.Status().State; got != session.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}
