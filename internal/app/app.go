// Package app wires all Calma subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main loop, and Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via the [Providers] struct and
// functional options. When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/calmahq/calma/internal/config"
	"github.com/calmahq/calma/internal/health"
	"github.com/calmahq/calma/internal/observe"
	"github.com/calmahq/calma/internal/session"
	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/live"
)

// httpTimeout bounds read and write on the operational HTTP endpoints.
const httpTimeout = 10 * time.Second

// Providers holds the injectable collaborators for an [App]. All three are
// required; main populates them from the config registry and the host audio
// adapters.
type Providers struct {
	Live   live.Provider
	Device audio.CaptureDevice
	Sink   audio.PlaybackSink
}

// App owns all subsystem lifetimes and orchestrates the Calma voice companion.
type App struct {
	cfg      *config.Config
	sessions *SessionManager
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	watcher  *config.Watcher

	httpLn  net.Listener
	httpSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics bundle instead of using the process-wide
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar injects the slog level variable so config reloads can
// adjust verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry and the host audio
// adapters).
func New(cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.Live == nil {
		return nil, errors.New("app: live provider is required")
	}
	if providers.Device == nil {
		return nil, errors.New("app: capture device is required")
	}
	if providers.Sink == nil {
		return nil, errors.New("app: playback sink is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Provider: providers.Live,
		Device:   providers.Device,
		Sink:     providers.Sink,
		Metrics:  a.metrics,
		OnStatus: func(s session.Status) {
			slog.Debug("session status", "state", s.State, "speaking", s.IsSpeaking, "muted", s.Muted)
		},
	})
	a.closers = append(a.closers, a.sessions.Close)

	if cfg.Server.ListenAddr != "" {
		if err := a.initHTTP(providers); err != nil {
			return nil, fmt.Errorf("app: init http: %w", err)
		}
	}

	return a, nil
}

// Sessions returns the session manager for UI surfaces to drive.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Config reload ───────────────────────────────────────────────────────────

// WatchConfig starts polling path for changes. The log level applies
// immediately; persona, voice, and session tuning apply on the next session
// start.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.handleReload, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

func (a *App) handleReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but no level var is wired; restart to apply")
		}
	}

	if d.PersonaChanged || d.VoiceChanged || d.SessionChanged {
		a.sessions.ApplyConfig(new)
		slog.Info("companion settings changed; they apply on the next session start",
			"persona", d.PersonaChanged,
			"voice", d.VoiceChanged,
			"session", d.SessionChanged,
		)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// initHTTP builds the operational HTTP endpoints: health probes and the
// Prometheus metrics scrape.
func (a *App) initHTTP(providers Providers) error {
	checks := health.New(
		health.ProviderChecker(providers.Live),
		health.DeviceChecker(providers.Device),
		health.SessionChecker(a.sessions.Status),
	)

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.httpLn = ln
	sessionState := func() string { return a.sessions.Status().State.String() }
	a.httpSrv = &http.Server{
		Handler:      observe.Middleware(a.metrics, sessionState)(mux),
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
	}
	return nil
}

// ListenAddr returns the bound address of the HTTP listener, or "" when no
// listener is configured. Useful when the config requested port 0.
func (a *App) ListenAddr() string {
	if a.httpLn == nil {
		return ""
	}
	return a.httpLn.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a voice session and serves the operational HTTP endpoints,
// blocking until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.httpSrv != nil {
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.httpSrv.ServeTLS(a.httpLn, tls.CertFile, tls.KeyFile)
			} else {
				err = a.httpSrv.Serve(a.httpLn)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		slog.Info("http endpoints ready", "addr", a.ListenAddr())
	}

	g.Go(func() error {
		<-gctx.Done()
		if a.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
			defer cancel()
			if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		return gctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.httpLn != nil {
			// Already closed when the server shut down; this covers the
			// path where Run never got to serve.
			_ = a.httpLn.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
