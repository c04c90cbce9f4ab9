package app_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calmahq/calma/internal/app"
	"github.com/calmahq/calma/internal/config"
	audiomock "github.com/calmahq/calma/pkg/audio/mock"
	livemock "github.com/calmahq/calma/pkg/live/mock"
)

func testProviders(sess *livemock.Session) (app.Providers, *livemock.Provider) {
	prov := &livemock.Provider{Session: sess}
	return app.Providers{
		Live:   prov,
		Device: &audiomock.Device{},
		Sink:   &audiomock.Sink{},
	}, prov
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	providers, _ := testProviders(&livemock.Session{})

	cases := []struct {
		name   string
		mutate func(*app.Providers)
	}{
		{"no live provider", func(p *app.Providers) { p.Live = nil }},
		{"no capture device", func(p *app.Providers) { p.Device = nil }},
		{"no playback sink", func(p *app.Providers) { p.Sink = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := providers
			tc.mutate(&p)
			if _, err := app.New(cfg, p, app.WithMetrics(newTestMetrics(t))); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestApp_RunServesOperationalEndpoints(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	providers, prov := testProviders(&livemock.Session{})

	a, err := app.New(cfg, providers, app.WithMetrics(newTestMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	// Run blocks in Start until the provider acknowledges the open.
	waitFor(t, "connect", func() bool { return prov.ConnectCount() > 0 })
	prov.Callbacks().OnOpen()

	addr := a.ListenAddr()
	if addr == "" {
		t.Fatal("ListenAddr is empty with a configured listener")
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		waitFor(t, path, func() bool {
			resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		})
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestApp_RunFailsWhenConnectFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	prov := &livemock.Provider{ConnectErr: errors.New("quota exceeded")}
	providers := app.Providers{
		Live:   prov,
		Device: &audiomock.Device{},
		Sink:   &audiomock.Sink{},
	}

	a, err := app.New(cfg, providers, app.WithMetrics(newTestMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail when the provider connect fails")
	}
}

const reloadBaseYAML = `
server:
  log_level: info
provider:
  name: gemini
  api_key: k
`

const reloadDebugYAML = `
server:
  log_level: debug
provider:
  name: gemini
  api_key: k
`

func TestApp_ReloadAdjustsLogLevel(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(reloadBaseYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := testConfig()
	providers, _ := testProviders(&livemock.Session{})

	var level slog.LevelVar
	level.Set(slog.LevelInfo)

	a, err := app.New(cfg, providers,
		app.WithMetrics(newTestMetrics(t)),
		app.WithLogLevelVar(&level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.WatchConfig(cfgPath, config.WithInterval(20*time.Millisecond)); err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}

	if err := os.WriteFile(cfgPath, []byte(reloadDebugYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	waitFor(t, "log level change", func() bool {
		return level.Level() == slog.LevelDebug
	})
}
