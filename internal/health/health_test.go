package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calmahq/calma/internal/session"
	audiomock "github.com/calmahq/calma/pkg/audio/mock"
	livemock "github.com/calmahq/calma/pkg/live/mock"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "provider", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "audio_device", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "ok")
	}
	if body.Checks["audio_device"] != "ok" {
		t.Errorf("audio_device check = %q, want %q", body.Checks["audio_device"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "provider", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "audio_device", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["provider"] != "fail: connection refused" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider"], "fail: connection refused")
	}
	if body.Checks["audio_device"] != "ok" {
		t.Errorf("audio_device check = %q, want %q", body.Checks["audio_device"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "provider", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "audio_device", Check: func(_ context.Context) error {
			return errors.New("no audio device available")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["provider"] != "fail: timeout" {
		t.Errorf("provider check = %q", body.Checks["provider"])
	}
	if body.Checks["audio_device"] != "fail: no audio device available" {
		t.Errorf("audio_device check = %q", body.Checks["audio_device"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestProviderChecker(t *testing.T) {
	if err := ProviderChecker(&livemock.Provider{}).Check(context.Background()); err != nil {
		t.Errorf("wired provider reported unhealthy: %v", err)
	}
	if err := ProviderChecker(nil).Check(context.Background()); err == nil {
		t.Error("nil provider reported healthy")
	}
}

func TestDeviceChecker(t *testing.T) {
	if err := DeviceChecker(&audiomock.Device{}).Check(context.Background()); err != nil {
		t.Errorf("available device reported unhealthy: %v", err)
	}
	if err := DeviceChecker(nil).Check(context.Background()); err == nil {
		t.Error("missing device reported healthy")
	}
}

func TestSessionChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  session.Status
		wantErr bool
	}{
		{"idle", session.Status{State: session.StateIdle}, false},
		{"open", session.Status{State: session.StateOpen}, false},
		{"closed by user", session.Status{State: session.StateClosedByUser}, false},
		{"failed", session.Status{State: session.StateFailed, Err: errors.New("connect refused")}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := SessionChecker(func() session.Status { return tc.status })
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Check() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestReadyz_ReportsFailedSession(t *testing.T) {
	st := session.Status{State: session.StateFailed, Err: errors.New("transport dropped")}
	h := New(
		ProviderChecker(&livemock.Provider{}),
		SessionChecker(func() session.Status { return st }),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want ok", body.Checks["provider"])
	}
	if body.Checks["session"] != "fail: transport dropped" {
		t.Errorf("session check = %q, want the session error", body.Checks["session"])
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
