// Package health provides the HTTP health surface for the voice companion.
//
// Two endpoints are exposed:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker. The
// checkers that matter for this application are built by [ProviderChecker],
// [DeviceChecker], and [SessionChecker].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/calmahq/calma/internal/session"
	"github.com/calmahq/calma/pkg/audio"
	"github.com/calmahq/calma/pkg/live"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "provider", "session"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ─── Domain checkers ──────────────────────────────────────────────────────────

// ProviderChecker reports whether a live speech provider is wired in. The
// provider holds no standing connection between sessions, so a non-nil
// provider is the whole check.
func ProviderChecker(p live.Provider) Checker {
	return Checker{
		Name: "provider",
		Check: func(_ context.Context) error {
			if p == nil {
				return errors.New("no live provider configured")
			}
			return nil
		},
	}
}

// DeviceChecker reports whether a microphone capture device is available.
func DeviceChecker(d audio.CaptureDevice) Checker {
	return Checker{
		Name: "audio_device",
		Check: func(_ context.Context) error {
			if d == nil {
				return errors.New("no audio device available")
			}
			return nil
		},
	}
}

// SessionChecker surfaces the voice session's state on /readyz. A session
// that ended in failure keeps its error visible until the next start; idle
// and user-closed sessions are healthy.
func SessionChecker(status func() session.Status) Checker {
	return Checker{
		Name: "session",
		Check: func(_ context.Context) error {
			st := status()
			if st.State == session.StateFailed && st.Err != nil {
				return st.Err
			}
			return nil
		},
	}
}

// ─── Handler ──────────────────────────────────────────────────────────────────

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
