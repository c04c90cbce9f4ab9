package session

import (
	"sync"
	"time"
)

// Default silence watchdog parameters.
const (
	defaultCheckInterval    = 5 * time.Second
	defaultSilenceThreshold = 12 * time.Second
)

// Watchdog nudges the conversation back to life when the agent has been
// silent for too long.
//
// It checks periodically; when the time since the last agent speech exceeds
// the threshold and no playback is in flight, it invokes fire once and
// restarts the silence window, so a single long silence produces one nudge
// per threshold period rather than one per tick.
//
// All methods are safe for concurrent use.
type Watchdog struct {
	interval  time.Duration
	threshold time.Duration
	speaking  func() bool
	fire      func()

	mu   sync.Mutex
	last time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a Watchdog. speaking reports whether agent audio is in
// flight; fire delivers the nudge. Zero durations select the defaults.
func NewWatchdog(interval, threshold time.Duration, speaking func() bool, fire func()) *Watchdog {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if threshold <= 0 {
		threshold = defaultSilenceThreshold
	}
	return &Watchdog{
		interval:  interval,
		threshold: threshold,
		speaking:  speaking,
		fire:      fire,
		done:      make(chan struct{}),
	}
}

// Start begins the check loop in a background goroutine. The silence window
// opens at the moment of the call.
func (w *Watchdog) Start() {
	w.MarkActivity()
	go w.loop()
}

// MarkActivity records agent speech now, restarting the silence window.
func (w *Watchdog) MarkActivity() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

// Stop halts the check loop. Safe to call multiple times.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check fires when the silence window is strictly exceeded. While the agent
// is speaking the window is left untouched; it keeps counting from the last
// recorded speech, which the owner refreshes per audio chunk.
func (w *Watchdog) check() {
	if w.speaking() {
		return
	}

	w.mu.Lock()
	if time.Since(w.last) <= w.threshold {
		w.mu.Unlock()
		return
	}
	w.last = time.Now()
	w.mu.Unlock()

	w.fire()
}
