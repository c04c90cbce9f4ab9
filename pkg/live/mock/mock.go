// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. The
// callbacks passed to Connect are retained so tests can drive the full event
// surface by hand:
//
//	sess := &mock.Session{}
//	p := &mock.Provider{Session: sess}
//	// ... start the component under test ...
//	p.Callbacks().OnOpen()
//	p.Callbacks().OnAudioChunk([]byte{…})
package mock

import (
	"context"
	"sync"

	"github.com/calmahq/calma/pkg/live"
)

// Compile-time interface assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	cb live.Callbacks
}

// Connect records the call, retains cb for later delivery via [Provider.Callbacks],
// and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	p.cb = cb
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{}, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Callbacks returns the callbacks captured by the most recent Connect call.
// Tests invoke these to simulate server events.
func (p *Provider) Callbacks() live.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// SendAudioCall records a single invocation of Session.SendRealtimeAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendRealtimeAudio.
	Chunk []byte
}

// SendTurnCall records a single invocation of Session.SendTurn.
type SendTurnCall struct {
	// Text is the turn text.
	Text string
	// Complete reports whether the turn was marked complete.
	Complete bool
}

// Session is a mock implementation of live.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendRealtimeAudio call.
	SendAudioErr error

	// SendTurnErr, if non-nil, is returned by every SendTurn call.
	SendTurnErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	// SendAudioCalls records every call to SendRealtimeAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTurnCalls records every call to SendTurn in order.
	SendTurnCalls []SendTurnCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendRealtimeAudio records the call and returns SendAudioErr.
func (s *Session) SendRealtimeAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// SendTurn records the call and returns SendTurnErr.
func (s *Session) SendTurn(text string, complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTurnCalls = append(s.SendTurnCalls, SendTurnCall{Text: text, Complete: complete})
	return s.SendTurnErr
}

// Close records the call and returns CloseErr on the first invocation only,
// mirroring the idempotency contract of real sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseCallCount == 1 {
		return s.CloseErr
	}
	return nil
}

// CloseCount returns the number of Close calls so far. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// AudioSent returns a snapshot of all chunks sent so far. Thread-safe.
func (s *Session) AudioSent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// TurnsSent returns a snapshot of all turns sent so far. Thread-safe.
func (s *Session) TurnsSent() []SendTurnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendTurnCall, len(s.SendTurnCalls))
	copy(out, s.SendTurnCalls)
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTurnCalls = nil
	s.CloseCallCount = 0
}
