// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to feed model events into the bridge and inspect what the bridge
// sent to the model.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Connect(ctx, cfg)
//	sess.EventsCh <- speech.Event{Kind: speech.EventAudioDelta, Audio: frame}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg speech.SessionConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// NewSession for every call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out by Connect.
	Sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// Session is a mock implementation of speech.Session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Tests send on it to
	// simulate model output. Close closes it.
	EventsCh chan speech.Event

	// --- Configurable errors ---

	// AppendErr, if non-nil, is returned by every AppendAudio call.
	AppendErr error

	// CommitErr, if non-nil, is returned by every CommitAudio call.
	CommitErr error

	// ResponseErr, if non-nil, is returned by every CreateResponse call.
	ResponseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records ---

	// Appended records a copy of every chunk passed to AppendAudio.
	Appended [][]byte

	// CommitCount is the number of times CommitAudio was called.
	CommitCount int

	// Responses records the instructions of every CreateResponse call.
	Responses []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan speech.Event, 64)}
}

// AppendAudio records a copy of chunk and returns AppendErr.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Appended = append(s.Appended, cp)
	return s.AppendErr
}

// CommitAudio records the call and returns CommitErr.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCount++
	return s.CommitErr
}

// CreateResponse records instructions and returns ResponseErr.
func (s *Session) CreateResponse(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, instructions)
	return s.ResponseErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan speech.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close increments CloseCallCount and closes EventsCh once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.EventsCh) })
	return nil
}

// AppendedBytes returns the total number of bytes passed to AppendAudio.
func (s *Session) AppendedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Appended {
		n += len(c)
	}
	return n
}

// Commits returns CommitCount. Thread-safe.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCount
}

// ResponseCalls returns a copy of Responses. Thread-safe.
func (s *Session) ResponseCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Responses...)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements speech.Session at compile time.
var _ speech.Session = (*Session)(nil)
