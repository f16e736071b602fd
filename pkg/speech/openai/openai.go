// Package openai implements the speech.Provider interface for OpenAI's
// Realtime API.
//
// It opens a WebSocket to the Realtime endpoint, configures the session for
// G.711 µ-law in both directions, and exchanges JSON events. Outgoing events
// are queued and written by a dedicated goroutine so that callers on the
// real-time audio path never wait on the network. Incoming events are
// translated into speech.Event values.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// Compile-time assertions that Provider and session satisfy the speech interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.Session = (*session)(nil)

const (
	defaultModel     = "gpt-4o-realtime-preview-2024-12-17"
	defaultBaseURL   = "wss://api.openai.com/v1/realtime"
	defaultSendQueue = 256
	eventBuffer      = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets how many outgoing events may be buffered before
// session methods start returning speech.ErrBackpressure.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements speech.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	sendQueue int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		sendQueue: defaultSendQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint and sends the session.update event
// built from cfg before returning.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas for long responses easily exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, p.sendQueue),
		events: make(chan speech.Event, eventBuffer),
		voice:  cfg.Voice,
		output: orDefault(cfg.OutputFormat, speech.FormatG711ULaw),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	data, err := json.Marshal(newSessionUpdate(cfg))
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: marshal session update: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.writeLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"` // base64
}

type simpleMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type responseCreateMessage struct {
	EventID  string         `json:"event_id"`
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities        []string `json:"modalities"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// Audio and text deltas. Older API revisions put audio in "delta", some
	// newer ones in "audio".
	Delta string `json:"delta,omitempty"`
	Audio string `json:"audio,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

func newEventID() string {
	return "evt_" + uuid.NewString()[:12]
}

func newSessionUpdate(cfg speech.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  orDefault(cfg.InputFormat, speech.FormatG711ULaw),
		OutputAudioFormat: orDefault(cfg.OutputFormat, speech.FormatG711ULaw),
	}
	if td := cfg.TurnDetection; td.Type != "" {
		params.TurnDetection = &turnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	return sessionUpdateMessage{EventID: newEventID(), Type: "session.update", Session: params}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	events chan speech.Event
	voice  string
	output string

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// enqueue marshals v and hands it to the writer goroutine without blocking.
func (s *session) enqueue(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return speech.ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return speech.ErrBackpressure
	}
}

// writeLoop drains sendCh onto the WebSocket until the session ends.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("openai: write: %w", err))
					s.cancel()
				}
				return
			}
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("openai: read: %w", err))
				s.cancel()
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.emit(speech.Event{Kind: speech.EventError, Err: fmt.Errorf("openai: decode event: %w", err)})
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		payload := evt.Audio
		if payload == "" {
			payload = evt.Delta
		}
		if payload == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			s.emit(speech.Event{Kind: speech.EventError, Err: fmt.Errorf("openai: decode audio delta: %w", err)})
			return
		}
		if len(audio) == 0 {
			return
		}
		s.emit(speech.Event{Kind: speech.EventAudioDelta, Audio: audio})

	case "response.audio.done", "response.output_audio.done":
		s.emit(speech.Event{Kind: speech.EventAudioDone})

	case "response.text.delta", "response.output_text.delta", "response.audio_transcript.delta":
		if evt.Delta != "" {
			s.emit(speech.Event{Kind: speech.EventTextDelta, Text: evt.Delta})
		}

	case "input_audio_buffer.committed":
		s.emit(speech.Event{Kind: speech.EventInputCommitted})

	case "response.created":
		s.emit(speech.Event{Kind: speech.EventResponseCreated})

	case "response.done", "response.completed":
		s.emit(speech.Event{Kind: speech.EventResponseDone})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
			if evt.Error.Code != "" {
				msg = evt.Error.Code + ": " + msg
			}
		}
		s.emit(speech.Event{Kind: speech.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (s *session) emit(evt speech.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendAudio queues an input_audio_buffer.append event.
func (s *session) AppendAudio(chunk []byte) error {
	return s.enqueue(appendAudioMessage{
		EventID: newEventID(),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio queues an input_audio_buffer.commit event.
func (s *session) CommitAudio() error {
	return s.enqueue(simpleMessage{EventID: newEventID(), Type: "input_audio_buffer.commit"})
}

// CreateResponse queues a response.create event asking for audio and text.
func (s *session) CreateResponse(instructions string) error {
	return s.enqueue(responseCreateMessage{
		EventID: newEventID(),
		Type:    "response.create",
		Response: responseParams{
			Modalities:        []string{"audio", "text"},
			Instructions:      instructions,
			Voice:             s.voice,
			OutputAudioFormat: s.output,
		},
	})
}

// Events returns the channel on which model events arrive.
func (s *session) Events() <-chan speech.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
