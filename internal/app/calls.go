package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/rtpbridge/internal/bridge"
	"github.com/MrWong99/rtpbridge/internal/calllog"
	"github.com/MrWong99/rtpbridge/internal/config"
	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/pkg/callcontrol"
	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// teardownTimeout bounds the PBX requests made while ending a call.
const teardownTimeout = 5 * time.Second

// End reasons recorded in the call log and the call duration metric.
const (
	ReasonHangup      = "hangup"
	ReasonReplaced    = "replaced"
	ReasonShutdown    = "shutdown"
	ReasonSpeechEnded = "speech_ended"
	ReasonSocketError = "socket_error"
	ReasonFailed      = "failed"
)

// ErrSetup wraps every failure to establish a call.
var ErrSetup = errors.New("app: call setup failed")

// Listener opens the RTP socket of a new call.
type Listener func(bindIP string, port int) (net.PacketConn, error)

// ListenUDP is the default [Listener].
func ListenUDP(bindIP string, port int) (net.PacketConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindIP), Port: port})
}

// CallInfo describes the active call.
type CallInfo struct {
	ID        string              `json:"id"`
	Channel   callcontrol.Channel `json:"channel"`
	Media     callcontrol.Channel `json:"media"`
	BridgeID  string              `json:"bridge_id"`
	LocalAddr string              `json:"local_addr"`
	StartedAt time.Time           `json:"started_at"`
}

// activeCall is everything owned by one running call.
type activeCall struct {
	info   CallInfo
	conn   net.PacketConn
	sess   speech.Session
	call   *bridge.Call
	span   trace.Span
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// CallManagerConfig holds the dependencies of a [CallManager].
type CallManagerConfig struct {
	Config     *config.Config
	Controller callcontrol.Controller
	Speech     speech.Provider
	CallLog    calllog.Store
	Metrics    *observe.Metrics
	Logger     *slog.Logger

	// Listen defaults to [ListenUDP].
	Listen Listener

	// Now defaults to time.Now.
	Now func() time.Time
}

// CallManager runs at most one call at a time. A new caller replaces the
// active call. All exported methods are safe for concurrent use.
type CallManager struct {
	cfg     atomic.Pointer[config.Config]
	ctrl    callcontrol.Controller
	speech  speech.Provider
	store   calllog.Store
	metrics *observe.Metrics
	log     *slog.Logger
	listen  Listener
	now     func() time.Time

	mu     sync.Mutex
	active *activeCall
}

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	m := &CallManager{
		ctrl:    cfg.Controller,
		speech:  cfg.Speech,
		store:   cfg.CallLog,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		listen:  cfg.Listen,
		now:     cfg.Now,
	}
	m.cfg.Store(cfg.Config)
	if m.store == nil {
		m.store = calllog.NewMemStore(0)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.listen == nil {
		m.listen = ListenUDP
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// UpdateConfig replaces the configuration used for calls started from now
// on. The active call keeps its settings.
func (m *CallManager) UpdateConfig(cfg *config.Config) { m.cfg.Store(cfg) }

// Active returns the active call, if any.
func (m *CallManager) Active() (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return CallInfo{}, false
	}
	return m.active.info, true
}

// Handle applies one call-control event. CallStarted for a caller replaces
// any active call; CallEnded ends the active call when it names one of its
// channels. Events for media channels and unrelated channels are ignored.
func (m *CallManager) Handle(ctx context.Context, evt callcontrol.Event) error {
	switch evt.Kind {
	case callcontrol.CallStarted:
		if evt.Channel.IsMedia() {
			m.log.Debug("media channel entered application", "channel_id", evt.Channel.ID)
			return nil
		}
		return m.start(ctx, evt.Channel)

	case callcontrol.CallEnded:
		m.mu.Lock()
		defer m.mu.Unlock()
		ac := m.active
		if ac == nil || (evt.Channel.ID != ac.info.Channel.ID && evt.Channel.ID != ac.info.Media.ID) {
			m.log.Debug("ignoring end of unrelated channel", "channel_id", evt.Channel.ID)
			return nil
		}
		m.teardownLocked(ac, ReasonHangup, evt.Channel.ID)
	}
	return nil
}

// Close ends the active call, if any.
func (m *CallManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.teardownLocked(m.active, ReasonShutdown, "")
	}
}

// start sets up a call for the caller channel sip. Partially created
// resources are released on failure and the caller is hung up.
func (m *CallManager) start(ctx context.Context, sip callcontrol.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.log.Info("new caller replaces active call", "call_id", m.active.info.ID, "channel_id", sip.ID)
		m.teardownLocked(m.active, ReasonReplaced, "")
	}

	cfg := m.cfg.Load()
	id := uuid.NewString()
	spanCtx, span := observe.StartSpan(context.Background(), "rtpbridge.call",
		trace.WithAttributes(
			attribute.String("call.id", id),
			attribute.String("call.channel_id", sip.ID),
		),
	)
	log := observe.WithTrace(spanCtx, m.log).With("call_id", id, "channel_id", sip.ID)

	ac := &activeCall{
		info: CallInfo{ID: id, Channel: sip, StartedAt: m.now()},
		span: span,
		log:  log,
		done: make(chan struct{}),
	}

	if err := m.setup(ctx, cfg, ac); err != nil {
		log.Error("call setup failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		m.release(ac, "")
		span.End()
		m.record(ac, ReasonFailed)
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	runCtx, cancel := context.WithCancel(spanCtx)
	ac.cancel = cancel
	ac.call = bridge.NewCall(cfg.BridgeConfig(), ac.conn, ac.sess,
		bridge.WithLogger(log),
		bridge.WithMetrics(m.metrics),
	)
	m.active = ac
	m.metrics.ActiveCalls.Add(ctx, 1)

	go func() {
		err := ac.call.Run(runCtx)
		close(ac.done)
		if err != nil {
			m.onRunExit(ac, err)
		}
	}()

	log.Info("call started",
		"bridge_id", ac.info.BridgeID,
		"media_channel_id", ac.info.Media.ID,
		"local_addr", ac.info.LocalAddr,
	)
	return nil
}

// setup binds the socket, opens the speech session and wires the PBX bridge.
func (m *CallManager) setup(ctx context.Context, cfg *config.Config, ac *activeCall) error {
	conn, err := m.listen(cfg.RTP.BindIP, cfg.RTP.BindPort)
	if err != nil {
		return fmt.Errorf("bind rtp socket: %w", err)
	}
	ac.conn = conn
	ac.info.LocalAddr = conn.LocalAddr().String()

	port := cfg.RTP.BindPort
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = ua.Port
	}

	sess, err := m.speech.Connect(ctx, cfg.SessionConfig())
	if err != nil {
		return fmt.Errorf("connect speech session: %w", err)
	}
	ac.sess = sess

	bridgeID, err := m.ctrl.CreateBridge(ctx)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	ac.info.BridgeID = bridgeID

	if err := m.ctrl.AddChannel(ctx, bridgeID, ac.info.Channel.ID); err != nil {
		return fmt.Errorf("add caller to bridge: %w", err)
	}

	media, err := m.ctrl.OriginateMedia(ctx, cfg.RTP.AdvertiseHost, port)
	if err != nil {
		return fmt.Errorf("originate media channel: %w", err)
	}
	ac.info.Media = media

	if err := m.ctrl.AddChannel(ctx, bridgeID, media.ID); err != nil {
		return fmt.Errorf("add media channel to bridge: %w", err)
	}
	return nil
}

// onRunExit ends a call whose event loop stopped on its own.
func (m *CallManager) onRunExit(ac *activeCall, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != ac {
		return
	}
	reason := ReasonSocketError
	if errors.Is(err, bridge.ErrSpeechEnded) {
		reason = ReasonSpeechEnded
	}
	ac.log.Warn("call loop stopped", "err", err)
	ac.span.RecordError(err)
	m.teardownLocked(ac, reason, "")
}

// teardownLocked stops the event loop, releases all resources and records
// the call. gone names a channel the PBX already removed. m.mu must be held.
func (m *CallManager) teardownLocked(ac *activeCall, reason, gone string) {
	if m.active == ac {
		m.active = nil
	}
	if ac.cancel != nil {
		ac.cancel()
		<-ac.done
	}

	m.release(ac, gone)

	dur := m.now().Sub(ac.info.StartedAt)
	m.metrics.RecordCallEnd(context.Background(), dur, reason)
	m.record(ac, reason)
	ac.span.SetAttributes(attribute.String("call.end_reason", reason))
	ac.span.End()
	ac.log.Info("call ended", "reason", reason, "duration", dur)
}

// release hangs up the call's channels except gone, destroys its bridge and
// closes the speech session and socket. Missing PBX resources are not errors.
func (m *CallManager) release(ac *activeCall, gone string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	var errs []error
	ignore := func(err error) error {
		if errors.Is(err, callcontrol.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, id := range []string{ac.info.Media.ID, ac.info.Channel.ID} {
		if id != "" && id != gone {
			errs = append(errs, ignore(m.ctrl.Hangup(ctx, id)))
		}
	}
	if ac.info.BridgeID != "" {
		errs = append(errs, ignore(m.ctrl.DestroyBridge(ctx, ac.info.BridgeID)))
	}
	if ac.sess != nil {
		errs = append(errs, ac.sess.Close())
	}
	if ac.conn != nil {
		if err := ac.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		ac.log.Warn("call teardown incomplete", "err", err)
	}
}

// record writes the call log entry for ac.
func (m *CallManager) record(ac *activeCall, reason string) {
	r := calllog.Record{
		ID:        ac.info.ID,
		ChannelID: ac.info.Channel.ID,
		Caller:    ac.info.Channel.Name,
		StartedAt: ac.info.StartedAt,
		EndedAt:   m.now(),
		Reason:    reason,
	}
	if ac.call != nil {
		st := ac.call.Stats()
		r.PacketsReceived = st.PacketsReceived
		r.PacketsSent = st.PacketsSent
		r.BytesReceived = st.BytesReceived
		r.Turns = st.Turns
		r.Transcript = st.Transcript
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := m.store.Write(ctx, r); err != nil {
		ac.log.Warn("call log write failed", "err", err)
	}
}
