package app_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/rtpbridge/internal/app"
	"github.com/MrWong99/rtpbridge/internal/calllog"
	"github.com/MrWong99/rtpbridge/internal/config"
	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/pkg/callcontrol"
	ccmock "github.com/MrWong99/rtpbridge/pkg/callcontrol/mock"
	"github.com/MrWong99/rtpbridge/pkg/rtp"
	speechmock "github.com/MrWong99/rtpbridge/pkg/speech/mock"
)

var caller = callcontrol.Channel{ID: "sip-1", Name: "PJSIP/100-00000001"}

// testConfig returns a valid config bound to the loopback interface.
func testConfig() *config.Config {
	cfg := &config.Config{
		RTP: config.RTPConfig{
			BindIP:        "127.0.0.1",
			AdvertiseHost: "127.0.0.1",
		},
		Speech: config.SpeechConfig{
			Provider: config.SpeechOpenAI,
			APIKey:   "sk-test",
		},
		ARI: config.ARIConfig{
			URL: "http://127.0.0.1:8088",
			App: "rtpbridge",
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

type fixture struct {
	m      *app.CallManager
	ctrl   *ccmock.Controller
	speech *speechmock.Provider
	store  *calllog.MemStore
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		ctrl:   ccmock.New(),
		speech: &speechmock.Provider{},
		store:  calllog.NewMemStore(0),
		reader: reader,
	}
	f.m = app.NewCallManager(app.CallManagerConfig{
		Config:     testConfig(),
		Controller: f.ctrl,
		Speech:     f.speech,
		CallLog:    f.store,
		Metrics:    metrics,
	})
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) start(t *testing.T, ch callcontrol.Channel) {
	t.Helper()
	if err := f.m.Handle(context.Background(), callcontrol.Event{Kind: callcontrol.CallStarted, Channel: ch}); err != nil {
		t.Fatalf("Handle(CallStarted): %v", err)
	}
}

func (f *fixture) end(t *testing.T, id string) {
	t.Helper()
	if err := f.m.Handle(context.Background(), callcontrol.Event{Kind: callcontrol.CallEnded, Channel: callcontrol.Channel{ID: id}}); err != nil {
		t.Fatalf("Handle(CallEnded): %v", err)
	}
}

func (f *fixture) lastSession(t *testing.T) *speechmock.Session {
	t.Helper()
	calls := f.speech.Calls()
	if len(calls) == 0 {
		t.Fatal("speech provider was never connected")
	}
	return f.speech.Sessions[len(f.speech.Sessions)-1]
}

func hasOp(ops []ccmock.Op, method string, args ...string) bool {
	for _, op := range ops {
		if op.Method != method || len(op.Args) != len(args) {
			continue
		}
		match := true
		for i := range args {
			if op.Args[i] != args[i] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recordFor(t *testing.T, s calllog.Store, channelID string) calllog.Record {
	t.Helper()
	recent, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for _, r := range recent {
		if r.ChannelID == channelID {
			return r
		}
	}
	t.Fatalf("no call log record for %s", channelID)
	return calllog.Record{}
}

func TestCallManager_StartWiresBridge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)

	info, ok := f.m.Active()
	if !ok {
		t.Fatal("no active call after CallStarted")
	}
	if info.Channel != caller || info.BridgeID != "bridge-1" || info.Media.ID != "media-1" {
		t.Errorf("Active = %+v", info)
	}

	_, port, err := net.SplitHostPort(info.LocalAddr)
	if err != nil {
		t.Fatalf("LocalAddr %q: %v", info.LocalAddr, err)
	}
	want := []ccmock.Op{
		{Method: "CreateBridge"},
		{Method: "AddChannel", Args: []string{"bridge-1", "sip-1"}},
		{Method: "OriginateMedia", Args: []string{"127.0.0.1", port}},
		{Method: "AddChannel", Args: []string{"bridge-1", "media-1"}},
	}
	ops := f.ctrl.Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v, want %+v", ops, want)
	}
	for i := range want {
		if !hasOp(ops[i:i+1], want[i].Method, want[i].Args...) {
			t.Errorf("op[%d] = %+v, want %+v", i, ops[i], want[i])
		}
	}

	cfg := f.speech.Calls()[0].Cfg
	if cfg.Voice != "alloy" || cfg.TurnDetection.Type != "server_vad" {
		t.Errorf("session config = %+v", cfg)
	}
}

func TestCallManager_ForwardsAudioAndRecordsHangup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)
	info, _ := f.m.Active()
	sess := f.lastSession(t)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer client.Close()
	dst, err := net.ResolveUDPAddr("udp", info.LocalAddr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	hdr := rtp.BuildHeader(1, 0, 0x1234, false, 0)
	pkt := rtp.Packet(hdr, rtp.Silence(1)[0])
	if _, err := client.WriteTo(pkt, dst); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	waitFor(t, "audio forwarded", func() bool { return sess.AppendedBytes() == rtp.FrameBytes })

	f.end(t, caller.ID)

	if _, ok := f.m.Active(); ok {
		t.Error("call still active after hangup")
	}
	ops := f.ctrl.Ops()
	if !hasOp(ops, "Hangup", "media-1") || !hasOp(ops, "DestroyBridge", "bridge-1") {
		t.Errorf("teardown ops = %+v", ops)
	}
	if hasOp(ops, "Hangup", caller.ID) {
		t.Error("caller channel hung up after it already left")
	}
	if sess.Closes() != 1 {
		t.Errorf("session Closes = %d, want 1", sess.Closes())
	}

	rec := recordFor(t, f.store, caller.ID)
	if rec.Reason != app.ReasonHangup || rec.Caller != caller.Name {
		t.Errorf("record = %+v", rec)
	}
	if rec.PacketsReceived != 1 || rec.BytesReceived != rtp.FrameBytes {
		t.Errorf("record counters = %d packets, %d bytes", rec.PacketsReceived, rec.BytesReceived)
	}
	if rec.ID != info.ID {
		t.Errorf("record ID = %q, want %q", rec.ID, info.ID)
	}
}

func TestCallManager_MediaChannelEndHangsUpCaller(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)
	f.end(t, "media-1")

	ops := f.ctrl.Ops()
	if !hasOp(ops, "Hangup", caller.ID) {
		t.Error("caller not hung up after media channel ended")
	}
	if hasOp(ops, "Hangup", "media-1") {
		t.Error("media channel hung up after it already left")
	}
}

func TestCallManager_IgnoresUnrelatedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.start(t, callcontrol.Channel{ID: "media-9", Name: callcontrol.MediaChannelPrefix + "127.0.0.1:4000-1"})
	if len(f.ctrl.Ops()) != 0 {
		t.Errorf("media channel start produced ops %+v", f.ctrl.Ops())
	}

	f.end(t, "nobody")

	f.start(t, caller)
	f.end(t, "sip-other")
	if _, ok := f.m.Active(); !ok {
		t.Error("unrelated CallEnded tore down the active call")
	}
}

func TestCallManager_NewCallerReplacesActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)
	first := f.lastSession(t)

	second := callcontrol.Channel{ID: "sip-2", Name: "PJSIP/200-00000002"}
	f.start(t, second)

	info, ok := f.m.Active()
	if !ok || info.Channel.ID != "sip-2" || info.BridgeID != "bridge-2" {
		t.Fatalf("Active = %+v, %v", info, ok)
	}
	ops := f.ctrl.Ops()
	for _, id := range []string{"media-1", "sip-1"} {
		if !hasOp(ops, "Hangup", id) {
			t.Errorf("%s not hung up on replacement", id)
		}
	}
	if !hasOp(ops, "DestroyBridge", "bridge-1") {
		t.Error("first bridge not destroyed")
	}
	if first.Closes() != 1 {
		t.Errorf("first session Closes = %d, want 1", first.Closes())
	}
	if rec := recordFor(t, f.store, "sip-1"); rec.Reason != app.ReasonReplaced {
		t.Errorf("first call reason = %q, want %q", rec.Reason, app.ReasonReplaced)
	}
}

func TestCallManager_SetupFailure(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		setup     func(f *fixture)
		wantOps   [][]string
		absentOps [][]string
	}{
		{
			name:      "speech connect",
			setup:     func(f *fixture) { f.speech.ConnectErr = errBoom },
			wantOps:   [][]string{{"Hangup", "sip-1"}},
			absentOps: [][]string{{"CreateBridge"}},
		},
		{
			name:      "create bridge",
			setup:     func(f *fixture) { f.ctrl.SetError("CreateBridge", errBoom) },
			wantOps:   [][]string{{"Hangup", "sip-1"}},
			absentOps: [][]string{{"DestroyBridge", "bridge-1"}},
		},
		{
			name:    "originate media",
			setup:   func(f *fixture) { f.ctrl.SetError("OriginateMedia", errBoom) },
			wantOps: [][]string{{"Hangup", "sip-1"}, {"DestroyBridge", "bridge-1"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)

			err := f.m.Handle(context.Background(), callcontrol.Event{Kind: callcontrol.CallStarted, Channel: caller})
			if !errors.Is(err, app.ErrSetup) || !errors.Is(err, errBoom) {
				t.Fatalf("Handle err = %v, want ErrSetup wrapping boom", err)
			}
			if _, ok := f.m.Active(); ok {
				t.Error("failed call left active")
			}
			ops := f.ctrl.Ops()
			for _, op := range tt.wantOps {
				if !hasOp(ops, op[0], op[1:]...) {
					t.Errorf("missing op %v in %+v", op, ops)
				}
			}
			for _, op := range tt.absentOps {
				if hasOp(ops, op[0], op[1:]...) {
					t.Errorf("unexpected op %v", op)
				}
			}
			for _, s := range f.speech.Sessions {
				if s.Closes() != 1 {
					t.Errorf("session Closes = %d, want 1", s.Closes())
				}
			}
			if rec := recordFor(t, f.store, caller.ID); rec.Reason != app.ReasonFailed {
				t.Errorf("reason = %q, want %q", rec.Reason, app.ReasonFailed)
			}
		})
	}
}

func TestCallManager_ListenFailure(t *testing.T) {
	t.Parallel()
	ctrl := ccmock.New()
	sp := &speechmock.Provider{}
	m := app.NewCallManager(app.CallManagerConfig{
		Config:     testConfig(),
		Controller: ctrl,
		Speech:     sp,
		Listen: func(string, int) (net.PacketConn, error) {
			return nil, errors.New("address in use")
		},
	})

	err := m.Handle(context.Background(), callcontrol.Event{Kind: callcontrol.CallStarted, Channel: caller})
	if !errors.Is(err, app.ErrSetup) {
		t.Fatalf("Handle err = %v, want ErrSetup", err)
	}
	if len(sp.Calls()) != 0 {
		t.Error("speech connected despite socket failure")
	}
	if !hasOp(ctrl.Ops(), "Hangup", caller.ID) {
		t.Error("caller not hung up")
	}
}

func TestCallManager_SpeechEndEndsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)
	sess := f.lastSession(t)

	sess.Close()
	waitFor(t, "call teardown", func() bool {
		_, ok := f.m.Active()
		return !ok
	})

	ops := f.ctrl.Ops()
	for _, id := range []string{"media-1", "sip-1"} {
		if !hasOp(ops, "Hangup", id) {
			t.Errorf("%s not hung up", id)
		}
	}
	if rec := recordFor(t, f.store, caller.ID); rec.Reason != app.ReasonSpeechEnded {
		t.Errorf("reason = %q, want %q", rec.Reason, app.ReasonSpeechEnded)
	}
}

func TestCallManager_CloseRecordsShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)
	f.m.Close()

	if _, ok := f.m.Active(); ok {
		t.Error("call active after Close")
	}
	if rec := recordFor(t, f.store, caller.ID); rec.Reason != app.ReasonShutdown {
		t.Errorf("reason = %q, want %q", rec.Reason, app.ReasonShutdown)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var active int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "rtpbridge.active_calls" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			active = 0
			for _, dp := range sum.DataPoints {
				active += dp.Value
			}
		}
	}
	if active != 0 {
		t.Errorf("active_calls = %d, want 0", active)
	}
}

func TestCallManager_UpdateConfigAppliesToNextCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t, caller)

	cfg := testConfig()
	cfg.Speech.Voice = "verse"
	f.m.UpdateConfig(cfg)

	f.start(t, callcontrol.Channel{ID: "sip-2", Name: "PJSIP/200-1"})
	calls := f.speech.Calls()
	if len(calls) != 2 {
		t.Fatalf("Connect calls = %d, want 2", len(calls))
	}
	if calls[0].Cfg.Voice != "alloy" || calls[1].Cfg.Voice != "verse" {
		t.Errorf("voices = %q, %q", calls[0].Cfg.Voice, calls[1].Cfg.Voice)
	}
}

func TestCallManager_FixedPort(t *testing.T) {
	t.Parallel()
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	cfg := testConfig()
	cfg.RTP.BindPort = port
	ctrl := ccmock.New()
	m := app.NewCallManager(app.CallManagerConfig{Config: cfg, Controller: ctrl, Speech: &speechmock.Provider{}})
	t.Cleanup(m.Close)

	if err := m.Handle(context.Background(), callcontrol.Event{Kind: callcontrol.CallStarted, Channel: caller}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !hasOp(ctrl.Ops(), "OriginateMedia", "127.0.0.1", strconv.Itoa(port)) {
		t.Errorf("OriginateMedia not given port %d: %+v", port, ctrl.OpsNamed("OriginateMedia"))
	}
}
