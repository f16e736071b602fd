// Package app wires all rtpbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the call-control
// client, speech provider, call log and HTTP server; Run connects to the PBX
// and dispatches its events until the context is cancelled; Shutdown ends the
// active call and releases everything in order.
//
// For testing, inject mock implementations via functional options
// (WithController, WithSpeechProvider, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rtpbridge/internal/calllog"
	"github.com/MrWong99/rtpbridge/internal/config"
	"github.com/MrWong99/rtpbridge/internal/health"
	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/internal/resilience"
	"github.com/MrWong99/rtpbridge/pkg/callcontrol"
	"github.com/MrWong99/rtpbridge/pkg/callcontrol/ari"
	"github.com/MrWong99/rtpbridge/pkg/speech"
	"github.com/MrWong99/rtpbridge/pkg/speech/openai"
)

// recentCallsLimit is the default page size of GET /calls.
const recentCallsLimit = 50

// App owns all subsystem lifetimes and routes call-control events to the
// call manager.
type App struct {
	cfg *config.Config

	ctrl      callcontrol.Controller
	rawSpeech speech.Provider
	speech    *resilience.Provider
	store     calllog.Store
	metrics   *observe.Metrics
	calls     *CallManager
	log       *slog.Logger

	levels   *slog.LevelVar
	gatherer prometheus.Gatherer
	listen   Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithController injects a call controller instead of dialling ARI.
func WithController(c callcontrol.Controller) Option {
	return func(a *App) { a.ctrl = c }
}

// WithSpeechProvider injects a speech provider. It is wrapped in the same
// circuit breaker as the configured provider.
func WithSpeechProvider(p speech.Provider) Option {
	return func(a *App) { a.rawSpeech = p }
}

// WithCallLog injects a call log store instead of creating one from config.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable adjusted when the log level is
// reloaded.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithGatherer sets the registry served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithListener sets how per-call RTP sockets are opened.
func WithListener(l Listener) Option {
	return func(a *App) { a.listen = l }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App from cfg. Subsystems not injected through opts are
// created from the configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	if err := a.initController(); err != nil {
		return nil, err
	}
	a.initSpeech()
	if err := a.initCallLog(ctx); err != nil {
		return nil, err
	}

	a.calls = NewCallManager(CallManagerConfig{
		Config:     cfg,
		Controller: a.ctrl,
		Speech:     a.speech,
		CallLog:    a.store,
		Metrics:    a.metrics,
		Logger:     a.log,
		Listen:     a.listen,
	})

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) initController() error {
	if a.ctrl != nil {
		return nil
	}
	c, err := ari.New(ari.Config{
		URL:         a.cfg.ARI.URL,
		Username:    a.cfg.ARI.Username,
		Password:    a.cfg.ARI.Password,
		App:         a.cfg.ARI.App,
		MediaFormat: a.cfg.ARI.MediaFormat,
		Logger:      a.log.With("component", "ari"),
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.ctrl = c
	return nil
}

func (a *App) initSpeech() {
	inner := a.rawSpeech
	if inner == nil {
		var opts []openai.Option
		if a.cfg.Speech.Model != "" {
			opts = append(opts, openai.WithModel(a.cfg.Speech.Model))
		}
		if a.cfg.Speech.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.cfg.Speech.BaseURL))
		}
		inner = openai.New(a.cfg.Speech.APIKey, opts...)
	}
	a.speech = resilience.NewProvider(inner, resilience.CircuitBreakerConfig{
		Name:   "speech",
		Logger: a.log,
	})
}

func (a *App) initCallLog(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.CallLog.PostgresDSN == "" {
		a.store = calllog.NewMemStore(0)
		return nil
	}
	pg, err := calllog.NewPostgresStore(ctx, a.cfg.CallLog.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// Handler returns the HTTP handler serving health, metrics and the call log.
func (a *App) Handler() http.Handler {
	checks := []health.Checker{
		health.Condition("ari", "event stream disconnected", a.ctrl.Connected),
		health.Condition("speech", "circuit open", a.speech.Healthy),
	}
	if pg, ok := a.store.(*calllog.PostgresStore); ok {
		checks = append(checks, health.Checker{Name: "calllog", Check: pg.Ping})
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /calls", a.handleCalls)
	mux.HandleFunc("GET /calls/active", a.handleActive)
	mux.HandleFunc("GET /calls/{id}", a.handleCall)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := recentCallsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list calls", "err", err)
		http.Error(w, "call log unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *App) handleCall(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, calllog.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("get call", "err", err)
		http.Error(w, "call log unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleActive(w http.ResponseWriter, _ *http.Request) {
	info, ok := a.calls.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// Run connects to the PBX, serves HTTP and dispatches call-control events
// until ctx is cancelled or a subsystem fails. It returns nil on
// cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.ctrl.Run(ctx); err != nil {
			return fmt.Errorf("app: call control: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.dispatch(ctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// dispatch hands events to the call manager one at a time.
func (a *App) dispatch(ctx context.Context) {
	events := a.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("call-control event", "kind", evt.Kind, "channel_id", evt.Channel.ID, "channel", evt.Channel.Name)
			if err := a.calls.Handle(ctx, evt); err != nil {
				a.log.Error("handle call-control event", "kind", evt.Kind, "channel_id", evt.Channel.ID, "err", err)
			}
		}
	}
}

// Reload applies a changed configuration. The log level changes at once;
// tuning and speech settings apply to calls started afterwards. Keys that
// need a restart are logged and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged || d.SpeechChanged {
		a.calls.UpdateConfig(new)
		a.log.Info("call settings reloaded", "tuning", d.TuningChanged, "speech", d.SpeechChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "keys", d.RestartRequired)
	}
}

// Shutdown ends the active call and releases all subsystems. It is safe to
// call more than once; later calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			a.calls.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: end active call: %w", ctx.Err()))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
