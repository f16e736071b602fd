// Package ari implements callcontrol.Controller for the Asterisk REST
// Interface.
//
// Call control uses the ARI REST resources under /ari; call lifecycle events
// arrive over the /ari/events WebSocket. The event stream is kept up by
// [Client.Run], which reconnects with exponential backoff whenever the
// connection drops.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/rtpbridge/pkg/callcontrol"
)

// Compile-time assertion that Client satisfies callcontrol.Controller.
var _ callcontrol.Controller = (*Client)(nil)

// Default reconnection parameters.
const (
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultMediaFormat = "ulaw"
	defaultTimeout     = 10 * time.Second
	eventBuffer        = 32
)

// Config configures a [Client].
type Config struct {
	// URL is the base HTTP URL of the Asterisk HTTP server, e.g.
	// "http://127.0.0.1:8088".
	URL string

	// Username and Password authenticate against ari.conf.
	Username string
	Password string

	// App is the Stasis application name channels are routed to.
	App string

	// MediaFormat is the codec requested for external media channels.
	// Defaults to "ulaw".
	MediaFormat string

	// Backoff is the initial delay before reconnecting the event stream.
	// Doubles each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the reconnect delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// HTTPClient is used for REST calls. Defaults to a client with a 10s
	// timeout and an OpenTelemetry-instrumented transport.
	HTTPClient *http.Client

	// Logger receives connection state changes. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to one Asterisk instance.
type Client struct {
	base       *url.URL
	user, pass string
	app        string
	format     string
	backoff    time.Duration
	maxBackoff time.Duration
	http       *http.Client
	log        *slog.Logger

	events    chan callcontrol.Event
	connected atomic.Bool
}

// New validates cfg and returns a Client. No connection is made until Run or
// a REST method is called.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ari: URL is required")
	}
	if cfg.App == "" {
		return nil, errors.New("ari: App is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ari: parse URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ari: URL scheme %q is not http or https", base.Scheme)
	}

	c := &Client{
		base:       base,
		user:       cfg.Username,
		pass:       cfg.Password,
		app:        cfg.App,
		format:     cfg.MediaFormat,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		http:       cfg.HTTPClient,
		log:        cfg.Logger,
		events:     make(chan callcontrol.Event, eventBuffer),
	}
	if c.format == "" {
		c.format = defaultMediaFormat
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// ── REST ──────────────────────────────────────────────────────────────────────

// apiError is the body Asterisk returns with 4xx/5xx responses.
type apiError struct {
	Message string `json:"message"`
}

// do issues one REST request against /ari/<path...> and decodes a JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method string, query url.Values, out any, path ...string) error {
	u := c.base.JoinPath(append([]string{"ari"}, path...)...)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ari: %s %s: read body: %w", method, u.Path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ari: %s %s: %w", method, u.Path, callcontrol.ErrNotFound)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var ae apiError
		msg := string(bytes.TrimSpace(body))
		if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
			msg = ae.Message
		}
		return fmt.Errorf("ari: %s %s: status %d: %s", method, u.Path, resp.StatusCode, msg)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("ari: %s %s: decode: %w", method, u.Path, err)
		}
	}
	return nil
}

type bridgeResource struct {
	ID string `json:"id"`
}

type channelResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var b bridgeResource
	if err := c.do(ctx, http.MethodPost, url.Values{"type": {"mixing"}}, &b, "bridges"); err != nil {
		return "", err
	}
	if b.ID == "" {
		return "", errors.New("ari: create bridge: response carries no id")
	}
	return b.ID, nil
}

// AddChannel adds channelID to bridgeID.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, url.Values{"channel": {channelID}}, nil, "bridges", bridgeID, "addChannel")
}

// OriginateMedia originates a UnicastRTP channel towards host:port in the
// configured media format and routes it into the Stasis application with the
// argument "media".
func (c *Client) OriginateMedia(ctx context.Context, host string, port int) (callcontrol.Channel, error) {
	q := url.Values{
		"endpoint": {callcontrol.MediaChannelPrefix + host + ":" + strconv.Itoa(port)},
		"app":      {c.app},
		"appArgs":  {"media"},
		"formats":  {c.format},
	}
	var ch channelResource
	if err := c.do(ctx, http.MethodPost, q, &ch, "channels"); err != nil {
		return callcontrol.Channel{}, err
	}
	if ch.ID == "" {
		return callcontrol.Channel{}, errors.New("ari: originate: response carries no id")
	}
	return callcontrol.Channel{ID: ch.ID, Name: ch.Name}, nil
}

// Hangup hangs up a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, nil, nil, "channels", channelID)
}

// DestroyBridge destroys a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, nil, nil, "bridges", bridgeID)
}

// ── Events ────────────────────────────────────────────────────────────────────

// Events returns the channel of call lifecycle events. It is never closed.
func (c *Client) Events() <-chan callcontrol.Event { return c.events }

// Connected reports whether the event WebSocket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// eventsURL returns the WebSocket URL of the event stream.
func (c *Client) eventsURL() string {
	u := c.base.JoinPath("ari", "events")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{
		"app":     {c.app},
		"api_key": {c.user + ":" + c.pass},
	}.Encode()
	return u.String()
}

// Run keeps the event stream connected until ctx is cancelled. Each
// connection failure is logged and retried after an exponentially growing
// delay; a connection that delivered events resets the delay. Run returns nil
// when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	currentBackoff := c.backoff
	attempt := 0
	for {
		delivered, err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			currentBackoff = c.backoff
			attempt = 0
		}
		attempt++

		c.log.Warn("ari event stream lost",
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > c.maxBackoff {
			currentBackoff = c.maxBackoff
		}
	}
}

// wireEvent is the subset of an ARI event the bridge reads.
type wireEvent struct {
	Type    string           `json:"type"`
	Channel *channelResource `json:"channel,omitempty"`
	Args    []string         `json:"args,omitempty"`
}

// stream runs one event WebSocket connection to completion. It reports
// whether any event was received.
func (c *Client) stream(ctx context.Context) (delivered bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.eventsURL(), nil)
	if err != nil {
		return false, fmt.Errorf("ari: dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("ari event stream connected", "app", c.app)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return delivered, fmt.Errorf("ari: read event: %w", err)
		}
		delivered = true

		var we wireEvent
		if err := json.Unmarshal(data, &we); err != nil {
			c.log.Warn("ari: undecodable event", "err", err)
			continue
		}
		evt, ok := translate(we)
		if !ok {
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

// translate maps an ARI event to a call lifecycle event.
func translate(we wireEvent) (callcontrol.Event, bool) {
	var kind callcontrol.EventKind
	switch we.Type {
	case "StasisStart":
		kind = callcontrol.CallStarted
	case "StasisEnd":
		kind = callcontrol.CallEnded
	default:
		return callcontrol.Event{}, false
	}
	if we.Channel == nil {
		return callcontrol.Event{}, false
	}
	return callcontrol.Event{
		Kind:    kind,
		Channel: callcontrol.Channel{ID: we.Channel.ID, Name: we.Channel.Name},
		Args:    we.Args,
	}, true
}
