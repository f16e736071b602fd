// Package mock provides an in-memory implementation of
// [callcontrol.Controller] for use in unit tests.
//
// Every REST call is recorded as an [Op] in invocation order. Bridge and
// media channel IDs are handed out sequentially ("bridge-1", "media-1", ...).
// Events pushed on EventsCh are delivered through Events. It is safe for
// concurrent use.
//
// Example:
//
//	c := mock.New()
//	c.EventsCh <- callcontrol.Event{Kind: callcontrol.CallStarted, Channel: sip}
//	// ... run the code under test ...
//	ops := c.Ops()
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/MrWong99/rtpbridge/pkg/callcontrol"
)

// Compile-time interface assertion.
var _ callcontrol.Controller = (*Controller)(nil)

// Op records one REST-style call.
type Op struct {
	// Method is the Controller method name, e.g. "CreateBridge".
	Method string
	// Args are the string arguments in declaration order.
	Args []string
}

// Controller is a mock implementation of [callcontrol.Controller].
type Controller struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events.
	EventsCh chan callcontrol.Event

	// ConnectedVal is returned by Connected.
	ConnectedVal bool

	// RunErr is returned by Run after ctx is cancelled.
	RunErr error

	// Errors maps a method name to the error it returns.
	Errors map[string]error

	ops     []Op
	bridges int
	media   int
}

// New returns a Controller with a buffered event channel that reports itself
// connected.
func New() *Controller {
	return &Controller{
		EventsCh:     make(chan callcontrol.Event, 16),
		ConnectedVal: true,
		Errors:       map[string]error{},
	}
}

func (c *Controller) record(method string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, Op{Method: method, Args: args})
	return c.Errors[method]
}

// SetError configures the error returned by method.
func (c *Controller) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors[method] = err
}

// Ops returns a copy of every recorded call.
func (c *Controller) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Op, len(c.ops))
	copy(out, c.ops)
	return out
}

// OpsNamed returns the recorded calls of one method.
func (c *Controller) OpsNamed(method string) []Op {
	var out []Op
	for _, op := range c.Ops() {
		if op.Method == method {
			out = append(out, op)
		}
	}
	return out
}

// Run blocks until ctx is cancelled and returns RunErr.
func (c *Controller) Run(ctx context.Context) error {
	<-ctx.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RunErr
}

// Connected returns ConnectedVal.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectedVal
}

// SetConnected updates ConnectedVal.
func (c *Controller) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectedVal = v
}

// Events returns EventsCh.
func (c *Controller) Events() <-chan callcontrol.Event { return c.EventsCh }

// CreateBridge records the call and returns the next bridge ID.
func (c *Controller) CreateBridge(_ context.Context) (string, error) {
	if err := c.record("CreateBridge"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bridges++
	return "bridge-" + strconv.Itoa(c.bridges), nil
}

// AddChannel records the call.
func (c *Controller) AddChannel(_ context.Context, bridgeID, channelID string) error {
	return c.record("AddChannel", bridgeID, channelID)
}

// OriginateMedia records the call and returns the next media channel.
func (c *Controller) OriginateMedia(_ context.Context, host string, port int) (callcontrol.Channel, error) {
	if err := c.record("OriginateMedia", host, strconv.Itoa(port)); err != nil {
		return callcontrol.Channel{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media++
	return callcontrol.Channel{
		ID:   "media-" + strconv.Itoa(c.media),
		Name: fmt.Sprintf("%s%s:%d-%d", callcontrol.MediaChannelPrefix, host, port, c.media),
	}, nil
}

// Hangup records the call.
func (c *Controller) Hangup(_ context.Context, channelID string) error {
	return c.record("Hangup", channelID)
}

// DestroyBridge records the call.
func (c *Controller) DestroyBridge(_ context.Context, bridgeID string) error {
	return c.record("DestroyBridge", bridgeID)
}
