package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// Compile-time assertion that Provider satisfies speech.Provider.
var _ speech.Provider = (*Provider)(nil)

// Provider wraps a [speech.Provider] with a [CircuitBreaker] around Connect.
// Established sessions are returned unchanged.
type Provider struct {
	inner   speech.Provider
	breaker *CircuitBreaker
}

// NewProvider returns a Provider guarding inner with a breaker built from cfg.
func NewProvider(inner speech.Provider, cfg CircuitBreakerConfig) *Provider {
	return &Provider{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Connect dials through the breaker. A cancelled ctx is not counted as an
// endpoint failure.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.Session, error) {
	var sess speech.Session
	var cancelled error
	err := p.breaker.Execute(func() error {
		s, err := p.inner.Connect(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				cancelled = err
				return nil
			}
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: speech connect: %w", err)
	}
	if cancelled != nil {
		return nil, cancelled
	}
	return sess, nil
}

// State returns the breaker state.
func (p *Provider) State() State { return p.breaker.State() }

// Healthy reports whether new sessions may currently be attempted.
func (p *Provider) Healthy() bool { return p.breaker.State() != StateOpen }
