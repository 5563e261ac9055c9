// Package breaker wraps an llm.Provider with a circuit breaker so a
// provider outage degrades into fast, uniform ErrorKind.ProviderTransient
// failures instead of every caller retrying against a dead backend.
// Grounded on github.com/sony/gobreaker usage in the example pack
// (basegraphhq-basegraph, jordigilh-kubernaut).
package breaker

import (
	"context"
	"fmt"

	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/llm"
	"github.com/sony/gobreaker"
)

// Provider wraps an llm.Provider's Complete and Embed calls in a
// gobreaker.CircuitBreaker. An open breaker surfaces as
// errkind.ProviderTransient so the agent loop's retry policy treats it the
// same as a scripted 5xx.
type Provider struct {
	inner llm.Provider
	cb    *gobreaker.CircuitBreaker
}

// New wraps inner with a circuit breaker named for provider (used in
// telemetry and error messages).
func New(provider string, inner llm.Provider) *Provider {
	settings := gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Provider{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errkind.Wrap(errkind.ProviderTransient, fmt.Sprintf("circuit breaker open for %s", p.cb.Name()), err)
		}
		return nil, err
	}
	return result.(*llm.Response), nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.Embed(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errkind.Wrap(errkind.ProviderTransient, fmt.Sprintf("circuit breaker open for %s", p.cb.Name()), err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (p *Provider) SupportsTools() bool { return p.inner.SupportsTools() }
func (p *Provider) Model() string       { return p.inner.Model() }
