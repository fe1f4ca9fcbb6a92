package llm

import (
	"context"
	"errors"
)

// Instrument wraps an adapter so every completion reports its provider and
// outcome, typically to a metrics counter. Outcomes are ok, rate_limited,
// malformed, disabled, or error.
func Instrument(next Adapter, observe func(provider, outcome string)) Adapter {
	if observe == nil {
		return next
	}
	return &instrumented{next: next, observe: observe}
}

type instrumented struct {
	next    Adapter
	observe func(provider, outcome string)
}

func (a *instrumented) Name() string { return a.next.Name() }

func (a *instrumented) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.next.Complete(ctx, req)
	a.observe(a.next.Name(), outcomeOf(err))
	return resp, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrDisabled):
		return "disabled"
	default:
		return "error"
	}
}
