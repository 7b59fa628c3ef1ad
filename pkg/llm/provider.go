// Package llm provides the optional language-model backend used to classify
// and explain findings. Callers depend on Client; a nil Client means
// heuristic-only operation.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

// Client completes a single prompt. Implementations must honour ctx.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Provider is a configured model backend.
type Provider interface {
	Client
	ListModels(ctx context.Context) ([]string, error)
	Close() error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

func (f ClientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
