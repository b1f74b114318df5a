// Package backend abstracts the generation service that turns prompts
// into diffs. Providers are interchangeable behind Client; the bridge
// never depends on which model produced a patch.
package backend

import (
	"context"
	"errors"
)

// ErrFault reports a backend failure (transport error, provider error,
// or timeout). Jobs carrying it transition to failed; the scheduler
// never retries automatically.
var ErrFault = errors.New("generation backend fault")

// Options are the bounded generation parameters a client may set per
// request. Zero values mean provider defaults.
type Options struct {
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// Clamp bounds options to sane ranges.
func (o Options) Clamp() Options {
	if o.MaxOutputTokens < 0 {
		o.MaxOutputTokens = 0
	}
	if o.MaxOutputTokens > 65536 {
		o.MaxOutputTokens = 65536
	}
	if o.Temperature < 0 {
		o.Temperature = 0
	}
	if o.Temperature > 2 {
		o.Temperature = 2
	}
	return o
}

// Client is a generation provider.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}

// StaticClient returns a fixed response. Used by the stub provider and
// by tests.
type StaticClient struct {
	Response string
	Err      error
}

func (s *StaticClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt, opts)
}

func (s *StaticClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Response, nil
}
