// Package provider defines the boundary to the text-generation service.
//
// The service is an opaque collaborator: genpool only needs a way to exchange
// (prompt, temperature, model, credential) for generated text plus a token
// count, and it classifies failures by pattern-matching the returned error
// text. Everything else (wire format, streaming, auth headers) stays behind
// the Generator interface so tests can substitute fakes.
package provider

import "context"

// Request is one generation call.
type Request struct {
	Prompt      string
	Temperature float64
	Model       string

	// Secret authenticates the call. Never log it unmasked.
	Secret string

	// MaxTokens caps the completion size. 0 means provider default.
	// Health probes set this to a minimal value to keep probe cost low.
	MaxTokens int
}

// Result is a successful generation.
type Result struct {
	Text       string
	TokensUsed int
}

// Generator issues one generation request.
//
// Implementations must return provider error text verbatim inside the error:
// the executor's classifier decides retry/rotation policy from that text.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
