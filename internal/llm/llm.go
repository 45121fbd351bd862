// Package llm provides text-generation providers and model routing.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConfigured reports a provider that was selected but has no
	// credential. Surfaced before any call is attempted.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrUnavailable reports a provider that is unreachable or failing.
	// Timeouts are classified the same way for retry purposes.
	ErrUnavailable = errors.New("provider unavailable")
)

// Generator produces text from a system instruction and a user prompt using
// the given model. GenerateStream invokes fn for each incremental chunk;
// returning an error from fn abandons the call. Both respect ctx cancellation
// and carry an explicit client timeout.
type Generator interface {
	Generate(ctx context.Context, model, system, user string) (string, error)
	GenerateStream(ctx context.Context, model, system, user string, fn func(chunk string) error) error
}

// ProviderKind is the closed set of generation backends.
type ProviderKind int

const (
	// ProviderLocal is the local Ollama runtime.
	ProviderLocal ProviderKind = iota
	// ProviderHosted is the hosted OpenAI API.
	ProviderHosted
)

// Provider is a resolved model routing decision.
type Provider struct {
	Kind  ProviderKind
	Model string
}

// hostedPrefixes are the model-name prefixes served by the hosted API.
var hostedPrefixes = []string{"gpt-", "o1-", "o3-"}

// Route resolves a model identifier to a provider at request construction
// time, so an unconfigured hosted provider fails before any call is made.
// Names with a hosted prefix go to the hosted API; everything else is local.
func Route(model string) Provider {
	for _, prefix := range hostedPrefixes {
		if strings.HasPrefix(model, prefix) {
			return Provider{Kind: ProviderHosted, Model: model}
		}
	}
	return Provider{Kind: ProviderLocal, Model: model}
}
