// Package llm holds the classification stage: provider backends behind a
// single Invoke contract, the few-shot prompt builder, and the strict
// response parser.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Usage tracks token consumption of one collaborator call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Provider is the uniform contract every model backend satisfies. The
// caller bounds the call with a context deadline; a provider must return
// once the context is done.
type Provider interface {
	Invoke(ctx context.Context, prompt string) (string, Usage, error)
	Name() string
	Model() string
}

// Options selects and configures a backend. Variant backends are
// polymorphic implementations chosen by configuration.
type Options struct {
	Provider  string // "anthropic" or "openai"
	Model     string
	APIKey    string
	BaseURL   string // openai-compatible endpoint base, e.g. volcengine/siliconflow gateways
	MaxTokens int64
}

// NewProvider builds the configured backend.
func NewProvider(opts Options) (Provider, error) {
	switch opts.Provider {
	case "anthropic":
		return newAnthropicProvider(opts), nil
	case "openai":
		return newOpenAIProvider(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}

// IsTimeout reports whether an invoke error was a deadline expiry. Timeouts
// are transient and eligible for the orchestrator's unit-level retry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
