// Package llm defines the provider contract the orchestration core consumes
// and HTTP implementations for Anthropic- and OpenAI-shaped APIs, plus a
// fallback chain across providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is a successful completion.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// ErrorKind classifies a provider failure.
type ErrorKind string

// Error kinds.
const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindUnavailable    ErrorKind = "unavailable"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTimeout        ErrorKind = "timeout"
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap lets callers classify with errors.Is(err, models.ErrLLMUnavailable)
// for the kinds the pipeline treats as retryable.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return models.ErrLLMUnavailable
	}
	return models.ErrInvalidInstruction
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Chain tries providers in order, falling through on unavailability.
// Invalid requests stop the chain immediately: a malformed prompt will not
// become valid on another provider.
type Chain struct {
	providers []Provider
}

// NewChain builds a fallback chain. At least one provider is required.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("llm chain requires at least one provider")
	}
	return &Chain{providers: providers}, nil
}

// Name identifies the chain by its primary provider.
func (c *Chain) Name() string { return c.providers[0].Name() + "+fallback" }

// Complete runs the request through the chain.
func (c *Chain) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for _, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindInvalidRequest {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// NewFromConfig builds the configured fallback chain. Provider API keys are
// read from the environment once, here, and never logged.
func NewFromConfig(cfg *config.LLMConfig) (*Chain, error) {
	order := cfg.Fallback
	if len(order) == 0 {
		for name := range cfg.Providers {
			order = append(order, name)
		}
	}

	var providers []Provider
	for _, name := range order {
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm fallback references unknown provider %q", name)
		}
		apiKey := ""
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}
		timeout := pc.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		switch pc.Type {
		case "anthropic":
			providers = append(providers, NewAnthropicProvider(name, pc.BaseURL, apiKey, timeout))
		case "openai":
			providers = append(providers, NewOpenAIProvider(name, pc.BaseURL, apiKey, timeout))
		default:
			return nil, fmt.Errorf("llm provider %q: unknown type %q", name, pc.Type)
		}
	}
	return NewChain(providers...)
}
