package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role values understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Messages []Message
	// JSON asks the backend to constrain its output to a JSON object.
	JSON bool
}

// Completer is the language-model collaborator used for extraction and
// conversational replies. Implementations must honour ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Provider names accepted in configuration.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// ErrDisabled is returned by the no-op completer.
var ErrDisabled = errors.New("language model disabled")

// Options selects and configures a backend.
type Options struct {
	Provider          string
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerSecond float64
}

// New builds the Completer described by opts, wrapped in a rate limiter when
// RequestsPerSecond is positive.
func New(opts Options) (Completer, error) {
	var c Completer
	switch strings.ToLower(opts.Provider) {
	case ProviderOllama, "":
		if opts.Model == "" {
			return nil, fmt.Errorf("ollama: model is required")
		}
		c = NewOllama(opts.BaseURL, opts.Model)
	case ProviderOpenAI:
		if opts.Model == "" {
			return nil, fmt.Errorf("openai: model is required")
		}
		c = NewOpenAI(opts.BaseURL, opts.APIKey, opts.Model)
	case ProviderNone:
		c = Disabled{}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	if opts.RequestsPerSecond > 0 {
		c = NewLimited(c, opts.RequestsPerSecond, 1)
	}
	return c, nil
}

// Disabled always fails; callers fall back to their degraded path.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (string, error) { return "", ErrDisabled }
