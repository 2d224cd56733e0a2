package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/harun/halte/pkg/session"
)

// Fixed replies for degraded turns.
const (
	ApologyReply  = "I'm having trouble reaching the assistant service right now. Please try again in a moment."
	FallbackReply = "I found some information but couldn't put together a response. Please try again."
)

var (
	// ErrEmptyCompletion is returned by providers that produced no text.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrNoProviders is returned by a chain with nothing to call.
	ErrNoProviders = errors.New("no completion providers available")
)

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Reply     string          `json:"replyText"`
	Summary   session.Summary `json:"sessionSummary"`
	Retryable bool            `json:"retryable,omitempty"`
	Refused   bool            `json:"refused,omitempty"`
	ToolUsed  string          `json:"toolUsed,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderError wraps an upstream failure with its HTTP status, when known.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status, or 0.
func (e *ProviderError) StatusCode() int { return e.Status }

type statusError interface {
	error
	StatusCode() int
}

// IsRetryableError reports whether an upstream failure is transient:
// timeouts, connection resets, rate limits and server errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyCompletion) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var se statusError
	if errors.As(err, &se) && se.StatusCode() > 0 {
		code := se.StatusCode()
		return code == 408 || code == 429 || code >= 500
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"429", "rate limit", "500", "502", "503", "504", "timeout",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}

	return false
}
