package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited throttles calls to the wrapped Completer.
type Limited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewLimited allows rps calls per second with the given burst.
func NewLimited(next Completer, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for a token, then delegates. A context that expires while
// waiting returns its error without calling the backend.
func (l *Limited) Complete(ctx context.Context, r Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return l.next.Complete(ctx, r)
}
