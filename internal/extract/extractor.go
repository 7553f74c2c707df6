package extract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kindred/internal/llm"
	"github.com/kalambet/kindred/internal/signals"
)

// DefaultTimeout bounds one extraction call.
const DefaultTimeout = 20 * time.Second

// Input is everything the extractor reads for one turn.
type Input struct {
	TurnID   string
	Question string
	Answer   string
	History  []Exchange
}

// Result is the structured reading of one turn.
type Result struct {
	Extractions   []signals.ExtractionResult `json:"extractions"`
	SafetyFlags   []signals.SafetySignal     `json:"safety_flags"`
	NeedsFollowUp bool                       `json:"needs_follow_up"`
	// Degraded is set when the call timed out, failed, or returned
	// something unparseable. The result is then empty.
	Degraded bool `json:"degraded"`
	// Rejected counts readings dropped at the schema boundary.
	Rejected int `json:"rejected"`
}

// Empty reports whether the result carries no readings at all.
func (r Result) Empty() bool {
	return len(r.Extractions) == 0 && len(r.SafetyFlags) == 0
}

// Extractor turns a free-text answer into typed signal readings using a
// language model.
type Extractor struct {
	client  llm.Completer
	timeout time.Duration
}

// NewExtractor creates an Extractor. A zero timeout uses DefaultTimeout.
func NewExtractor(client llm.Completer, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{client: client, timeout: timeout}
}

// Extract reads one answer. On any failure (timeout, transport error,
// malformed JSON) it returns an empty Result with Degraded set; the caller
// never has to handle an error.
func (e *Extractor) Extract(ctx context.Context, in Input) Result {
	if strings.TrimSpace(in.Answer) == "" {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Complete(ctx, llm.Request{
		Messages: BuildPrompt(in.Question, in.Answer, in.History),
		JSON:     true,
	})
	if err != nil {
		slog.Warn("extraction call failed", "turn_id", in.TurnID, "error", err)
		return Result{Degraded: true}
	}

	res, err := Parse(in.TurnID, raw)
	if err != nil {
		slog.Warn("failed to parse extraction", "turn_id", in.TurnID, "error", err, "response", truncate(raw, 200))
		return Result{Degraded: true}
	}
	if res.Rejected > 0 {
		slog.Info("extraction readings rejected", "turn_id", in.TurnID, "rejected", res.Rejected)
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
