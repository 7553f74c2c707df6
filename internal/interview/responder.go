package interview

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/llm"
)

// ReplyInput is what a Responder sees of one exchange.
type ReplyInput struct {
	Question catalog.Question
	Chapter  catalog.ChapterInfo
	Answer   string
	// Previous holds the user's earlier answers to the same question.
	Previous []string
	// TurnsOnQuestion counts this answer.
	TurnsOnQuestion int
}

// Responder writes the assistant's reaction to an answer. It does not ask
// the next catalog question; the Service appends that when it advances.
type Responder interface {
	Reply(ctx context.Context, in ReplyInput) (string, error)
}

var probes = []string{
	"Could you tell me a bit more about that?",
	"What did that mean to you at the time?",
	"How do you think that shaped who you are today?",
	"What's one detail about that you'd want someone close to you to know?",
}

var acknowledgements = []string{
	"Thank you for sharing that. Let's move on.",
	"I appreciate you being so open. Let's move on.",
	"That's really helpful, thank you. Let's move on.",
}

// TemplateResponder replies from fixed phrases: a follow-up probe after the
// first answer to a question, an acknowledgement after that.
type TemplateResponder struct{}

func (TemplateResponder) Reply(_ context.Context, in ReplyInput) (string, error) {
	h := fnv.New32a()
	h.Write([]byte(in.Question.ID))
	n := int(h.Sum32())
	if in.TurnsOnQuestion <= 1 {
		return probes[n%len(probes)], nil
	}
	return acknowledgements[(n+in.TurnsOnQuestion)%len(acknowledgements)], nil
}

// DefaultReplyTimeout bounds one LLM reply.
const DefaultReplyTimeout = 8 * time.Second

const maxReplyChars = 600

const replySystemPrompt = `You are a warm, curious interviewer helping someone build a dating profile.
You will see the current interview question, the chapter it belongs to, and the user's answers so far.
Write the next assistant message, at most two sentences.
If the user has not said much yet, ask exactly one short follow-up question about what they said.
If they have answered fully, acknowledge what they shared and end with the phrase "Let's move on."
Never ask the next interview question yourself, never give advice, and never judge the user.
Reply with the message text only.`

// LLMResponder asks a language model for the reply and falls back to the
// template when the model is slow, fails, or says nothing.
type LLMResponder struct {
	client   llm.Completer
	timeout  time.Duration
	fallback Responder
}

// NewLLMResponder creates an LLMResponder. A non-positive timeout uses
// DefaultReplyTimeout.
func NewLLMResponder(client llm.Completer, timeout time.Duration) *LLMResponder {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &LLMResponder{client: client, timeout: timeout, fallback: TemplateResponder{}}
}

func (r *LLMResponder) Reply(ctx context.Context, in ReplyInput) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.client.Complete(callCtx, llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: replySystemPrompt},
		{Role: llm.RoleUser, Content: replyUserPrompt(in)},
	}})
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		slog.Warn("reply generation failed, using template", "question_id", in.Question.ID, "error", err)
		return r.fallback.Reply(ctx, in)
	}
	if len(out) > maxReplyChars {
		cut := strings.LastIndex(out[:maxReplyChars], " ")
		if cut <= 0 {
			cut = maxReplyChars
		}
		out = strings.TrimSpace(out[:cut])
	}
	return out, nil
}

func replyUserPrompt(in ReplyInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter: %s\n", in.Chapter.Title)
	fmt.Fprintf(&b, "Question: %s\n", in.Question.Text)
	for i, p := range in.Previous {
		fmt.Fprintf(&b, "Earlier answer %d: %s\n", i+1, p)
	}
	fmt.Fprintf(&b, "Latest answer: %s\n", in.Answer)
	fmt.Fprintf(&b, "Answers on this question: %d\n", in.TurnsOnQuestion)
	return b.String()
}
