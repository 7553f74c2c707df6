package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/kindred/internal/llm"
	"github.com/kalambet/kindred/internal/signals"
)

// Exchange is one answered question from earlier in the conversation.
type Exchange struct {
	Question string
	Answer   string
}

const systemPreamble = `You are a psychometric signal extractor for a relationship onboarding interview. Read the user's latest answer in the context of the whole conversation and report what it reveals. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

Output shape:
{
  "<framework>": {
    "<trait>": {"value": <number | option | [items]>, "confidence": <0..1>, "evidence": ["<verbatim quote from the user>"]}
  },
  "safety_flags": [{"category": "<category>", "severity": <0..100>, "evidence": "<verbatim quote>"}],
  "needs_follow_up": <true | false>
}

Rules:
- Report only frameworks and traits listed below. Omit anything the answer does not speak to.
- Every non-zero confidence needs at least one verbatim quote in evidence.
- Use the earlier answers to spot repeated or contradictory statements. Contradictions are reported as the "inconsistency" safety category.
- Set needs_follow_up to true only when the answer is too short or evasive to read.`

// BuildPrompt constructs the chat messages for one extraction call. The
// system message carries the closed taxonomy; the user message carries the
// full prior Q&A and the answer being read.
func BuildPrompt(question, answer string, history []Exchange) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPreamble)

	sb.WriteString("\n\nFrameworks:")
	for _, fw := range signals.Taxonomy {
		fmt.Fprintf(&sb, "\n- %s (%s)", fw.Name, fw.Description)
		for _, t := range fw.Traits {
			switch t.Kind {
			case signals.Dimensional:
				fmt.Fprintf(&sb, "\n  - %s: number %g-%g, %s", t.Name, t.Min, t.Max, t.Description)
			case signals.Categorical:
				fmt.Fprintf(&sb, "\n  - %s: one of [%s], %s", t.Name, strings.Join(t.Options, ", "), t.Description)
			case signals.OpenEnded:
				fmt.Fprintf(&sb, "\n  - %s: list of short phrases, %s", t.Name, t.Description)
			}
		}
	}

	sb.WriteString("\n\nSafety categories (severity 0-100):")
	for _, c := range signals.SafetyCategories {
		fmt.Fprintf(&sb, "\n- %s: %s", c, c.Describe())
	}

	fmt.Fprintf(&sb, "\n\nConfidence bands:\n- high: >= %.1f, stated directly and specifically\n- medium: %.1f-%.1f, clearly implied\n- low: %.1f-%.1f, weak hint\n- very low: < %.1f, guess; prefer omitting",
		signals.HighConfidence,
		signals.MediumConfidence, signals.HighConfidence,
		signals.LowConfidence, signals.MediumConfidence,
		signals.LowConfidence)

	var user strings.Builder
	if len(history) > 0 {
		user.WriteString("[Earlier answers]\n")
		for i, h := range history {
			fmt.Fprintf(&user, "Q%d: %s\nA%d: %s\n", i+1, h.Question, i+1, h.Answer)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "[Current question]\n%s\n\n[Answer to read]\n%s", question, answer)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: user.String()},
	}
}
