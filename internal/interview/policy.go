package interview

import "strings"

// AdvancePolicy decides whether the conversation moves on to the next
// question after an exchange.
type AdvancePolicy interface {
	ShouldAdvance(turnsOnQuestion int, reply string) bool
}

// DefaultCues are phrases in an assistant reply that signal it is ready to
// move on.
var DefaultCues = []string{
	"next question",
	"let's talk about",
	"let's move on",
	"i'm curious",
	"tell me about",
}

// CuePolicy advances after MaxTurns exchanges on a question, or after
// MinTurns when the reply contains one of Cues.
type CuePolicy struct {
	MinTurns int
	MaxTurns int
	Cues     []string
}

// DefaultPolicy returns the policy used by the interview: two exchanges and
// a cue, or three exchanges regardless.
func DefaultPolicy() CuePolicy {
	return CuePolicy{MinTurns: 2, MaxTurns: 3, Cues: DefaultCues}
}

func (p CuePolicy) ShouldAdvance(turnsOnQuestion int, reply string) bool {
	if turnsOnQuestion >= p.MaxTurns {
		return true
	}
	if turnsOnQuestion < p.MinTurns {
		return false
	}
	r := strings.ToLower(strings.ReplaceAll(reply, "’", "'"))
	for _, cue := range p.Cues {
		if strings.Contains(r, cue) {
			return true
		}
	}
	return false
}
