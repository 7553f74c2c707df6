package profile

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/signals"
)

// Record flattens p into a scoring record for the partner_fit scorer.
// Trait values appear under "<framework>.<trait>", profile-wide figures
// under "profile.*", and the user's own words under "answers".
func Record(p Profile, answers []string) scoring.Record {
	r := scoring.Record{
		"profile.completeness": p.Completeness,
		"profile.confidence":   p.Confidence,
		"profile.turns":        p.TurnCount,
		"answers":              strings.Join(answers, "\n"),
	}
	for fw, est := range p.Frameworks {
		for name, t := range est.Traits {
			key := fmt.Sprintf("%s.%s", fw, name)
			switch {
			case t.Category != "":
				r[key] = t.Category
			case len(t.Items) > 0:
				r[key] = append([]string(nil), t.Items...)
			default:
				r[key] = t.Score
			}
			r[key+".confidence"] = t.Confidence
		}
	}
	return r
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

// Summarize renders p as a compact paragraph for prompts and the CLI.
func Summarize(p Profile) string {
	if len(p.Frameworks) == 0 {
		return "Profile: no readings yet."
	}

	fws := make([]string, 0, len(p.Frameworks))
	for fw := range p.Frameworks {
		fws = append(fws, string(fw))
	}
	sort.Strings(fws)

	parts := []string{fmt.Sprintf("Profile %.0f%% complete, %.0f%% confidence.", p.Completeness, p.Confidence)}
	for _, fw := range fws {
		est := p.Frameworks[signals.Framework(fw)]
		names := make([]string, 0, len(est.Traits))
		for n := range est.Traits {
			names = append(names, n)
		}
		sort.Strings(names)

		var traits []string
		for _, n := range names {
			t := est.Traits[n]
			switch {
			case t.Category != "":
				traits = append(traits, fmt.Sprintf("%s %s", n, t.Category))
			case len(t.Items) > 0:
				traits = append(traits, fmt.Sprintf("%s: %s", n, strings.Join(t.Items, ", ")))
			default:
				traits = append(traits, fmt.Sprintf("%s %.0f", n, t.Score))
			}
		}
		parts = append(parts, fmt.Sprintf("%s: %s.", fw, strings.Join(traits, "; ")))
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}
