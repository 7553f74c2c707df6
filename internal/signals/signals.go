package signals

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnknownFramework = errors.New("unknown framework")
	ErrUnknownTrait     = errors.New("unknown trait")
	ErrUnknownCategory  = errors.New("unknown safety category")
	ErrMissingEvidence  = errors.New("confidence without evidence")
	ErrInvalidValue     = errors.New("invalid trait value")
)

// TraitReading is one reading of a trait from one turn. Which value field is
// meaningful depends on the trait's kind.
type TraitReading struct {
	Score      float64  `json:"score,omitempty"`
	Category   string   `json:"category,omitempty"`
	Items      []string `json:"items,omitempty"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// ExtractionResult is one framework's reading of one turn.
type ExtractionResult struct {
	TurnID    string                  `json:"turn_id"`
	Framework Framework               `json:"framework"`
	Traits    map[string]TraitReading `json:"traits"`
}

// SafetySignal is one red-flag observation attached to one turn.
type SafetySignal struct {
	TurnID   string         `json:"turn_id"`
	Category SafetyCategory `json:"category"`
	Severity float64        `json:"severity"`
	Evidence string         `json:"evidence"`
}

// NormalizeReading validates a raw model value for framework fw and trait
// name against the taxonomy and returns a typed reading. Numeric values are
// clamped to the trait scale and confidence is clamped to [0,1].
func NormalizeReading(fw Framework, name string, value any, confidence float64, evidence []string) (TraitReading, error) {
	spec, ok := Lookup(fw)
	if !ok {
		return TraitReading{}, fmt.Errorf("%w: %q", ErrUnknownFramework, fw)
	}
	trait, ok := spec.Trait(name)
	if !ok {
		return TraitReading{}, fmt.Errorf("%w: %s.%s", ErrUnknownTrait, fw, name)
	}

	ev := cleanEvidence(evidence)
	conf := clamp(confidence, 0, 1)
	if conf > 0 && len(ev) == 0 {
		return TraitReading{}, fmt.Errorf("%w: %s.%s", ErrMissingEvidence, fw, name)
	}

	r := TraitReading{Confidence: conf, Evidence: ev}
	switch trait.Kind {
	case Dimensional:
		f, ok := toFloat(value)
		if !ok {
			return TraitReading{}, fmt.Errorf("%w: %s.%s expects a number, got %v", ErrInvalidValue, fw, name, value)
		}
		r.Score = clamp(f, trait.Min, trait.Max)
	case Categorical:
		c, ok := matchOption(trait.Options, value)
		if !ok {
			return TraitReading{}, fmt.Errorf("%w: %s.%s has no option %v", ErrInvalidValue, fw, name, value)
		}
		r.Category = c
	case OpenEnded:
		items := toItems(value)
		if len(items) == 0 {
			return TraitReading{}, fmt.Errorf("%w: %s.%s is empty", ErrInvalidValue, fw, name)
		}
		r.Items = items
	}
	return r, nil
}

// NormalizeSafety validates a raw safety flag.
func NormalizeSafety(category string, severity float64, evidence string) (SafetySignal, error) {
	c := SafetyCategory(strings.ToLower(strings.TrimSpace(category)))
	if c.Describe() == "" {
		return SafetySignal{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	evidence = strings.TrimSpace(evidence)
	sev := clamp(severity, 0, 100)
	if sev > 0 && evidence == "" {
		return SafetySignal{}, fmt.Errorf("%w: safety %s", ErrMissingEvidence, c)
	}
	return SafetySignal{Category: c, Severity: sev, Evidence: evidence}, nil
}

func cleanEvidence(in []string) []string {
	var out []string
	for _, e := range in {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizeToken lowercases and joins words with underscores so that
// "Fearful-Avoidant" and "fearful avoidant" match "fearful_avoidant".
func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

func matchOption(options []string, v any) (string, bool) {
	var raw string
	switch x := v.(type) {
	case string:
		raw = x
	case float64:
		if x != math.Trunc(x) {
			return "", false
		}
		raw = strconv.Itoa(int(x))
	case int:
		raw = strconv.Itoa(x)
	default:
		return "", false
	}
	want := normalizeToken(raw)
	for _, o := range options {
		if normalizeToken(o) == want {
			return o, true
		}
	}
	return "", false
}

func toItems(v any) []string {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = []string{x}
	case []string:
		raw = x
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
