package scoring

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Record is the flat field set a scorer reads.
type Record map[string]any

// Priority is the bucket a total score falls into.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Result is the outcome of scoring one record.
type Result struct {
	Total          float64            `json:"total"`
	Breakdown      map[string]float64 `json:"breakdown"`
	Priority       Priority           `json:"priority"`
	DisqualifiedBy string             `json:"disqualified_by,omitempty"`
}

// Band awards Points when From <= v < To. To == 0 means no upper bound.
type Band struct {
	From   float64 `yaml:"from"`
	To     float64 `yaml:"to"`
	Points float64 `yaml:"points"`
}

// DisqualifierConfig declares one hard rule. Kinds: keywords, repeated_chars,
// url, digit_run.
type DisqualifierConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Keywords []string `yaml:"keywords,omitempty"`
	MinRun   int      `yaml:"min_run,omitempty"`
}

// SubScorerConfig declares one bounded contribution. Kinds: keywords,
// presence, range, enum, length.
type SubScorerConfig struct {
	Name     string             `yaml:"name"`
	Kind     string             `yaml:"kind"`
	Field    string             `yaml:"field,omitempty"`
	Fields   []string           `yaml:"fields,omitempty"`
	Max      float64            `yaml:"max"`
	Keywords map[string]float64 `yaml:"keywords,omitempty"`
	Values   map[string]float64 `yaml:"values,omitempty"`
	Points   float64            `yaml:"points,omitempty"`
	Bands    []Band             `yaml:"bands,omitempty"`
}

// Thresholds map a total to a priority: >= High is high, < Low is low.
type Thresholds struct {
	High float64 `yaml:"high"`
	Low  float64 `yaml:"low"`
}

// Config is a complete scorer definition.
type Config struct {
	Name          string               `yaml:"name"`
	MaxTotal      float64              `yaml:"max_total"`
	TextFields    []string             `yaml:"text_fields"`
	Disqualifiers []DisqualifierConfig `yaml:"disqualifiers"`
	SubScorers    []SubScorerConfig    `yaml:"sub_scorers"`
	Thresholds    Thresholds           `yaml:"thresholds"`
}

// ParseConfig decodes a YAML scorer definition.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing scorer config: %w", err)
	}
	return cfg, nil
}

type disqualifier struct {
	name  string
	match func(text string) bool
}

type subScorer struct {
	name  string
	max   float64
	score func(r Record) float64
}

// Scorer applies a fixed ordered list of sub-scorers behind a set of hard
// disqualifiers. It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	cfg           Config
	disqualifiers []disqualifier
	subScorers    []subScorer
}

var ErrInvalidConfig = errors.New("invalid scorer config")

// New compiles cfg. The sub-scorer maxima must add up to MaxTotal.
func New(cfg Config) (*Scorer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Thresholds.High == 0 && cfg.Thresholds.Low == 0 {
		cfg.Thresholds = Thresholds{High: 75, Low: 40}
	}
	if cfg.Thresholds.Low > cfg.Thresholds.High {
		return nil, fmt.Errorf("%w: %s: low threshold above high", ErrInvalidConfig, cfg.Name)
	}

	s := &Scorer{cfg: cfg}
	for _, d := range cfg.Disqualifiers {
		compiled, err := compileDisqualifier(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.Name, err)
		}
		s.disqualifiers = append(s.disqualifiers, compiled)
	}

	seen := make(map[string]bool)
	var sum float64
	for _, sc := range cfg.SubScorers {
		if seen[sc.Name] {
			return nil, fmt.Errorf("%w: %s: duplicate sub-scorer %q", ErrInvalidConfig, cfg.Name, sc.Name)
		}
		seen[sc.Name] = true
		if sc.Max <= 0 {
			return nil, fmt.Errorf("%w: %s: sub-scorer %q needs a positive max", ErrInvalidConfig, cfg.Name, sc.Name)
		}
		compiled, err := compileSubScorer(sc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.Name, err)
		}
		s.subScorers = append(s.subScorers, compiled)
		sum += sc.Max
	}
	if cfg.MaxTotal > 0 && math.Abs(sum-cfg.MaxTotal) > 1e-9 {
		return nil, fmt.Errorf("%w: %s: sub-scorer maxima sum to %v, want %v", ErrInvalidConfig, cfg.Name, sum, cfg.MaxTotal)
	}
	if cfg.MaxTotal == 0 {
		s.cfg.MaxTotal = sum
	}
	return s, nil
}

// Name returns the config name.
func (s *Scorer) Name() string { return s.cfg.Name }

// Score runs the disqualifiers, then every sub-scorer. A disqualified record
// scores zero and no sub-scorer runs.
func (s *Scorer) Score(r Record) Result {
	breakdown := make(map[string]float64, len(s.subScorers))
	for _, sc := range s.subScorers {
		breakdown[sc.name] = 0
	}

	text := strings.ToLower(s.text(r))
	for _, d := range s.disqualifiers {
		if d.match(text) {
			return Result{
				Total:          0,
				Breakdown:      breakdown,
				Priority:       PriorityLow,
				DisqualifiedBy: d.name,
			}
		}
	}

	var total float64
	for _, sc := range s.subScorers {
		v := clamp(sc.score(r), 0, sc.max)
		breakdown[sc.name] = v
		total += v
	}
	total = clamp(total, 0, s.cfg.MaxTotal)

	return Result{
		Total:     total,
		Breakdown: breakdown,
		Priority:  s.priority(total),
	}
}

func (s *Scorer) priority(total float64) Priority {
	switch {
	case total >= s.cfg.Thresholds.High:
		return PriorityHigh
	case total < s.cfg.Thresholds.Low:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func (s *Scorer) text(r Record) string {
	parts := make([]string, 0, len(s.cfg.TextFields))
	for _, f := range s.cfg.TextFields {
		if v := r.String(f); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// String returns field as text. Lists are joined with ", ".
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

// Number returns field as a float.
func (r Record) Number(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\b[a-z0-9-]+\.(com|net|org|io|ly|me|xyz|biz|info|co)\b)`)

func compileDisqualifier(d DisqualifierConfig) (disqualifier, error) {
	if d.Name == "" {
		d.Name = d.Kind
	}
	switch d.Kind {
	case "keywords":
		if len(d.Keywords) == 0 {
			return disqualifier{}, fmt.Errorf("disqualifier %q has no keywords", d.Name)
		}
		kws := lowerAll(d.Keywords)
		return disqualifier{name: d.Name, match: func(text string) bool {
			for _, kw := range kws {
				if strings.Contains(text, kw) {
					return true
				}
			}
			return false
		}}, nil
	case "repeated_chars":
		n := d.MinRun
		if n <= 1 {
			n = 6
		}
		return disqualifier{name: d.Name, match: func(text string) bool { return hasRepeatedRun(text, n) }}, nil
	case "url":
		return disqualifier{name: d.Name, match: urlPattern.MatchString}, nil
	case "digit_run":
		n := d.MinRun
		if n <= 1 {
			n = 7
		}
		return disqualifier{name: d.Name, match: func(text string) bool { return hasDigitRun(text, n) }}, nil
	default:
		return disqualifier{}, fmt.Errorf("disqualifier %q: unknown kind %q", d.Name, d.Kind)
	}
}

// hasRepeatedRun reports whether text holds n or more copies of the same
// non-space rune in a row ("!!!!!!", "aaaaaa").
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			prev, run = 0, 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

func hasDigitRun(text string, n int) bool {
	run := 0
	for _, r := range text {
		if r >= '0' && r <= '9' {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

func compileSubScorer(sc SubScorerConfig) (subScorer, error) {
	out := subScorer{name: sc.Name, max: sc.Max}
	switch sc.Kind {
	case "keywords":
		kws := make(map[string]float64, len(sc.Keywords))
		for k, v := range sc.Keywords {
			kws[strings.ToLower(k)] = v
		}
		fields := sc.fields()
		out.score = func(r Record) float64 {
			var text strings.Builder
			for _, f := range fields {
				text.WriteString(strings.ToLower(r.String(f)))
				text.WriteByte('\n')
			}
			t := text.String()
			var pts float64
			for kw, v := range kws {
				if strings.Contains(t, kw) {
					pts += v
				}
			}
			return pts
		}
	case "presence":
		fields := sc.fields()
		out.score = func(r Record) float64 {
			var pts float64
			for _, f := range fields {
				if strings.TrimSpace(r.String(f)) != "" {
					pts += sc.Points
				}
			}
			return pts
		}
	case "range":
		if sc.Field == "" {
			return subScorer{}, fmt.Errorf("sub-scorer %q: range needs a field", sc.Name)
		}
		out.score = func(r Record) float64 {
			v, ok := r.Number(sc.Field)
			if !ok {
				return 0
			}
			return bandPoints(sc.Bands, v)
		}
	case "enum":
		if sc.Field == "" {
			return subScorer{}, fmt.Errorf("sub-scorer %q: enum needs a field", sc.Name)
		}
		vals := make(map[string]float64, len(sc.Values))
		for k, v := range sc.Values {
			vals[strings.ToLower(k)] = v
		}
		out.score = func(r Record) float64 {
			return vals[strings.ToLower(strings.TrimSpace(r.String(sc.Field)))]
		}
	case "length":
		if sc.Field == "" {
			return subScorer{}, fmt.Errorf("sub-scorer %q: length needs a field", sc.Name)
		}
		out.score = func(r Record) float64 {
			return bandPoints(sc.Bands, float64(len(strings.Fields(r.String(sc.Field)))))
		}
	default:
		return subScorer{}, fmt.Errorf("sub-scorer %q: unknown kind %q", sc.Name, sc.Kind)
	}
	return out, nil
}

func (sc SubScorerConfig) fields() []string {
	if len(sc.Fields) > 0 {
		return sc.Fields
	}
	if sc.Field != "" {
		return []string{sc.Field}
	}
	return nil
}

func bandPoints(bands []Band, v float64) float64 {
	for _, b := range bands {
		if v >= b.From && (b.To == 0 || v < b.To) {
			return b.Points
		}
	}
	return 0
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
