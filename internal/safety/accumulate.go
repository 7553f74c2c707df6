package safety

import (
	"math"
	"sort"

	"github.com/kalambet/kindred/internal/signals"
)

// Level is the overall risk band of a screening.
type Level string

const (
	Green  Level = "green"
	Yellow Level = "yellow"
	Orange Level = "orange"
	Red    Level = "red"
)

const (
	// ReviewThreshold is the category score at which a user is held for
	// human review. It is also the floor of the orange band.
	ReviewThreshold = 40.0
	// CorroborationThreshold is the minimum severity a second signal needs
	// to push a category above its strongest signal.
	CorroborationThreshold = 40.0
	// corroborationWeight is the share of the remaining headroom one
	// full-severity corroborating signal closes.
	corroborationWeight = 0.35
)

// LevelFor maps the highest category score to a risk band.
func LevelFor(max float64) Level {
	switch {
	case max > 70:
		return Red
	case max >= 40:
		return Orange
	case max >= 20:
		return Yellow
	default:
		return Green
	}
}

// Accumulate folds signals into one score per category. The strongest
// signal sets the floor, so a single severe flag is never averaged away.
// Every other signal at or above CorroborationThreshold closes part of the
// gap to 100, so a pattern scores above any one of its signals while weak
// noise changes nothing. The result does not depend on signal order.
func Accumulate(sigs []signals.SafetySignal) map[signals.SafetyCategory]float64 {
	byCat := make(map[signals.SafetyCategory][]float64)
	for _, s := range sigs {
		if s.Severity <= 0 {
			continue
		}
		byCat[s.Category] = append(byCat[s.Category], math.Min(s.Severity, 100))
	}

	out := make(map[signals.SafetyCategory]float64, len(byCat))
	for cat, sevs := range byCat {
		sort.Sort(sort.Reverse(sort.Float64Slice(sevs)))
		headroom := 100 - sevs[0]
		for _, s := range sevs[1:] {
			if s < CorroborationThreshold {
				break
			}
			headroom *= 1 - corroborationWeight*s/100
		}
		out[cat] = round2(100 - headroom)
	}
	return out
}

// Merge returns the per-category maximum of prev and next, so a stored
// screening never decreases.
func Merge(prev, next map[signals.SafetyCategory]float64) map[signals.SafetyCategory]float64 {
	out := make(map[signals.SafetyCategory]float64, len(prev)+len(next))
	for c, v := range prev {
		out[c] = v
	}
	for c, v := range next {
		if v > out[c] {
			out[c] = v
		}
	}
	return out
}

// Max returns the highest category score.
func Max(scores map[signals.SafetyCategory]float64) float64 {
	var m float64
	for _, v := range scores {
		m = math.Max(m, v)
	}
	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
