package profile

import (
	"math"
	"sort"
	"strings"

	"github.com/kalambet/kindred/internal/signals"
)

const (
	// reweightScale is the distance from the running mean at which a
	// reading's weight is halved.
	reweightScale  = 25.0
	reweightPasses = 5
	// spreadScale is the weighted standard deviation at which agreement
	// drops to one half.
	spreadScale = 20.0
	// MaxItems caps open-ended traits.
	MaxItems = 10
)

type reading struct {
	turnID string
	seq    int
	signals.TraitReading
}

// Aggregate merges every turn's readings into one Profile. It is pure and
// order-independent: turns are replayed by (At, TurnID), so running it twice
// on the same input yields the same profile.
func Aggregate(userID string, turns []TurnReadings) Profile {
	sorted := make([]TurnReadings, len(turns))
	copy(sorted, turns)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].At.Equal(sorted[j].At) {
			return sorted[i].At.Before(sorted[j].At)
		}
		return sorted[i].TurnID < sorted[j].TurnID
	})

	p := Profile{UserID: userID, Frameworks: make(map[signals.Framework]FrameworkEstimate)}
	byTrait := make(map[signals.Framework]map[string][]reading)
	seq := 0

	for _, t := range sorted {
		if len(t.Extractions) > 0 {
			p.TurnCount++
		}
		if t.At.After(p.UpdatedAt) {
			p.UpdatedAt = t.At
		}
		for _, er := range t.Extractions {
			spec, ok := signals.Lookup(er.Framework)
			if !ok {
				continue
			}
			p.RawExtractions = append(p.RawExtractions, er)

			names := make([]string, 0, len(er.Traits))
			for name := range er.Traits {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				tr := er.Traits[name]
				if _, known := spec.Trait(name); !known || tr.Confidence <= 0 {
					continue
				}
				if byTrait[er.Framework] == nil {
					byTrait[er.Framework] = make(map[string][]reading)
				}
				byTrait[er.Framework][name] = append(byTrait[er.Framework][name], reading{turnID: t.TurnID, seq: seq, TraitReading: tr})
				seq++
				p.Audit = append(p.Audit, AuditEntry{
					TurnID:     t.TurnID,
					Framework:  er.Framework,
					Trait:      name,
					Confidence: tr.Confidence,
					At:         t.At,
				})
			}
		}
	}

	var totalTraits, estimated int
	var confSum float64
	for _, fw := range signals.Taxonomy {
		totalTraits += len(fw.Traits)
		traits := byTrait[fw.Name]
		if len(traits) == 0 {
			continue
		}
		est := FrameworkEstimate{Traits: make(map[string]TraitEstimate)}
		var fwConf float64
		for _, spec := range fw.Traits {
			rs := traits[spec.Name]
			if len(rs) == 0 {
				continue
			}
			var te TraitEstimate
			switch spec.Kind {
			case signals.Dimensional:
				te = aggregateDimensional(rs)
			case signals.Categorical:
				te = aggregateCategorical(rs)
			case signals.OpenEnded:
				te = aggregateOpenEnded(rs)
			}
			te.Kind = spec.Kind.String()
			te.Readings = len(rs)
			est.Traits[spec.Name] = te
			fwConf += te.Confidence
			confSum += te.Confidence
			estimated++
		}
		if len(est.Traits) == 0 {
			continue
		}
		est.Confidence = fwConf / float64(len(est.Traits))
		p.Frameworks[fw.Name] = est
	}

	if totalTraits > 0 {
		p.Completeness = round2(float64(estimated) / float64(totalTraits) * 100)
	}
	if estimated > 0 {
		p.Confidence = round2(confSum / float64(estimated) * 100)
	}
	return p
}

// support saturates with total confidence mass: 1 -> 0.5, 2 -> 0.67, 4 -> 0.8.
func support(mass float64) float64 {
	return mass / (mass + 1)
}

// aggregateDimensional computes an iteratively reweighted mean. Readings far
// from the consensus lose weight, so one outlier cannot drag the estimate,
// while the spread of all readings still lowers the confidence.
func aggregateDimensional(rs []reading) TraitEstimate {
	var mass, sum float64
	for _, r := range rs {
		mass += r.Confidence
		sum += r.Confidence * r.Score
	}
	mean := sum / mass

	for pass := 0; pass < reweightPasses; pass++ {
		var wsum, wv float64
		for _, r := range rs {
			d := math.Abs(r.Score-mean) / reweightScale
			w := r.Confidence / (1 + d*d)
			wsum += w
			wv += w * r.Score
		}
		if wsum == 0 {
			break
		}
		mean = wv / wsum
	}

	var variance float64
	for _, r := range rs {
		d := r.Score - mean
		variance += r.Confidence * d * d
	}
	sigma := math.Sqrt(variance / mass)
	agreement := 1 / (1 + (sigma/spreadScale)*(sigma/spreadScale))

	return TraitEstimate{
		Score:      round2(mean),
		Confidence: round4(support(mass) * agreement),
	}
}

// aggregateCategorical picks the option with the most confidence mass.
// Ties go to the option read most recently.
func aggregateCategorical(rs []reading) TraitEstimate {
	massOf := make(map[string]float64)
	lastSeen := make(map[string]int)
	var total float64
	for _, r := range rs {
		massOf[r.Category] += r.Confidence
		lastSeen[r.Category] = r.seq
		total += r.Confidence
	}

	var best string
	for c, m := range massOf {
		switch {
		case best == "":
			best = c
		case m > massOf[best]+1e-12:
			best = c
		case math.Abs(m-massOf[best]) <= 1e-12 && lastSeen[c] > lastSeen[best]:
			best = c
		}
	}
	share := massOf[best] / total
	return TraitEstimate{
		Category:   best,
		Confidence: round4(share * support(total)),
	}
}

// aggregateOpenEnded merges item lists, deduplicated case-insensitively and
// ranked by frequency, then best confidence, then first appearance.
func aggregateOpenEnded(rs []reading) TraitEstimate {
	type item struct {
		text    string
		count   int
		maxConf float64
		first   int
	}
	items := make(map[string]*item)
	var order int
	var mass float64
	for _, r := range rs {
		mass += r.Confidence
		for _, raw := range r.Items {
			key := strings.ToLower(strings.TrimSpace(raw))
			if key == "" {
				continue
			}
			it, ok := items[key]
			if !ok {
				it = &item{text: strings.TrimSpace(raw), first: order}
				items[key] = it
				order++
			}
			it.count++
			it.maxConf = math.Max(it.maxConf, r.Confidence)
		}
	}

	ranked := make([]*item, 0, len(items))
	for _, it := range items {
		ranked = append(ranked, it)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.maxConf != b.maxConf {
			return a.maxConf > b.maxConf
		}
		return a.first < b.first
	})
	if len(ranked) > MaxItems {
		ranked = ranked[:MaxItems]
	}

	out := make([]string, len(ranked))
	for i, it := range ranked {
		out[i] = it.text
	}
	return TraitEstimate{Items: out, Confidence: round4(support(mass))}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
