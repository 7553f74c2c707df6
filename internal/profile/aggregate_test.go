package profile

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/kindred/internal/signals"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dimTurn(id string, offset int, fw signals.Framework, trait string, score, conf float64) TurnReadings {
	return TurnReadings{
		TurnID: id,
		At:     t0.Add(time.Duration(offset) * time.Minute),
		Extractions: []signals.ExtractionResult{{
			TurnID:    id,
			Framework: fw,
			Traits: map[string]signals.TraitReading{
				trait: {Score: score, Confidence: conf, Evidence: []string{"quote"}},
			},
		}},
	}
}

func catTurn(id string, offset int, fw signals.Framework, trait, category string, conf float64) TurnReadings {
	return TurnReadings{
		TurnID: id,
		At:     t0.Add(time.Duration(offset) * time.Minute),
		Extractions: []signals.ExtractionResult{{
			TurnID:    id,
			Framework: fw,
			Traits: map[string]signals.TraitReading{
				trait: {Category: category, Confidence: conf, Evidence: []string{"quote"}},
			},
		}},
	}
}

func openTurn(id string, offset int, items []string, conf float64) TurnReadings {
	return TurnReadings{
		TurnID: id,
		At:     t0.Add(time.Duration(offset) * time.Minute),
		Extractions: []signals.ExtractionResult{{
			TurnID:    id,
			Framework: signals.Values,
			Traits: map[string]signals.TraitReading{
				"core_values": {Items: items, Confidence: conf, Evidence: []string{"quote"}},
			},
		}},
	}
}

func TestAggregate_DimensionalOutlierLowersConfidence(t *testing.T) {
	divergent := Aggregate("u1", []TurnReadings{
		dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9),
		dimTurn("t2", 2, signals.BigFive, "openness", 72, 0.8),
		dimTurn("t3", 3, signals.BigFive, "openness", 20, 0.3),
	})
	agreeing := Aggregate("u1", []TurnReadings{
		dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9),
		dimTurn("t2", 2, signals.BigFive, "openness", 72, 0.8),
		dimTurn("t3", 3, signals.BigFive, "openness", 71, 0.3),
	})

	d, _ := divergent.Trait(signals.BigFive, "openness")
	a, _ := agreeing.Trait(signals.BigFive, "openness")

	if d.Score < 66 || d.Score > 72 {
		t.Errorf("divergent score = %v, want close to the two agreeing readings", d.Score)
	}
	if d.Confidence >= a.Confidence {
		t.Errorf("divergent confidence %v should be below agreeing confidence %v", d.Confidence, a.Confidence)
	}
	if d.Confidence > 0.45 {
		t.Errorf("divergent confidence = %v, want heavily discounted", d.Confidence)
	}
	if d.Readings != 3 || d.Kind != "dimensional" {
		t.Errorf("estimate = %+v", d)
	}
}

func TestAggregate_CorroborationRaisesConfidence(t *testing.T) {
	var turns []TurnReadings
	var prev float64
	for i := 0; i < 5; i++ {
		turns = append(turns, dimTurn(string(rune('a'+i)), i, signals.EQ, "empathy", 80, 0.6))
		p := Aggregate("u1", turns)
		est, _ := p.Trait(signals.EQ, "empathy")
		if est.Confidence <= prev {
			t.Fatalf("after %d readings confidence %v did not rise above %v", i+1, est.Confidence, prev)
		}
		if est.Confidence >= 1 {
			t.Fatalf("confidence %v reached 1", est.Confidence)
		}
		prev = est.Confidence
	}
}

func TestAggregate_SingleReading(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{dimTurn("t1", 1, signals.DISC, "dominance", 55, 1)})
	est, ok := p.Trait(signals.DISC, "dominance")
	if !ok {
		t.Fatal("dominance missing")
	}
	if est.Score != 55 {
		t.Errorf("score = %v, want 55", est.Score)
	}
	if math.Abs(est.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence = %v, want 0.5 for one full-confidence reading", est.Confidence)
	}
}

func TestAggregate_CategoricalPlurality(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{
		catTurn("t1", 1, signals.Attachment, "style", "anxious", 0.4),
		catTurn("t2", 2, signals.Attachment, "style", "secure", 0.7),
		catTurn("t3", 3, signals.Attachment, "style", "anxious", 0.4),
	})
	est, _ := p.Trait(signals.Attachment, "style")
	if est.Category != "anxious" {
		t.Errorf("style = %q, want anxious (0.8 mass vs 0.7)", est.Category)
	}
	if est.Confidence <= 0 || est.Confidence >= 1 {
		t.Errorf("confidence = %v", est.Confidence)
	}
}

func TestAggregate_CategoricalTieGoesToMostRecent(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{
		catTurn("t2", 2, signals.MBTI, "type", "ENFP", 0.6),
		catTurn("t1", 1, signals.MBTI, "type", "INFJ", 0.6),
	})
	est, _ := p.Trait(signals.MBTI, "type")
	if est.Category != "ENFP" {
		t.Errorf("type = %q, want ENFP (read last)", est.Category)
	}
}

func TestAggregate_OpenEndedMerge(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{
		openTurn("t1", 1, []string{"Honesty", "family"}, 0.6),
		openTurn("t2", 2, []string{"honesty", "Adventure"}, 0.9),
		openTurn("t3", 3, []string{"HONESTY", "faith"}, 0.5),
	})
	est, _ := p.Trait(signals.Values, "core_values")
	want := []string{"Honesty", "Adventure", "family", "faith"}
	if !reflect.DeepEqual(est.Items, want) {
		t.Errorf("items = %v, want %v", est.Items, want)
	}
}

func TestAggregate_OpenEndedCap(t *testing.T) {
	var items []string
	for i := 0; i < 25; i++ {
		items = append(items, string(rune('a'+i)))
	}
	p := Aggregate("u1", []TurnReadings{openTurn("t1", 1, items, 0.5)})
	est, _ := p.Trait(signals.Values, "core_values")
	if len(est.Items) != MaxItems {
		t.Errorf("got %d items, want %d", len(est.Items), MaxItems)
	}
}

func TestAggregate_IsIdempotentAndOrderIndependent(t *testing.T) {
	turns := []TurnReadings{
		dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9),
		catTurn("t2", 2, signals.Attachment, "style", "secure", 0.7),
		openTurn("t3", 3, []string{"kindness"}, 0.6),
		dimTurn("t4", 4, signals.BigFive, "openness", 40, 0.5),
	}
	a := Aggregate("u1", turns)
	b := Aggregate("u1", turns)
	if !reflect.DeepEqual(a, b) {
		t.Error("two runs over the same input differ")
	}

	reversed := []TurnReadings{turns[3], turns[2], turns[1], turns[0]}
	c := Aggregate("u1", reversed)
	if !reflect.DeepEqual(a, c) {
		t.Error("aggregation depends on input order")
	}
}

func TestAggregate_AuditTrail(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{
		dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9),
		{TurnID: "t-empty", At: t0.Add(90 * time.Second)},
		catTurn("t2", 2, signals.Attachment, "style", "secure", 0.7),
	})
	if len(p.Audit) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(p.Audit))
	}
	if p.Audit[0].TurnID != "t1" || p.Audit[1].TurnID != "t2" {
		t.Errorf("audit = %+v", p.Audit)
	}
	if len(p.RawExtractions) != 2 {
		t.Errorf("raw extractions = %d, want 2", len(p.RawExtractions))
	}
	if p.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", p.TurnCount)
	}
	if !p.UpdatedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("UpdatedAt = %v", p.UpdatedAt)
	}
}

func TestAggregate_CompletenessAndConfidence(t *testing.T) {
	empty := Aggregate("u1", nil)
	if empty.Completeness != 0 || empty.Confidence != 0 || len(empty.Frameworks) != 0 {
		t.Errorf("empty profile = %+v", empty)
	}

	p := Aggregate("u1", []TurnReadings{dimTurn("t1", 1, signals.BigFive, "openness", 70, 1)})
	if p.Completeness <= 0 || p.Completeness >= 100 {
		t.Errorf("Completeness = %v", p.Completeness)
	}
	if p.Confidence != 50 {
		t.Errorf("Confidence = %v, want 50", p.Confidence)
	}
}

func TestAggregate_IgnoresTraitsOutsideTaxonomy(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{dimTurn("t1", 1, signals.BigFive, "charisma", 80, 0.9)})
	if _, ok := p.Frameworks[signals.BigFive]; ok {
		t.Errorf("big_five estimated from an unknown trait: %+v", p.Frameworks[signals.BigFive])
	}
	if len(p.Audit) != 0 {
		t.Errorf("audit = %+v, want empty", p.Audit)
	}
	if math.IsNaN(p.Confidence) || p.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", p.Confidence)
	}

	mixed := Aggregate("u1", []TurnReadings{
		dimTurn("t1", 1, signals.BigFive, "charisma", 80, 0.9),
		dimTurn("t2", 2, signals.BigFive, "openness", 60, 0.8),
	})
	est := mixed.Frameworks[signals.BigFive]
	if len(est.Traits) != 1 || math.IsNaN(est.Confidence) {
		t.Errorf("big_five = %+v", est)
	}
}
