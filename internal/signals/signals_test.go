package signals

import (
	"errors"
	"testing"
)

func TestNormalizeReading_Dimensional(t *testing.T) {
	r, err := NormalizeReading(BigFive, "openness", 130.0, 0.9, []string{"I love trying new cuisines"})
	if err != nil {
		t.Fatalf("NormalizeReading: %v", err)
	}
	if r.Score != 100 {
		t.Errorf("Score = %v, want clamped 100", r.Score)
	}
	if r.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", r.Confidence)
	}
}

func TestNormalizeReading_NumericString(t *testing.T) {
	r, err := NormalizeReading(DISC, "dominance", "62", 0.5, []string{"I take charge"})
	if err != nil {
		t.Fatalf("NormalizeReading: %v", err)
	}
	if r.Score != 62 {
		t.Errorf("Score = %v, want 62", r.Score)
	}
}

func TestNormalizeReading_CategoricalNormalisesSpelling(t *testing.T) {
	r, err := NormalizeReading(Attachment, "style", "Fearful-Avoidant", 0.6, []string{"I pull away when it gets serious"})
	if err != nil {
		t.Fatalf("NormalizeReading: %v", err)
	}
	if r.Category != "fearful_avoidant" {
		t.Errorf("Category = %q, want fearful_avoidant", r.Category)
	}

	r, err = NormalizeReading(Enneagram, "type", 4.0, 0.4, []string{"I feel different from everyone"})
	if err != nil {
		t.Fatalf("NormalizeReading enneagram: %v", err)
	}
	if r.Category != "4" {
		t.Errorf("Category = %q, want 4", r.Category)
	}

	r, err = NormalizeReading(MBTI, "type", "infj", 0.4, []string{"quiet idealist"})
	if err != nil {
		t.Fatalf("NormalizeReading mbti: %v", err)
	}
	if r.Category != "INFJ" {
		t.Errorf("Category = %q, want INFJ", r.Category)
	}
}

func TestNormalizeReading_RejectsUnknowns(t *testing.T) {
	tests := []struct {
		name  string
		fw    Framework
		trait string
		value any
		want  error
	}{
		{"framework", Framework("astrology"), "sign", "leo", ErrUnknownFramework},
		{"trait", BigFive, "charisma", 50.0, ErrUnknownTrait},
		{"option", Attachment, "style", "clingy", ErrInvalidValue},
		{"type", BigFive, "openness", true, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeReading(tt.fw, tt.trait, tt.value, 0.5, []string{"quote"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormalizeReading_ConfidenceNeedsEvidence(t *testing.T) {
	_, err := NormalizeReading(BigFive, "openness", 70.0, 0.8, []string{"  "})
	if !errors.Is(err, ErrMissingEvidence) {
		t.Fatalf("err = %v, want ErrMissingEvidence", err)
	}

	r, err := NormalizeReading(BigFive, "openness", 70.0, 0, nil)
	if err != nil {
		t.Fatalf("zero confidence without evidence should pass: %v", err)
	}
	if r.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", r.Confidence)
	}
}

func TestNormalizeReading_OpenEnded(t *testing.T) {
	r, err := NormalizeReading(Values, "core_values", []any{"Honesty", " ", "family", 3.0}, 0.7, []string{"honesty matters most"})
	if err != nil {
		t.Fatalf("NormalizeReading: %v", err)
	}
	if len(r.Items) != 2 || r.Items[0] != "Honesty" || r.Items[1] != "family" {
		t.Errorf("Items = %v, want [Honesty family]", r.Items)
	}
}

func TestNormalizeSafety(t *testing.T) {
	s, err := NormalizeSafety("Psychopathy", 120, "I don't feel bad when people get hurt")
	if err != nil {
		t.Fatalf("NormalizeSafety: %v", err)
	}
	if s.Category != SafetyPsychopathy || s.Severity != 100 {
		t.Errorf("got %+v, want psychopathy/100", s)
	}

	if _, err := NormalizeSafety("vibes", 50, "x"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("err = %v, want ErrUnknownCategory", err)
	}
	if _, err := NormalizeSafety("narcissism", 50, ""); !errors.Is(err, ErrMissingEvidence) {
		t.Errorf("err = %v, want ErrMissingEvidence", err)
	}
}

func TestBand(t *testing.T) {
	cases := map[float64]string{0.95: "high", 0.8: "high", 0.6: "medium", 0.3: "low", 0.1: "very_low"}
	for c, want := range cases {
		if got := Band(c); got != want {
			t.Errorf("Band(%v) = %q, want %q", c, got, want)
		}
	}
}
