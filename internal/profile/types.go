package profile

import (
	"time"

	"github.com/kalambet/kindred/internal/signals"
)

// Profile is the durable psychometric summary of one user, rebuilt from
// every stored turn extraction.
type Profile struct {
	UserID     string                                  `json:"user_id"`
	Frameworks map[signals.Framework]FrameworkEstimate `json:"frameworks"`
	// Completeness is the share of taxonomy traits with an estimate, 0-100.
	Completeness float64 `json:"completeness"`
	// Confidence is the mean trait confidence, 0-100.
	Confidence float64 `json:"confidence"`
	TurnCount  int     `json:"turn_count"`
	// RawExtractions is every contributing extraction in replay order.
	RawExtractions []signals.ExtractionResult `json:"raw_extractions"`
	Audit          []AuditEntry               `json:"audit"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// FrameworkEstimate holds the current best estimate of each trait of one
// framework.
type FrameworkEstimate struct {
	Traits     map[string]TraitEstimate `json:"traits"`
	Confidence float64                  `json:"confidence"`
}

// TraitEstimate is the aggregate of every reading of one trait. Which value
// field is set depends on Kind.
type TraitEstimate struct {
	Kind       string   `json:"kind"`
	Score      float64  `json:"score,omitempty"`
	Category   string   `json:"category,omitempty"`
	Items      []string `json:"items,omitempty"`
	Confidence float64  `json:"confidence"`
	Readings   int      `json:"readings"`
}

// AuditEntry records one reading that contributed to the profile.
type AuditEntry struct {
	TurnID     string            `json:"turn_id"`
	Framework  signals.Framework `json:"framework"`
	Trait      string            `json:"trait"`
	Confidence float64           `json:"confidence"`
	At         time.Time         `json:"at"`
}

// TurnReadings is the extraction output of one turn, the unit of replay.
type TurnReadings struct {
	TurnID      string
	At          time.Time
	Extractions []signals.ExtractionResult
}

// Trait returns the estimate for fw.name.
func (p Profile) Trait(fw signals.Framework, name string) (TraitEstimate, bool) {
	f, ok := p.Frameworks[fw]
	if !ok {
		return TraitEstimate{}, false
	}
	t, ok := f.Traits[name]
	return t, ok
}
