package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/signals"
	"github.com/kalambet/kindred/internal/storage"
)

// Store defines the storage operations the Engine needs.
// Implemented by storage.Store.
type Store interface {
	ListTurnExtractions(userID string) ([]storage.TurnExtraction, error)
	GetSafetyScreening(userID string) (storage.SafetyRecord, error)
	UpdateSafetyScreening(userID string, fn func(prev storage.SafetyRecord, found bool) (storage.SafetyRecord, error)) (storage.SafetyRecord, error)
}

// Screening is the durable per-user safety record.
type Screening struct {
	UserID           string                             `json:"user_id"`
	Scores           map[signals.SafetyCategory]float64 `json:"scores"`
	RiskLevel        Level                              `json:"overall_risk_level"`
	FlaggedForReview bool                               `json:"flagged_for_review"`
	SignalCount      int                                `json:"signal_count"`
	CreatedAt        time.Time                          `json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

// Engine folds safety signals into screenings. Every update recomputes from
// the full stored signal history and merges with the stored record, so
// replaying the same signals is harmless and a score never goes down.
type Engine struct {
	store   Store
	cache   *lru.Cache[string, Screening]
	metrics *metrics.Metrics
}

const cacheSize = 512

// NewEngine creates an Engine. m may be nil.
func NewEngine(store Store, m *metrics.Metrics) *Engine {
	cache, err := lru.New[string, Screening](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Engine{store: store, cache: cache, metrics: m}
}

// RecordSignals adds sigs to the screening of userID. Signals already stored
// with the user's turn extractions are counted once. No record is created
// until the first signal arrives.
func (e *Engine) RecordSignals(userID string, sigs []signals.SafetySignal) (Screening, error) {
	all, err := e.storedSignals(userID)
	if err != nil {
		return Screening{}, err
	}
	all = dedupe(append(all, sigs...))

	next := Accumulate(all)
	if len(next) == 0 {
		s, err := e.Get(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return Screening{UserID: userID, Scores: map[signals.SafetyCategory]float64{}, RiskLevel: Green}, nil
		}
		return s, err
	}

	rec, err := e.store.UpdateSafetyScreening(userID, func(prev storage.SafetyRecord, found bool) (storage.SafetyRecord, error) {
		var prevScores map[signals.SafetyCategory]float64
		if found && prev.ScoresJSON != "" {
			if err := json.Unmarshal([]byte(prev.ScoresJSON), &prevScores); err != nil {
				return storage.SafetyRecord{}, fmt.Errorf("decoding stored scores: %w", err)
			}
		}
		merged := Merge(prevScores, next)
		data, err := json.Marshal(merged)
		if err != nil {
			return storage.SafetyRecord{}, err
		}
		top := Max(merged)
		return storage.SafetyRecord{
			ScoresJSON:       string(data),
			RiskLevel:        string(LevelFor(top)),
			FlaggedForReview: prev.FlaggedForReview || top >= ReviewThreshold,
			SignalCount:      max(prev.SignalCount, len(all)),
		}, nil
	})
	if err != nil {
		return Screening{}, fmt.Errorf("updating screening for %s: %w", userID, err)
	}

	s, err := fromRecord(rec)
	if err != nil {
		return Screening{}, err
	}
	e.cache.Add(userID, s)
	e.metrics.ScreeningUpdated(string(s.RiskLevel))
	if s.FlaggedForReview {
		slog.Warn("user flagged for safety review", "user_id", userID, "risk_level", s.RiskLevel)
	}
	return s, nil
}

// Rebuild recomputes the screening of userID from stored signals only.
func (e *Engine) Rebuild(userID string) (Screening, error) {
	return e.RecordSignals(userID, nil)
}

// Get returns the screening of userID or storage.ErrNotFound.
func (e *Engine) Get(userID string) (Screening, error) {
	if s, ok := e.cache.Get(userID); ok {
		return s, nil
	}
	return e.load(userID)
}

func (e *Engine) load(userID string) (Screening, error) {
	rec, err := e.store.GetSafetyScreening(userID)
	if err != nil {
		return Screening{}, fmt.Errorf("loading screening for %s: %w", userID, err)
	}
	s, err := fromRecord(rec)
	if err != nil {
		return Screening{}, err
	}
	e.cache.Add(userID, s)
	return s, nil
}

func (e *Engine) storedSignals(userID string) ([]signals.SafetySignal, error) {
	rows, err := e.store.ListTurnExtractions(userID)
	if err != nil {
		return nil, fmt.Errorf("loading signals for %s: %w", userID, err)
	}
	var out []signals.SafetySignal
	for _, row := range rows {
		if row.SafetyJSON == "" {
			continue
		}
		var sigs []signals.SafetySignal
		if err := json.Unmarshal([]byte(row.SafetyJSON), &sigs); err != nil {
			slog.Warn("skipping malformed stored safety signals", "turn_id", row.TurnID, "error", err)
			continue
		}
		for _, s := range sigs {
			if s.TurnID == "" {
				s.TurnID = row.TurnID
			}
			out = append(out, s)
		}
	}
	return out, nil
}

type signalKey struct {
	turnID   string
	category signals.SafetyCategory
	evidence string
}

// dedupe keeps the strongest signal per (turn, category, evidence).
func dedupe(sigs []signals.SafetySignal) []signals.SafetySignal {
	idx := make(map[signalKey]int, len(sigs))
	out := make([]signals.SafetySignal, 0, len(sigs))
	for _, s := range sigs {
		k := signalKey{s.TurnID, s.Category, s.Evidence}
		if i, ok := idx[k]; ok {
			if s.Severity > out[i].Severity {
				out[i] = s
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, s)
	}
	return out
}

func fromRecord(rec storage.SafetyRecord) (Screening, error) {
	s := Screening{
		UserID:           rec.UserID,
		Scores:           map[signals.SafetyCategory]float64{},
		RiskLevel:        Level(rec.RiskLevel),
		FlaggedForReview: rec.FlaggedForReview,
		SignalCount:      rec.SignalCount,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.ScoresJSON != "" {
		if err := json.Unmarshal([]byte(rec.ScoresJSON), &s.Scores); err != nil {
			return Screening{}, fmt.Errorf("decoding scores for %s: %w", rec.UserID, err)
		}
	}
	return s, nil
}
