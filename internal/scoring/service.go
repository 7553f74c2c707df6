package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/storage"
)

// ErrUnknownScorer is returned for a scorer name the registry does not hold.
var ErrUnknownScorer = errors.New("unknown scorer")

// EntityStore persists scoring results.
// Implemented by storage.Store.
type EntityStore interface {
	SaveScoredEntity(e storage.ScoredEntity) error
	GetScoredEntity(id string) (storage.ScoredEntity, error)
}

// Entity is a persisted scoring result.
type Entity struct {
	ID     string `json:"id"`
	Scorer string `json:"scorer"`
	Result
	Record   Record    `json:"record,omitempty"`
	ScoredAt time.Time `json:"scored_at"`
}

// Service scores records with a named scorer and stores the result under
// the caller's entity id. Scoring the same id again replaces the result.
type Service struct {
	registry *Registry
	store    EntityStore
	metrics  *metrics.Metrics
}

func NewService(registry *Registry, store EntityStore, m *metrics.Metrics) *Service {
	return &Service{registry: registry, store: store, metrics: m}
}

// Score runs scorer over rec and upserts the result as entityID.
func (s *Service) Score(entityID, scorer string, rec Record) (Entity, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return Entity{}, errors.New("entity id is required")
	}
	sc, ok := s.registry.Get(scorer)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", ErrUnknownScorer, scorer)
	}

	res := sc.Score(rec)
	e := Entity{ID: entityID, Scorer: sc.Name(), Result: res, Record: rec, ScoredAt: time.Now().UTC()}

	breakdown, err := json.Marshal(res.Breakdown)
	if err != nil {
		return Entity{}, fmt.Errorf("encoding breakdown: %w", err)
	}
	record, err := json.Marshal(rec)
	if err != nil {
		return Entity{}, fmt.Errorf("encoding record: %w", err)
	}
	if err := s.store.SaveScoredEntity(storage.ScoredEntity{
		ID:             e.ID,
		Scorer:         e.Scorer,
		Total:          res.Total,
		BreakdownJSON:  string(breakdown),
		Priority:       string(res.Priority),
		DisqualifiedBy: res.DisqualifiedBy,
		RecordJSON:     string(record),
		ScoredAt:       e.ScoredAt,
	}); err != nil {
		return Entity{}, fmt.Errorf("saving score for %s: %w", entityID, err)
	}

	s.metrics.Scored(e.Scorer, string(res.Priority))
	slog.Debug("record scored", "entity_id", entityID, "scorer", e.Scorer, "total", res.Total, "priority", res.Priority)
	return e, nil
}

// Get returns the stored result for id or storage.ErrNotFound.
func (s *Service) Get(id string) (Entity, error) {
	rec, err := s.store.GetScoredEntity(id)
	if err != nil {
		return Entity{}, fmt.Errorf("loading score %s: %w", id, err)
	}
	e := Entity{
		ID:     rec.ID,
		Scorer: rec.Scorer,
		Result: Result{
			Total:          rec.Total,
			Priority:       Priority(rec.Priority),
			DisqualifiedBy: rec.DisqualifiedBy,
		},
		ScoredAt: rec.ScoredAt,
	}
	if err := json.Unmarshal([]byte(rec.BreakdownJSON), &e.Breakdown); err != nil {
		return Entity{}, fmt.Errorf("decoding breakdown of %s: %w", id, err)
	}
	if rec.RecordJSON != "" {
		if err := json.Unmarshal([]byte(rec.RecordJSON), &e.Record); err != nil {
			return Entity{}, fmt.Errorf("decoding record of %s: %w", id, err)
		}
	}
	return e, nil
}

// Scorers lists the available scorer names.
func (s *Service) Scorers() []string {
	return s.registry.Names()
}
