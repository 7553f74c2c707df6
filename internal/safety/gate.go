package safety

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/storage"
)

// ErrFlaggedForReview is returned by Activate while a user is held for
// human review.
var ErrFlaggedForReview = errors.New("user flagged for safety review")

// UserStore changes a user's account status.
type UserStore interface {
	SetUserStatus(userID, status string) error
}

// ActivationGate is the only path that activates a user automatically.
type ActivationGate struct {
	engine  *Engine
	users   UserStore
	metrics *metrics.Metrics
}

func NewActivationGate(engine *Engine, users UserStore, m *metrics.Metrics) *ActivationGate {
	return &ActivationGate{engine: engine, users: users, metrics: m}
}

// Activate marks userID active unless their screening is flagged, in which
// case it returns ErrFlaggedForReview without touching the user. The flag is
// read from the store, not the cache.
func (g *ActivationGate) Activate(userID string) error {
	s, err := g.engine.load(userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("checking screening: %w", err)
	case s.FlaggedForReview:
		g.metrics.ActivationBlocked()
		slog.Warn("activation suppressed by safety review", "user_id", userID, "risk_level", s.RiskLevel)
		return ErrFlaggedForReview
	}

	if err := g.users.SetUserStatus(userID, storage.UserActive); err != nil {
		return fmt.Errorf("activating %s: %w", userID, err)
	}
	slog.Info("user activated", "user_id", userID)
	return nil
}
