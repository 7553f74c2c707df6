package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/kindred/internal/interview"
	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/profile"
	"github.com/kalambet/kindred/internal/safety"
	"github.com/kalambet/kindred/internal/scoring"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Interviewer runs onboarding conversations.
type Interviewer interface {
	Start(ctx context.Context, userID string) (interview.StartResult, error)
	Answer(ctx context.Context, conversationID, text string) (interview.AnswerResult, error)
	Get(ctx context.Context, conversationID string) (interview.View, error)
	Abandon(ctx context.Context, conversationID string) error
}

// ProfileReader serves aggregated profiles.
type ProfileReader interface {
	Get(userID string) (profile.Profile, error)
}

// ScreeningReader serves safety screenings.
type ScreeningReader interface {
	Get(userID string) (safety.Screening, error)
}

// Scorer scores records and serves stored results.
type Scorer interface {
	Score(entityID, scorer string, rec scoring.Record) (scoring.Entity, error)
	Get(id string) (scoring.Entity, error)
	Scorers() []string
}

type Deps struct {
	Interview Interviewer
	Profiles  ProfileReader
	Safety    ScreeningReader
	Scores    Scorer
	Token     string
	Metrics   *metrics.Metrics
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
}

// NewHandler returns the HTTP API. /health and /metrics are open; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(deps.Metrics))

	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/conversations", handleStartConversation(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Post("/conversations/{id}/answers", handleAnswer(deps))
		r.Post("/conversations/{id}/abandon", handleAbandon(deps))

		r.Get("/profiles/{userID}", handleGetProfile(deps))
		r.Get("/safety/{userID}", handleGetScreening(deps))

		r.Get("/scorers", handleListScorers(deps))
		r.Post("/score", handleScore(deps))
		r.Get("/scores/{id}", handleGetScore(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
