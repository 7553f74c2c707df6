package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kalambet/kindred/internal/scoring"
)

type startRequest struct {
	UserID string `json:"user_id"`
}

type answerRequest struct {
	Text string `json:"text"`
}

type scoreRequest struct {
	Scorer   string         `json:"scorer" validate:"required"`
	EntityID string         `json:"entity_id" validate:"required,max=256"`
	Record   scoring.Record `json:"record" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body of at most maxRequestBodySize into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleStartConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := deps.Interview.Start(r.Context(), req.UserID)
		if err != nil {
			serviceError(w, "conversation", err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleAnswer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := deps.Interview.Answer(r.Context(), chi.URLParam(r, "id"), req.Text)
		if err != nil {
			serviceError(w, "conversation", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Interview.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "conversation", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleAbandon(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Interview.Abandon(r.Context(), id); err != nil {
			serviceError(w, "conversation", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "abandoned"})
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profiles.Get(chi.URLParam(r, "userID"))
		if err != nil {
			serviceError(w, "profile", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetScreening(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Safety.Get(chi.URLParam(r, "userID"))
		if err != nil {
			serviceError(w, "safety screening", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleListScorers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"scorers": deps.Scores.Scorers()})
	}
}

func handleScore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if !decode(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}
		e, err := deps.Scores.Score(req.EntityID, req.Scorer, req.Record)
		if err != nil {
			serviceError(w, "score", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleGetScore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Scores.Get(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "score", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}
