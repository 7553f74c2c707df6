package interview

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// View is a read-only snapshot of a conversation and its turns.
type View struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	Mode            string     `json:"mode"`
	Chapter         int        `json:"chapter"`
	ChapterTitle    string     `json:"chapter_title"`
	QuestionID      string     `json:"question_id"`
	QuestionNumber  int        `json:"question_number"`
	TotalQuestions  int        `json:"total_questions"`
	ProgressPercent int        `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Turns           []TurnView `json:"turns"`
}

type TurnView struct {
	ID            string    `json:"id"`
	Seq           int       `json:"seq"`
	Kind          string    `json:"kind"`
	QuestionID    string    `json:"question_id,omitempty"`
	Chapter       int       `json:"chapter"`
	UserText      string    `json:"user_text,omitempty"`
	AssistantText string    `json:"assistant_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Get returns the conversation with all of its turns.
func (s *Service) Get(ctx context.Context, conversationID string) (View, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return View{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	c, err := s.store.GetConversation(id)
	if err != nil {
		return View{}, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	turns, err := s.store.ListTurns(id)
	if err != nil {
		return View{}, fmt.Errorf("loading turns of %s: %w", id, err)
	}
	cat, err := s.catalogFor(c.Mode)
	if err != nil {
		return View{}, err
	}

	v := View{
		ID:              c.ID,
		UserID:          c.UserID,
		Status:          c.Status,
		Mode:            c.Mode,
		Chapter:         c.ChapterIndex,
		QuestionID:      c.QuestionID,
		QuestionNumber:  c.QuestionNumber,
		TotalQuestions:  cat.Total(),
		ProgressPercent: Progress(c, cat.Total()),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Turns:           make([]TurnView, 0, len(turns)),
	}
	if ch, err := cat.ChapterOf(c.QuestionID); err == nil {
		v.ChapterTitle = ch.Title
	}
	if !c.CompletedAt.IsZero() {
		at := c.CompletedAt
		v.CompletedAt = &at
	}
	for _, t := range turns {
		v.Turns = append(v.Turns, TurnView{
			ID:            t.ID,
			Seq:           t.Seq,
			Kind:          t.Kind,
			QuestionID:    t.QuestionID,
			Chapter:       t.Chapter,
			UserText:      t.UserText,
			AssistantText: t.AssistantText,
			CreatedAt:     t.CreatedAt,
		})
	}
	return v, nil
}
