package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/storage"
)

var (
	// ErrInvalidInput wraps every rejected request; nothing is written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConversationClosed is returned for answers to a completed or
	// abandoned conversation.
	ErrConversationClosed = errors.New("conversation is closed")
)

// Store defines the storage operations the Service needs.
// Implemented by storage.Store.
type Store interface {
	CreateConversation(c storage.Conversation, opening storage.Turn) error
	GetConversation(id string) (storage.Conversation, error)
	UpdateConversation(u storage.ConversationUpdate) (storage.Conversation, []storage.Turn, error)
	ListTurns(conversationID string) ([]storage.Turn, error)
}

// Options tune a Service. Zero values select the defaults.
type Options struct {
	Responder Responder
	Policy    AdvancePolicy
	Metrics   *metrics.Metrics
	// ExtractAttempts is the retry budget of each extract_turn job.
	ExtractAttempts int
}

const (
	defaultExtractAttempts = 5
	maxConflictRetries     = 3
)

// Service drives conversations through a catalog. Answers to one
// conversation are applied one at a time; the stored version guards against
// writers in other processes.
type Service struct {
	store           Store
	catalog         catalog.Catalog
	responder       Responder
	policy          AdvancePolicy
	metrics         *metrics.Metrics
	extractAttempts int
	locks           *keyedMutex

	newID func() string
	now   func() time.Time
}

func NewService(store Store, cat catalog.Catalog, opts Options) *Service {
	s := &Service{
		store:           store,
		catalog:         cat,
		responder:       opts.Responder,
		policy:          opts.Policy,
		metrics:         opts.Metrics,
		extractAttempts: opts.ExtractAttempts,
		locks:           newKeyedMutex(),
		newID:           uuid.NewString,
		now:             time.Now,
	}
	if s.responder == nil {
		s.responder = TemplateResponder{}
	}
	if s.policy == nil {
		s.policy = DefaultPolicy()
	}
	if s.extractAttempts <= 0 {
		s.extractAttempts = defaultExtractAttempts
	}
	return s
}

// StartResult is returned by Start.
type StartResult struct {
	ConversationID  string `json:"conversation_id"`
	FirstMessage    string `json:"first_message"`
	ProgressPercent int    `json:"progress_percent"`
}

// AnswerResult is returned by Answer.
type AnswerResult struct {
	ConversationID   string `json:"conversation_id"`
	TurnID           string `json:"turn_id"`
	AssistantMessage string `json:"assistant_message"`
	IsComplete       bool   `json:"is_complete"`
	ProgressPercent  int    `json:"progress_percent"`
	QuestionNumber   int    `json:"question_number"`
}

// Start opens a new conversation for userID and returns the greeting with
// the first question.
func (s *Service) Start(ctx context.Context, userID string) (StartResult, error) {
	in := startInput{UserID: strings.TrimSpace(userID)}
	if err := check(in); err != nil {
		return StartResult{}, err
	}

	q, err := s.catalog.Question(s.catalog.First())
	if err != nil {
		return StartResult{}, err
	}
	ch, err := s.catalog.ChapterOf(q.ID)
	if err != nil {
		return StartResult{}, err
	}

	now := s.now()
	msg := paragraphs(s.catalog.Opening(), ch.Intro, render(q))
	c := storage.Conversation{
		ID:             s.newID(),
		UserID:         in.UserID,
		Status:         storage.StatusInProgress,
		Mode:           string(s.catalog.Mode()),
		ChapterIndex:   ch.Index,
		QuestionID:     q.ID,
		QuestionNumber: 1,
		CreatedAt:      now,
	}
	opening := storage.Turn{
		ID:            s.newID(),
		Kind:          storage.TurnOpening,
		QuestionID:    q.ID,
		Chapter:       ch.Index,
		AssistantText: msg,
		CreatedAt:     now,
	}
	if err := s.store.CreateConversation(c, opening); err != nil {
		return StartResult{}, fmt.Errorf("creating conversation: %w", err)
	}

	s.metrics.ConversationEvent("started")
	s.metrics.TurnStored(storage.TurnOpening)
	slog.Info("conversation started", "conversation_id", c.ID, "user_id", c.UserID, "mode", c.Mode)
	return StartResult{ConversationID: c.ID, FirstMessage: msg, ProgressPercent: 0}, nil
}

// Answer records the user's reply, queues its extraction, and returns the
// assistant's response. Extraction never runs on this path.
func (s *Service) Answer(ctx context.Context, conversationID, text string) (AnswerResult, error) {
	in := answerInput{ConversationID: strings.TrimSpace(conversationID), Text: strings.TrimSpace(text)}
	if err := check(in); err != nil {
		return AnswerResult{}, err
	}

	unlock := s.locks.Lock(in.ConversationID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		res, err := s.answer(ctx, in)
		if errors.Is(err, storage.ErrConflict) && attempt < maxConflictRetries {
			slog.Debug("conversation moved on concurrently, retrying", "conversation_id", in.ConversationID, "attempt", attempt)
			continue
		}
		return res, err
	}
}

func (s *Service) answer(ctx context.Context, in answerInput) (AnswerResult, error) {
	c, err := s.store.GetConversation(in.ConversationID)
	if err != nil {
		return AnswerResult{}, fmt.Errorf("loading conversation %s: %w", in.ConversationID, err)
	}
	if c.Status != storage.StatusInProgress {
		return AnswerResult{}, fmt.Errorf("%w: %s is %s", ErrConversationClosed, c.ID, c.Status)
	}
	cat, err := s.catalogFor(c.Mode)
	if err != nil {
		return AnswerResult{}, err
	}
	q, err := cat.Question(c.QuestionID)
	if err != nil {
		return AnswerResult{}, err
	}
	ch, err := cat.ChapterOf(q.ID)
	if err != nil {
		return AnswerResult{}, err
	}

	answerID, resolved, err := cat.Resolve(q.ID, in.Text)
	if err != nil {
		return AnswerResult{}, err
	}

	now := s.now()
	next := c
	next.QuestionTurns++

	var reply string
	advance := false
	switch {
	case !resolved:
		reply = paragraphs("I didn't quite catch which option you meant.", render(q))
	case cat.Mode() == catalog.Conditional:
		reply = "Got it."
		advance = true
	default:
		previous, err := s.previousAnswers(c.ID, q.ID)
		if err != nil {
			return AnswerResult{}, err
		}
		reply, err = s.responder.Reply(ctx, ReplyInput{
			Question:        q,
			Chapter:         ch,
			Answer:          in.Text,
			Previous:        previous,
			TurnsOnQuestion: next.QuestionTurns,
		})
		if err != nil || strings.TrimSpace(reply) == "" {
			slog.Warn("responder failed, using template", "conversation_id", c.ID, "error", err)
			reply, _ = TemplateResponder{}.Reply(ctx, ReplyInput{Question: q, TurnsOnQuestion: next.QuestionTurns})
		}
		advance = s.policy.ShouldAdvance(next.QuestionTurns, reply)
	}

	turnID := s.newID()
	payload, err := json.Marshal(storage.ExtractTurnPayload{TurnID: turnID, ConversationID: c.ID, UserID: c.UserID})
	if err != nil {
		return AnswerResult{}, err
	}
	jobs := []storage.Job{{
		ID:          ExtractJobID(turnID),
		Type:        storage.JobExtractTurn,
		PayloadJSON: string(payload),
		GroupKey:    c.ID,
		MaxAttempts: s.extractAttempts,
	}}

	var extra []storage.Turn
	if advance {
		nextID, err := cat.Next(q.ID, answerID)
		if err != nil {
			return AnswerResult{}, err
		}
		if nextID == "" {
			next.Status = storage.StatusCompleted
			next.QuestionNumber = cat.Total() + 1
			next.QuestionTurns = 0
			next.CompletedAt = now
			extra = append(extra, storage.Turn{
				ID: s.newID(), Kind: storage.TurnClosing, QuestionID: q.ID, Chapter: ch.Index,
				AssistantText: cat.Closing(), CreatedAt: now,
			})
			fp, err := json.Marshal(storage.FinalizePayload{ConversationID: c.ID, UserID: c.UserID})
			if err != nil {
				return AnswerResult{}, err
			}
			jobs = append(jobs, storage.Job{
				ID:          FinalizeJobID(c.ID),
				Type:        storage.JobFinalizeConversation,
				PayloadJSON: string(fp),
				MaxAttempts: 10,
			})
		} else {
			nq, err := cat.Question(nextID)
			if err != nil {
				return AnswerResult{}, err
			}
			nch, err := cat.ChapterOf(nextID)
			if err != nil {
				return AnswerResult{}, err
			}
			next.QuestionID = nextID
			next.QuestionNumber = min(c.QuestionNumber+1, cat.Total())
			next.QuestionTurns = 0
			if nch.Index != c.ChapterIndex {
				// The next question belongs to the transition turn so the
				// chapter intro is stored once and precedes it on replay.
				next.ChapterIndex = nch.Index
				extra = append(extra, storage.Turn{
					ID: s.newID(), Kind: storage.TurnChapterTransition, QuestionID: nextID, Chapter: nch.Index,
					AssistantText: paragraphs(nch.Title+".", nch.Intro, render(nq)), CreatedAt: now,
				})
			} else {
				reply = paragraphs(reply, render(nq))
			}
		}
	}

	exchange := storage.Turn{
		ID:            turnID,
		Kind:          storage.TurnExchange,
		QuestionID:    q.ID,
		Chapter:       ch.Index,
		UserText:      in.Text,
		AssistantText: reply,
		AnswerID:      answerID,
		CreatedAt:     now,
	}
	stored, written, err := s.store.UpdateConversation(storage.ConversationUpdate{
		Conversation: next,
		Turns:        append([]storage.Turn{exchange}, extra...),
		Jobs:         jobs,
	})
	if err != nil {
		return AnswerResult{}, fmt.Errorf("saving answer: %w", err)
	}

	for _, t := range written {
		s.metrics.TurnStored(t.Kind)
	}
	complete := stored.Status == storage.StatusCompleted
	if complete {
		s.metrics.ConversationEvent("completed")
		slog.Info("conversation completed", "conversation_id", c.ID, "user_id", c.UserID)
	}
	return AnswerResult{
		ConversationID:   c.ID,
		TurnID:           turnID,
		AssistantMessage: composeMessage(reply, extra),
		IsComplete:       complete,
		ProgressPercent:  Progress(stored, cat.Total()),
		QuestionNumber:   stored.QuestionNumber,
	}, nil
}

// Abandon closes an in-progress conversation without finalizing it.
func (s *Service) Abandon(ctx context.Context, conversationID string) error {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetConversation(id)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", id, err)
	}
	if c.Status != storage.StatusInProgress {
		return fmt.Errorf("%w: %s is %s", ErrConversationClosed, c.ID, c.Status)
	}
	c.Status = storage.StatusAbandoned
	if _, _, err := s.store.UpdateConversation(storage.ConversationUpdate{Conversation: c}); err != nil {
		return fmt.Errorf("abandoning conversation %s: %w", id, err)
	}
	s.metrics.ConversationEvent("abandoned")
	slog.Info("conversation abandoned", "conversation_id", id)
	return nil
}

// Progress is the share of questions already answered: 100 once the
// conversation is complete.
func Progress(c storage.Conversation, total int) int {
	if c.Status == storage.StatusCompleted {
		return 100
	}
	if total <= 0 {
		return 0
	}
	p := (c.QuestionNumber - 1) * 100 / total
	return max(0, min(p, 99))
}

// ExtractJobID is the idempotency key of a turn's extraction job.
func ExtractJobID(turnID string) string { return "extract:" + turnID }

// FinalizeJobID is the idempotency key of a conversation's finalize job.
func FinalizeJobID(conversationID string) string { return "finalize:" + conversationID }

func (s *Service) catalogFor(mode string) (catalog.Catalog, error) {
	if catalog.Mode(mode) == s.catalog.Mode() {
		return s.catalog, nil
	}
	return catalog.ForMode(catalog.Mode(mode))
}

func (s *Service) previousAnswers(conversationID, questionID string) ([]string, error) {
	turns, err := s.store.ListTurns(conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	var out []string
	for _, t := range turns {
		if t.Kind == storage.TurnExchange && t.QuestionID == questionID {
			out = append(out, t.UserText)
		}
	}
	return out, nil
}

// render shows a question with its numbered options, if any.
func render(q catalog.Question) string {
	if len(q.Options) == 0 {
		return q.Text
	}
	var b strings.Builder
	b.WriteString(q.Text)
	for i, o := range q.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Label)
	}
	return b.String()
}

// composeMessage joins the exchange reply with the assistant text of the
// turns written after it, in order.
func composeMessage(reply string, extra []storage.Turn) string {
	parts := []string{reply}
	for _, t := range extra {
		parts = append(parts, t.AssistantText)
	}
	return paragraphs(parts...)
}

func paragraphs(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
