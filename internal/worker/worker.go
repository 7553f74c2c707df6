// Package worker runs the background half of the interview: extracting
// signals from stored turns and finalizing completed conversations.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/extract"
	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/profile"
	"github.com/kalambet/kindred/internal/safety"
	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/signals"
	"github.com/kalambet/kindred/internal/storage"
)

// JobStore abstracts the job queue and the records jobs read and write.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	DeferJob(id string, delay time.Duration) error
	RequeueRunningJobs() (int, error)
	CountOpenJobs(groupKey string) (int, error)
	GetConversation(id string) (storage.Conversation, error)
	GetTurn(id string) (storage.Turn, error)
	ListTurns(conversationID string) ([]storage.Turn, error)
	SaveTurnExtraction(e storage.TurnExtraction) (bool, error)
}

// TurnExtractor reads one answer. It never fails; a bad call comes back
// with Degraded set.
type TurnExtractor interface {
	Extract(ctx context.Context, in extract.Input) extract.Result
}

// ProfileBuilder rebuilds a user's profile from stored extractions.
type ProfileBuilder interface {
	Rebuild(userID string) (profile.Profile, error)
}

// SafetyRecorder folds safety signals into a user's screening.
type SafetyRecorder interface {
	RecordSignals(userID string, sigs []signals.SafetySignal) (safety.Screening, error)
}

// Activator activates a user unless they are held for review.
type Activator interface {
	Activate(userID string) error
}

// RecordScorer scores and stores a record.
type RecordScorer interface {
	Score(entityID, scorer string, rec scoring.Record) (scoring.Entity, error)
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Extractor TurnExtractor
	Profiles  ProfileBuilder
	Safety    SafetyRecorder
	Gate      Activator
	Scores    RecordScorer // optional
	Metrics   *metrics.Metrics
}

// PartnerFitScorer is the scorer run over a finalized profile.
const PartnerFitScorer = "partner_fit"

var errDegraded = errors.New("extraction degraded")

// Worker processes extract_turn and finalize_conversation jobs from the
// SQLite job queue.
type Worker struct {
	store       JobStore
	deps        Deps
	poll        time.Duration
	concurrency int
	// finalizeWait is how long a finalize job waits before checking again
	// for unfinished extractions.
	finalizeWait time.Duration
	logger       *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; concurrency below 1 means 1.
func NewWorker(store JobStore, deps Deps, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		store:        store,
		deps:         deps,
		poll:         pollInterval,
		concurrency:  concurrency,
		finalizeWait: 2 * time.Second,
		logger:       slog.Default(),
	}
}

// Run requeues jobs a previous process left running, then polls with
// concurrency goroutines until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunningJobs(); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

var jobTypes = []string{storage.JobExtractTurn, storage.JobFinalizeConversation}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.deps.Metrics.JobStarted()
	defer w.deps.Metrics.JobFinished()

	switch job.Type {
	case storage.JobExtractTurn:
		err = w.processExtract(ctx, job)
	case storage.JobFinalizeConversation:
		err = w.processFinalize(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	var notReady *notReadyError
	switch {
	case errors.As(err, &notReady):
		w.deps.Metrics.JobDone(job.Type, "deferred")
		if derr := w.store.DeferJob(job.ID, notReady.wait); derr != nil {
			return true, fmt.Errorf("deferring job %s: %w", job.ID, derr)
		}
		return true, nil
	case err != nil:
		w.deps.Metrics.JobDone(job.Type, "failed")
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	w.deps.Metrics.JobDone(job.Type, "ok")
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// notReadyError puts a job back without spending an attempt.
type notReadyError struct {
	reason string
	wait   time.Duration
}

func (e *notReadyError) Error() string { return e.reason }

func (w *Worker) processExtract(ctx context.Context, job *storage.Job) error {
	var payload storage.ExtractTurnPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	turn, err := w.store.GetTurn(payload.TurnID)
	if err != nil {
		return fmt.Errorf("loading turn %s: %w", payload.TurnID, err)
	}
	question, answer, history, err := w.turnContext(turn)
	if err != nil {
		return err
	}

	start := time.Now()
	res := w.deps.Extractor.Extract(ctx, extract.Input{
		TurnID:   turn.ID,
		Question: question,
		Answer:   answer,
		History:  history,
	})
	w.deps.Metrics.ObserveExtraction(outcome(res), res.Rejected, time.Since(start))

	for i := range res.Extractions {
		res.Extractions[i].TurnID = turn.ID
	}
	for i := range res.SafetyFlags {
		res.SafetyFlags[i].TurnID = turn.ID
	}
	extractions, err := json.Marshal(res.Extractions)
	if err != nil {
		return fmt.Errorf("encoding extractions: %w", err)
	}
	flags, err := json.Marshal(res.SafetyFlags)
	if err != nil {
		return fmt.Errorf("encoding safety flags: %w", err)
	}
	written, err := w.store.SaveTurnExtraction(storage.TurnExtraction{
		TurnID:          turn.ID,
		UserID:          payload.UserID,
		ExtractionsJSON: string(extractions),
		SafetyJSON:      string(flags),
		NeedsFollowUp:   res.NeedsFollowUp,
		Degraded:        res.Degraded,
		Empty:           res.Empty(),
	})
	if err != nil {
		return fmt.Errorf("saving extraction for %s: %w", turn.ID, err)
	}

	// An empty placeholder is stored either way so the turn reads as
	// processed; a degraded result is retried by failing the job.
	if res.Degraded {
		return errDegraded
	}
	if !written {
		w.logger.Debug("kept earlier extraction", "turn_id", turn.ID)
		return nil
	}
	_, err = w.rebuild(payload.UserID, res.SafetyFlags)
	return err
}

func (w *Worker) processFinalize(ctx context.Context, job *storage.Job) error {
	var payload storage.FinalizePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	open, err := w.store.CountOpenJobs(payload.ConversationID)
	if err != nil {
		return fmt.Errorf("counting open extractions: %w", err)
	}
	if open > 0 {
		return &notReadyError{reason: fmt.Sprintf("%d extractions still open", open), wait: w.finalizeWait}
	}

	p, err := w.rebuild(payload.UserID, nil)
	if err != nil {
		return err
	}
	if w.deps.Scores != nil {
		if err := w.scorePartnerFit(payload, p); err != nil {
			return err
		}
	}

	err = w.deps.Gate.Activate(payload.UserID)
	switch {
	case errors.Is(err, safety.ErrFlaggedForReview):
		w.logger.Warn("conversation finalized, user held for review", "conversation_id", payload.ConversationID, "user_id", payload.UserID)
		return nil
	case err != nil:
		return fmt.Errorf("activating %s: %w", payload.UserID, err)
	}
	w.logger.Info("conversation finalized", "conversation_id", payload.ConversationID, "user_id", payload.UserID)
	return nil
}

// rebuild refreshes the profile and the safety screening of userID. Both
// are replays over stored extractions, so they run side by side.
func (w *Worker) rebuild(userID string, flags []signals.SafetySignal) (profile.Profile, error) {
	var (
		g errgroup.Group
		p profile.Profile
	)
	g.Go(func() error {
		var err error
		if p, err = w.deps.Profiles.Rebuild(userID); err != nil {
			return fmt.Errorf("rebuilding profile: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := w.deps.Safety.RecordSignals(userID, flags); err != nil {
			return fmt.Errorf("updating safety screening: %w", err)
		}
		return nil
	})
	err := g.Wait()
	return p, err
}

func (w *Worker) scorePartnerFit(payload storage.FinalizePayload, p profile.Profile) error {
	turns, err := w.store.ListTurns(payload.ConversationID)
	if err != nil {
		return fmt.Errorf("loading turns: %w", err)
	}
	var answers []string
	for _, t := range turns {
		if t.Kind == storage.TurnExchange {
			answers = append(answers, t.UserText)
		}
	}
	if _, err := w.deps.Scores.Score(PartnerFitScorer+":"+payload.UserID, PartnerFitScorer, profile.Record(p, answers)); err != nil {
		return fmt.Errorf("scoring profile: %w", err)
	}
	return nil
}

// turnContext returns the question a turn answered, the answer as the
// extractor should read it, and the exchanges before it.
func (w *Worker) turnContext(turn storage.Turn) (string, string, []extract.Exchange, error) {
	conv, err := w.store.GetConversation(turn.ConversationID)
	if err != nil {
		return "", "", nil, fmt.Errorf("loading conversation %s: %w", turn.ConversationID, err)
	}
	cat, err := catalog.ForMode(catalog.Mode(conv.Mode))
	if err != nil {
		return "", "", nil, err
	}
	turns, err := w.store.ListTurns(turn.ConversationID)
	if err != nil {
		return "", "", nil, fmt.Errorf("loading turns: %w", err)
	}

	var history []extract.Exchange
	for _, t := range turns {
		if t.Seq >= turn.Seq {
			break
		}
		if t.Kind == storage.TurnExchange {
			history = append(history, extract.Exchange{Question: questionText(cat, t.QuestionID), Answer: answerText(cat, t)})
		}
	}
	return questionText(cat, turn.QuestionID), answerText(cat, turn), history, nil
}

// answerText swaps a resolved option reply such as "2" for the option's
// label. Free-text answers pass through unchanged.
func answerText(cat catalog.Catalog, t storage.Turn) string {
	if t.AnswerID == "" {
		return t.UserText
	}
	q, err := cat.Question(t.QuestionID)
	if err != nil {
		return t.UserText
	}
	for _, o := range q.Options {
		if o.ID == t.AnswerID {
			return o.Label
		}
	}
	return t.UserText
}

func questionText(cat catalog.Catalog, id string) string {
	q, err := cat.Question(id)
	if err != nil {
		return id
	}
	return q.Text
}

func outcome(res extract.Result) string {
	switch {
	case res.Degraded:
		return "degraded"
	case res.Empty():
		return "empty"
	default:
		return "ok"
	}
}
