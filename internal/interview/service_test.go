package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/storage"
)

const testCatalogYAML = `
name: test-interview
mode: linear
opening: Welcome aboard.
closing: All done, thank you.
chapters:
  - id: alpha
    title: Alpha
    intro: Alpha intro.
    questions:
      - {id: a1, text: "First question?"}
      - {id: a2, text: "Second question?"}
  - id: beta
    title: Beta
    intro: Beta intro.
    questions:
      - {id: b1, text: "Third question?"}
`

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cat
}

func newTestService(t *testing.T, opts Options) (*Service, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return NewService(store, testCatalog(t), opts), store
}

func TestStart(t *testing.T) {
	svc, store := newTestService(t, Options{})
	res, err := svc.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, want := range []string{"Welcome aboard.", "Alpha intro.", "First question?"} {
		if !strings.Contains(res.FirstMessage, want) {
			t.Errorf("first message %q missing %q", res.FirstMessage, want)
		}
	}
	if res.ProgressPercent != 0 {
		t.Errorf("progress = %d, want 0", res.ProgressPercent)
	}

	c, err := store.GetConversation(res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.QuestionID != "a1" || c.QuestionNumber != 1 || c.ChapterIndex != 1 {
		t.Errorf("conversation = %+v", c)
	}
}

func TestStart_RequiresUser(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	if _, err := svc.Start(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestAnswer_WalksToCompletion(t *testing.T) {
	svc, store := newTestService(t, Options{})
	ctx := context.Background()
	start, err := svc.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := start.ConversationID

	var turnIDs []string
	prevProgress, prevNumber := 0, 1
	var last AnswerResult
	for i := 0; i < 20 && !last.IsComplete; i++ {
		last, err = svc.Answer(ctx, id, "Here is a thoughtful answer.")
		if err != nil {
			t.Fatalf("Answer %d: %v", i+1, err)
		}
		turnIDs = append(turnIDs, last.TurnID)
		if last.ProgressPercent < prevProgress {
			t.Fatalf("progress went backwards: %d -> %d", prevProgress, last.ProgressPercent)
		}
		if last.QuestionNumber < prevNumber || last.QuestionNumber > 4 {
			t.Fatalf("question number %d after %d (total 3)", last.QuestionNumber, prevNumber)
		}
		prevProgress, prevNumber = last.ProgressPercent, last.QuestionNumber
	}

	if !last.IsComplete || last.ProgressPercent != 100 || last.QuestionNumber != 4 {
		t.Fatalf("final answer = %+v, want complete at question 4", last)
	}
	if len(turnIDs) != 6 {
		t.Errorf("answers to complete = %d, want 6 (two per question)", len(turnIDs))
	}
	if !strings.Contains(last.AssistantMessage, "All done, thank you.") {
		t.Errorf("closing reply = %q", last.AssistantMessage)
	}

	turns, err := store.ListTurns(id)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	kinds := map[string]int{}
	for _, tr := range turns {
		kinds[tr.Kind]++
	}
	if kinds[storage.TurnChapterTransition] != 1 || kinds[storage.TurnClosing] != 1 || kinds[storage.TurnExchange] != 6 {
		t.Errorf("turn kinds = %v", kinds)
	}

	for _, tid := range turnIDs {
		j, err := store.GetJob(ExtractJobID(tid))
		if err != nil {
			t.Fatalf("extract job for %s: %v", tid, err)
		}
		if j.Status != "pending" || j.GroupKey != id {
			t.Errorf("job = %+v", j)
		}
	}
	if _, err := store.GetJob(FinalizeJobID(id)); err != nil {
		t.Errorf("finalize job: %v", err)
	}

	if _, err := svc.Answer(ctx, id, "one more"); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("answer after completion err = %v, want ErrConversationClosed", err)
	}
}

func TestAnswer_ChapterTransitionMessage(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	var replies []string
	for i := 0; i < 4; i++ {
		res, err := svc.Answer(ctx, start.ConversationID, "answer")
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		replies = append(replies, res.AssistantMessage)
	}
	// the fourth answer leaves a2 and enters chapter two
	if !strings.Contains(replies[3], "Beta intro.") || !strings.Contains(replies[3], "Third question?") {
		t.Errorf("transition reply = %q", replies[3])
	}
	for _, r := range replies[:3] {
		if strings.Contains(r, "Beta intro.") {
			t.Errorf("early reply mentions chapter two: %q", r)
		}
	}
}

func TestGet_TranscriptStoresTransitionAndClosingOnce(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	for i := 0; i < 20; i++ {
		res, err := svc.Answer(ctx, start.ConversationID, "answer")
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if res.IsComplete {
			break
		}
	}
	v, err := svc.Get(ctx, start.ConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Status != storage.StatusCompleted {
		t.Fatalf("status = %q, want completed", v.Status)
	}
	count := func(text string) int {
		n := 0
		for _, turn := range v.Turns {
			if strings.Contains(turn.AssistantText, text) {
				n++
			}
		}
		return n
	}
	for _, text := range []string{"Beta intro.", "All done, thank you."} {
		if got := count(text); got != 1 {
			t.Errorf("%q appears in %d turns, want 1", text, got)
		}
	}
	for _, turn := range v.Turns {
		if turn.Kind == storage.TurnChapterTransition && !strings.Contains(turn.AssistantText, "Third question?") {
			t.Errorf("transition turn does not carry the next question: %q", turn.AssistantText)
		}
	}
}

func TestAnswer_InvalidInput(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	if _, err := svc.Answer(ctx, start.ConversationID, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty text err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Answer(ctx, "", "hello"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty id err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Answer(ctx, start.ConversationID, strings.Repeat("x", MaxAnswerChars+1)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversized text err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Answer(ctx, "missing", "hello"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown conversation err = %v, want ErrNotFound", err)
	}

	v, err := svc.Get(ctx, start.ConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(v.Turns) != 1 {
		t.Errorf("rejected answers wrote turns: %+v", v.Turns)
	}
}

func TestAnswer_ConditionalReasksUnresolved(t *testing.T) {
	store := openTestStore(t)
	cat, err := catalog.Questionnaire()
	if err != nil {
		t.Fatalf("Questionnaire: %v", err)
	}
	svc := NewService(store, cat, Options{})
	ctx := context.Background()
	start, err := svc.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(start.FirstMessage, "1. A long-term relationship") {
		t.Errorf("first message does not list options: %q", start.FirstMessage)
	}

	res, err := svc.Answer(ctx, start.ConversationID, "purple")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.QuestionNumber != 1 || !strings.Contains(res.AssistantMessage, "What are you looking for right now?") {
		t.Errorf("unresolved answer = %+v, want the question asked again", res)
	}

	res, err = svc.Answer(ctx, start.ConversationID, "1")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.QuestionNumber != 2 || !strings.Contains(res.AssistantMessage, "committed relationship") {
		t.Errorf("resolved answer = %+v, want the timeline question", res)
	}
	c, _ := store.GetConversation(start.ConversationID)
	if c.QuestionID != "timeline" {
		t.Errorf("QuestionID = %q, want timeline", c.QuestionID)
	}
}

type failingResponder struct{}

func (failingResponder) Reply(context.Context, ReplyInput) (string, error) {
	return "", errors.New("model unavailable")
}

func TestAnswer_ResponderFailureFallsBack(t *testing.T) {
	svc, _ := newTestService(t, Options{Responder: failingResponder{}})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	res, err := svc.Answer(ctx, start.ConversationID, "answer")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.AssistantMessage == "" {
		t.Error("empty reply after responder failure")
	}
}

func TestAnswer_ConcurrentAnswersAreSerialised(t *testing.T) {
	svc, store := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		applied, closed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Answer(ctx, start.ConversationID, "concurrent answer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, ErrConversationClosed):
				closed++
			default:
				t.Errorf("Answer: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 6 || closed != 4 {
		t.Errorf("applied = %d, closed = %d; want 6 and 4", applied, closed)
	}
	turns, _ := store.ListTurns(start.ConversationID)
	for i, tr := range turns {
		if tr.Seq != i+1 {
			t.Fatalf("turn %d has seq %d", i, tr.Seq)
		}
	}
}

func TestAbandon(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")

	if err := svc.Abandon(ctx, start.ConversationID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := svc.Answer(ctx, start.ConversationID, "hello"); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("answer after abandon err = %v, want ErrConversationClosed", err)
	}
	if err := svc.Abandon(ctx, start.ConversationID); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("second abandon err = %v, want ErrConversationClosed", err)
	}
	v, _ := svc.Get(ctx, start.ConversationID)
	if v.Status != storage.StatusAbandoned {
		t.Errorf("status = %q", v.Status)
	}
}

func TestGet(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	start, _ := svc.Start(ctx, "u1")
	svc.Answer(ctx, start.ConversationID, "my answer")

	v, err := svc.Get(ctx, start.ConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.TotalQuestions != 3 || v.ChapterTitle != "Alpha" || v.CompletedAt != nil {
		t.Errorf("view = %+v", v)
	}
	if len(v.Turns) != 2 || v.Turns[1].UserText != "my answer" {
		t.Errorf("turns = %+v", v.Turns)
	}
}

func TestProgress(t *testing.T) {
	cases := []struct {
		status string
		number int
		want   int
	}{
		{storage.StatusInProgress, 1, 0},
		{storage.StatusInProgress, 2, 25},
		{storage.StatusInProgress, 4, 75},
		{storage.StatusCompleted, 5, 100},
		{storage.StatusAbandoned, 3, 50},
	}
	for _, tc := range cases {
		got := Progress(storage.Conversation{Status: tc.status, QuestionNumber: tc.number}, 4)
		if got != tc.want {
			t.Errorf("Progress(%s, %d) = %d, want %d", tc.status, tc.number, got, tc.want)
		}
	}
}
