package storage

import (
	"errors"
	"testing"
	"time"
)

func newConversation(t *testing.T, s *Store, id, userID string) Conversation {
	t.Helper()
	c := Conversation{
		ID:             id,
		UserID:         userID,
		Status:         StatusInProgress,
		Mode:           "linear",
		ChapterIndex:   1,
		QuestionID:     "q1",
		QuestionNumber: 1,
	}
	opening := Turn{ID: id + "-open", Kind: TurnOpening, QuestionID: "q1", Chapter: 1, AssistantText: "Welcome"}
	if err := s.CreateConversation(c, opening); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	got, err := s.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return got
}

func TestCreateConversation(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")

	if c.Version != 1 || c.Status != StatusInProgress || c.QuestionNumber != 1 {
		t.Errorf("conversation = %+v", c)
	}
	if !c.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", c.CompletedAt)
	}
	turns, err := s.ListTurns("c1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 || turns[0].Kind != TurnOpening || turns[0].Seq != 1 {
		t.Errorf("turns = %+v, want one opening turn", turns)
	}
	status, err := s.GetUserStatus("u1")
	if err != nil || status != UserOnboarding {
		t.Errorf("user status = %q, %v; want onboarding", status, err)
	}
}

func TestUpdateConversation_VersionConflict(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")

	next := c
	next.QuestionTurns = 1
	updated, _, err := s.UpdateConversation(ConversationUpdate{
		Conversation: next,
		Turns:        []Turn{{ID: "t1", QuestionID: "q1", Chapter: 1, UserText: "hi", AssistantText: "hello"}},
	})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	// a second writer still holding version 1 must lose
	stale := c
	stale.QuestionTurns = 5
	_, _, err = s.UpdateConversation(ConversationUpdate{
		Conversation: stale,
		Turns:        []Turn{{ID: "t-stale", UserText: "x"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, err := s.GetTurn("t-stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale turn was written: %v", err)
	}

	got, _ := s.GetConversation("c1")
	if got.QuestionTurns != 1 {
		t.Errorf("QuestionTurns = %d, want 1", got.QuestionTurns)
	}
}

func TestUpdateConversation_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.UpdateConversation(ConversationUpdate{Conversation: Conversation{ID: "missing", Version: 1}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateConversation_ChapterTransitionOnce(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")

	for i, id := range []string{"tr-a", "tr-b"} {
		_, written, err := s.UpdateConversation(ConversationUpdate{
			Conversation: c,
			Turns:        []Turn{{ID: id, Kind: TurnChapterTransition, Chapter: 2, AssistantText: "Chapter 2"}},
		})
		if err != nil {
			t.Fatalf("UpdateConversation %d: %v", i, err)
		}
		if want := 1 - i; len(written) != want {
			t.Errorf("attempt %d wrote %d turns, want %d", i, len(written), want)
		}
		c, _ = s.GetConversation("c1")
	}

	turns, _ := s.ListTurns("c1")
	n := 0
	for _, tr := range turns {
		if tr.Kind == TurnChapterTransition {
			n++
		}
	}
	if n != 1 {
		t.Errorf("chapter transitions = %d, want 1", n)
	}
}

func TestUpdateConversation_EnqueuesJobsAndCompletes(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")

	done := time.Now()
	c.Status = StatusCompleted
	c.CompletedAt = done
	_, _, err := s.UpdateConversation(ConversationUpdate{
		Conversation: c,
		Jobs:         []Job{{ID: "finalize:c1", Type: "finalize_conversation", PayloadJSON: `{}`, GroupKey: "c1"}},
	})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	got, _ := s.GetConversation("c1")
	if got.Status != StatusCompleted || got.CompletedAt.IsZero() {
		t.Errorf("conversation = %+v", got)
	}
	if _, err := s.GetJob("finalize:c1"); err != nil {
		t.Errorf("GetJob: %v", err)
	}
}

func TestListConversations(t *testing.T) {
	s := openTestStore(t)
	newConversation(t, s, "c1", "u1")
	newConversation(t, s, "c2", "u1")
	newConversation(t, s, "c3", "u2")

	got, err := s.ListConversations("u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d conversations, want 2", len(got))
	}
}

func TestSetUserStatus(t *testing.T) {
	s := openTestStore(t)
	newConversation(t, s, "c1", "u1")

	if err := s.SetUserStatus("u1", UserActive); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	if st, _ := s.GetUserStatus("u1"); st != UserActive {
		t.Errorf("status = %q, want active", st)
	}
	if err := s.SetUserStatus("nobody", UserActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTurnExtraction_NeverReplacesWithEmpty(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")
	if _, _, err := s.UpdateConversation(ConversationUpdate{
		Conversation: c,
		Turns:        []Turn{{ID: "t1", UserText: "I love hiking"}},
	}); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}

	good := TurnExtraction{TurnID: "t1", UserID: "u1", ExtractionsJSON: `[{"framework":"big_five"}]`}
	if ok, err := s.SaveTurnExtraction(good); err != nil || !ok {
		t.Fatalf("SaveTurnExtraction good = %v, %v", ok, err)
	}

	empty := TurnExtraction{TurnID: "t1", UserID: "u1", Degraded: true, Empty: true}
	ok, err := s.SaveTurnExtraction(empty)
	if err != nil {
		t.Fatalf("SaveTurnExtraction empty: %v", err)
	}
	if ok {
		t.Error("empty result overwrote a non-empty one")
	}

	got, err := s.GetTurnExtraction("t1")
	if err != nil {
		t.Fatalf("GetTurnExtraction: %v", err)
	}
	if got.ExtractionsJSON != good.ExtractionsJSON || got.Degraded {
		t.Errorf("stored = %+v", got)
	}
}

func TestSaveTurnExtraction_LateSuccessReplacesEmpty(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")
	s.UpdateConversation(ConversationUpdate{Conversation: c, Turns: []Turn{{ID: "t1", UserText: "x"}}})

	s.SaveTurnExtraction(TurnExtraction{TurnID: "t1", UserID: "u1", Degraded: true, Empty: true})
	ok, err := s.SaveTurnExtraction(TurnExtraction{TurnID: "t1", UserID: "u1", ExtractionsJSON: `[1]`})
	if err != nil || !ok {
		t.Fatalf("late success = %v, %v; want written", ok, err)
	}
	got, _ := s.GetTurnExtraction("t1")
	if got.Empty || got.Degraded {
		t.Errorf("stored = %+v, want non-empty", got)
	}
}

func TestListTurnExtractions_ReplayOrder(t *testing.T) {
	s := openTestStore(t)
	c := newConversation(t, s, "c1", "u1")

	base := time.Now().Add(-time.Hour)
	turns := []Turn{
		{ID: "t-b", UserText: "second", CreatedAt: base.Add(2 * time.Second)},
		{ID: "t-a", UserText: "first", CreatedAt: base.Add(1 * time.Second)},
		{ID: "t-c", UserText: "tie", CreatedAt: base.Add(2 * time.Second)},
	}
	if _, _, err := s.UpdateConversation(ConversationUpdate{Conversation: c, Turns: turns}); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	for _, tr := range turns {
		if _, err := s.SaveTurnExtraction(TurnExtraction{TurnID: tr.ID, UserID: "u1", ExtractionsJSON: `[]`}); err != nil {
			t.Fatalf("SaveTurnExtraction: %v", err)
		}
	}

	got, err := s.ListTurnExtractions("u1")
	if err != nil {
		t.Fatalf("ListTurnExtractions: %v", err)
	}
	want := []string{"t-a", "t-b", "t-c"}
	if len(got) != len(want) {
		t.Fatalf("got %d extractions, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].TurnID != id {
			t.Errorf("order[%d] = %s, want %s", i, got[i].TurnID, id)
		}
	}
}

func TestUpdateSafetyScreening_FlagIsSticky(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpdateSafetyScreening("u1", func(prev SafetyRecord, found bool) (SafetyRecord, error) {
		if found {
			t.Error("found = true for a new user")
		}
		return SafetyRecord{ScoresJSON: `{"psychopathy":90}`, RiskLevel: "red", FlaggedForReview: true, SignalCount: 1}, nil
	})
	if err != nil {
		t.Fatalf("UpdateSafetyScreening: %v", err)
	}

	got, err := s.UpdateSafetyScreening("u1", func(prev SafetyRecord, found bool) (SafetyRecord, error) {
		if !found || !prev.FlaggedForReview {
			t.Errorf("prev = %+v, found = %v", prev, found)
		}
		return SafetyRecord{ScoresJSON: `{}`, RiskLevel: "green", FlaggedForReview: false}, nil
	})
	if err != nil {
		t.Fatalf("UpdateSafetyScreening: %v", err)
	}
	if !got.FlaggedForReview {
		t.Error("returned record lost the review flag")
	}
	stored, _ := s.GetSafetyScreening("u1")
	if !stored.FlaggedForReview {
		t.Error("stored record lost the review flag")
	}
}

func TestUpdateSafetyScreening_CallbackErrorRollsBack(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")
	_, err := s.UpdateSafetyScreening("u1", func(SafetyRecord, bool) (SafetyRecord, error) {
		return SafetyRecord{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := s.GetSafetyScreening("u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSafetyScreening err = %v, want ErrNotFound", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetProfile("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	for _, data := range []string{`{"v":1}`, `{"v":2}`} {
		if err := s.SaveProfile(ProfileRecord{UserID: "u1", DataJSON: data}); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
	}
	got, err := s.GetProfile("u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.DataJSON != `{"v":2}` {
		t.Errorf("DataJSON = %q, want last write", got.DataJSON)
	}
}

func TestScoredEntityUpsert(t *testing.T) {
	s := openTestStore(t)
	e := ScoredEntity{ID: "lead-1", Scorer: "lead", Total: 42, BreakdownJSON: `{}`, Priority: "medium", RecordJSON: `{}`}
	if err := s.SaveScoredEntity(e); err != nil {
		t.Fatalf("SaveScoredEntity: %v", err)
	}
	e.Total, e.Priority, e.DisqualifiedBy = 0, "low", "spam_keywords"
	if err := s.SaveScoredEntity(e); err != nil {
		t.Fatalf("SaveScoredEntity: %v", err)
	}
	got, err := s.GetScoredEntity("lead-1")
	if err != nil {
		t.Fatalf("GetScoredEntity: %v", err)
	}
	if got.Total != 0 || got.Priority != "low" || got.DisqualifiedBy != "spam_keywords" {
		t.Errorf("got %+v", got)
	}
}
