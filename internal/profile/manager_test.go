package profile

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/signals"
	"github.com/kalambet/kindred/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu          sync.Mutex
	extractions map[string][]storage.TurnExtraction
	profiles    map[string]storage.ProfileRecord

	getCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		extractions: make(map[string][]storage.TurnExtraction),
		profiles:    make(map[string]storage.ProfileRecord),
	}
}

func (m *mockStore) add(t *testing.T, userID string, tr TurnReadings) {
	t.Helper()
	data, err := json.Marshal(tr.Extractions)
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractions[userID] = append(m.extractions[userID], storage.TurnExtraction{
		TurnID: tr.TurnID, UserID: userID, ExtractionsJSON: string(data), TurnCreatedAt: tr.At,
	})
}

func (m *mockStore) ListTurnExtractions(userID string) ([]storage.TurnExtraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.TurnExtraction(nil), m.extractions[userID]...), nil
}

func (m *mockStore) SaveProfile(p storage.ProfileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

func (m *mockStore) GetProfile(userID string) (storage.ProfileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	p, ok := m.profiles[userID]
	if !ok {
		return storage.ProfileRecord{}, storage.ErrNotFound
	}
	return p, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestGet_NotFound(t *testing.T) {
	m := NewManager(newMockStore())
	if _, err := m.Get("nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want storage.ErrNotFound", err)
	}
}

func TestRebuild_PersistsAndServes(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9))
	store.add(t, "u1", catTurn("t2", 2, signals.Attachment, "style", "secure", 0.8))

	m := NewManager(store)
	p, err := m.Rebuild("u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, ok := p.Trait(signals.BigFive, "openness"); !ok {
		t.Error("openness missing after rebuild")
	}
	if _, ok := store.profiles["u1"]; !ok {
		t.Fatal("profile was not persisted")
	}

	got, err := m.Get("u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st, _ := got.Trait(signals.Attachment, "style"); st.Category != "secure" {
		t.Errorf("style = %q, want secure", st.Category)
	}
	if store.getCalls != 0 {
		t.Errorf("store GetProfile calls = %d, want cache hit", store.getCalls)
	}
}

func TestRebuild_Twice(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", dimTurn("t1", 1, signals.EQ, "empathy", 60, 0.7))
	m := NewManager(store)

	a, err := m.Rebuild("u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	first := store.profiles["u1"].DataJSON
	b, err := m.Rebuild("u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if store.profiles["u1"].DataJSON != first {
		t.Error("second rebuild produced a different stored profile")
	}
	ea, _ := a.Trait(signals.EQ, "empathy")
	eb, _ := b.Trait(signals.EQ, "empathy")
	if !reflect.DeepEqual(ea, eb) {
		t.Errorf("estimates differ: %+v vs %+v", ea, eb)
	}
}

func TestRebuild_SkipsMalformedRows(t *testing.T) {
	store := newMockStore()
	store.extractions["u1"] = []storage.TurnExtraction{{TurnID: "bad", UserID: "u1", ExtractionsJSON: "{nope"}}
	store.add(t, "u1", dimTurn("t1", 1, signals.EQ, "empathy", 60, 0.7))

	p, err := NewManager(store).Rebuild("u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if p.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", p.TurnCount)
	}
}

func TestRebuild_UnknownTraitsStillPersist(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", dimTurn("t1", 1, signals.BigFive, "charisma", 80, 0.9))

	m := NewManager(store)
	p, err := m.Rebuild("u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(p.Frameworks) != 0 {
		t.Errorf("frameworks = %+v, want none", p.Frameworks)
	}
	if _, ok := store.profiles["u1"]; !ok {
		t.Error("profile was not persisted")
	}
}

func TestCacheTTL(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", dimTurn("t1", 1, signals.EQ, "empathy", 60, 0.7))
	clock := &mockClock{now: t0}
	m := NewManagerWithClock(store, clock, time.Minute)

	if _, err := m.Rebuild("u1"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	m.Get("u1")
	if store.getCalls != 0 {
		t.Fatalf("getCalls = %d, want 0 within TTL", store.getCalls)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.Get("u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.getCalls != 1 {
		t.Errorf("getCalls = %d, want 1 after TTL expiry", store.getCalls)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", openTurn("t1", 1, []string{"honesty"}, 0.7))
	m := NewManager(store)
	m.Rebuild("u1")

	p, _ := m.Get("u1")
	est := p.Frameworks[signals.Values].Traits["core_values"]
	est.Items[0] = "mutated"

	again, _ := m.Get("u1")
	if got := again.Frameworks[signals.Values].Traits["core_values"].Items[0]; got != "honesty" {
		t.Errorf("cached profile was mutated through a returned copy: %q", got)
	}
}

func TestSummary(t *testing.T) {
	store := newMockStore()
	store.add(t, "u1", dimTurn("t1", 1, signals.BigFive, "openness", 70, 0.9))
	store.add(t, "u1", catTurn("t2", 2, signals.Attachment, "style", "secure", 0.8))
	m := NewManager(store)
	m.Rebuild("u1")

	s, err := m.Summary("u1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	for _, want := range []string{"big_five", "openness 70", "style secure"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
	if got := Summarize(Profile{}); !strings.Contains(got, "no readings") {
		t.Errorf("empty summary = %q", got)
	}
}

func TestRecord_FeedsPartnerFitScorer(t *testing.T) {
	p := Aggregate("u1", []TurnReadings{
		dimTurn("t1", 1, signals.EQ, "empathy", 88, 0.9),
		catTurn("t2", 2, signals.Attachment, "style", "secure", 0.9),
		openTurn("t3", 3, []string{"honesty", "family", "growth"}, 0.8),
	})
	rec := Record(p, []string{"I grew up near the coast.", "Family dinners every Sunday."})

	if rec["eq.empathy"] != 88.0 {
		t.Errorf("eq.empathy = %v", rec["eq.empathy"])
	}
	if rec["attachment.style"] != "secure" {
		t.Errorf("attachment.style = %v", rec["attachment.style"])
	}
	if got := rec.String("values.core_values"); got != "honesty, family, growth" {
		t.Errorf("values.core_values = %q", got)
	}

	reg, err := scoring.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, _ := reg.Get("partner_fit")
	res := s.Score(rec)
	if res.DisqualifiedBy != "" {
		t.Errorf("DisqualifiedBy = %q", res.DisqualifiedBy)
	}
	if res.Breakdown["attachment"] != 20 || res.Breakdown["empathy"] != 20 {
		t.Errorf("breakdown = %v", res.Breakdown)
	}
}
