package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/kindred/internal/signals"
	"github.com/kalambet/kindred/internal/storage"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	ListTurnExtractions(userID string) ([]storage.TurnExtraction, error)
	SaveProfile(p storage.ProfileRecord) error
	GetProfile(userID string) (storage.ProfileRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cachedProfile struct {
	profile  Profile
	cachedAt time.Time
}

// Manager rebuilds profiles from stored extractions and serves them through
// a bounded read cache.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration
	cache *lru.Cache[string, cachedProfile]

	// rebuildMu serialises rebuilds so a slow rebuild over fewer
	// extractions cannot overwrite a newer one.
	rebuildMu sync.Mutex
}

// DefaultCacheSize is the number of profiles kept in memory.
const DefaultCacheSize = 512

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	cache, err := lru.New[string, cachedProfile](DefaultCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Manager{store: store, clock: clock, ttl: ttl, cache: cache}
}

// Rebuild replays every stored extraction of userID through Aggregate and
// persists the result. Running it twice is harmless.
func (m *Manager) Rebuild(userID string) (Profile, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	rows, err := m.store.ListTurnExtractions(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading extractions for %s: %w", userID, err)
	}

	turns := make([]TurnReadings, 0, len(rows))
	for _, row := range rows {
		var ers []signals.ExtractionResult
		if err := json.Unmarshal([]byte(row.ExtractionsJSON), &ers); err != nil {
			slog.Warn("skipping malformed stored extraction", "turn_id", row.TurnID, "error", err)
			continue
		}
		turns = append(turns, TurnReadings{TurnID: row.TurnID, At: row.TurnCreatedAt, Extractions: ers})
	}

	p := Aggregate(userID, turns)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.clock.Now()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Profile{}, fmt.Errorf("encoding profile: %w", err)
	}
	if err := m.store.SaveProfile(storage.ProfileRecord{UserID: userID, DataJSON: string(data), UpdatedAt: m.clock.Now()}); err != nil {
		return Profile{}, fmt.Errorf("saving profile for %s: %w", userID, err)
	}

	m.cache.Add(userID, cachedProfile{profile: p, cachedAt: m.clock.Now()})
	slog.Debug("profile rebuilt", "user_id", userID, "turns", p.TurnCount, "completeness", p.Completeness)
	return clone(p), nil
}

// Get returns the stored profile of userID. It returns storage.ErrNotFound
// when no extraction has been aggregated yet.
func (m *Manager) Get(userID string) (Profile, error) {
	if c, ok := m.cache.Get(userID); ok && m.clock.Now().Before(c.cachedAt.Add(m.ttl)) {
		return clone(c.profile), nil
	}

	rec, err := m.store.GetProfile(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile for %s: %w", userID, err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(rec.DataJSON), &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile for %s: %w", userID, err)
	}
	m.cache.Add(userID, cachedProfile{profile: p, cachedAt: m.clock.Now()})
	return clone(p), nil
}

// Summary returns a compact text rendering of the profile.
func (m *Manager) Summary(userID string) (string, error) {
	p, err := m.Get(userID)
	if err != nil {
		return "", err
	}
	return Summarize(p), nil
}

// Invalidate drops userID from the cache.
func (m *Manager) Invalidate(userID string) {
	m.cache.Remove(userID)
}

func clone(p Profile) Profile {
	cp := p
	if p.Frameworks != nil {
		cp.Frameworks = make(map[signals.Framework]FrameworkEstimate, len(p.Frameworks))
		for fw, est := range p.Frameworks {
			traits := make(map[string]TraitEstimate, len(est.Traits))
			for n, t := range est.Traits {
				if t.Items != nil {
					t.Items = append([]string(nil), t.Items...)
				}
				traits[n] = t
			}
			cp.Frameworks[fw] = FrameworkEstimate{Traits: traits, Confidence: est.Confidence}
		}
	}
	cp.RawExtractions = append([]signals.ExtractionResult(nil), p.RawExtractions...)
	cp.Audit = append([]AuditEntry(nil), p.Audit...)
	return cp
}
