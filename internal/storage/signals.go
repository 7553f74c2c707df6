package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Turn extractions ---

// SaveTurnExtraction upserts the extraction of one turn. A stored non-empty
// result is never replaced by an empty one, so a late degraded retry cannot
// erase good readings. It reports whether the row was written.
func (s *Store) SaveTurnExtraction(e TurnExtraction) (bool, error) {
	now := formatTime(time.Now())
	if e.ExtractionsJSON == "" {
		e.ExtractionsJSON = "[]"
	}
	if e.SafetyJSON == "" {
		e.SafetyJSON = "[]"
	}
	res, err := s.db.Exec(`
		INSERT INTO turn_extractions (turn_id, user_id, extractions_json, safety_json, needs_follow_up, degraded, empty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			extractions_json = excluded.extractions_json,
			safety_json = excluded.safety_json,
			needs_follow_up = excluded.needs_follow_up,
			degraded = excluded.degraded,
			empty = excluded.empty,
			updated_at = excluded.updated_at
		WHERE turn_extractions.empty = 1 OR excluded.empty = 0`,
		e.TurnID, e.UserID, e.ExtractionsJSON, e.SafetyJSON,
		boolInt(e.NeedsFollowUp), boolInt(e.Degraded), boolInt(e.Empty), now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetTurnExtraction(turnID string) (TurnExtraction, error) {
	row := s.db.QueryRow(`
		SELECT e.turn_id, e.user_id, e.extractions_json, e.safety_json, e.needs_follow_up, e.degraded, e.empty, t.created_at, e.updated_at
		FROM turn_extractions e JOIN turns t ON t.id = e.turn_id
		WHERE e.turn_id = ?`, turnID)
	e, err := scanTurnExtraction(row)
	if err == sql.ErrNoRows {
		return TurnExtraction{}, ErrNotFound
	}
	return e, err
}

// ListTurnExtractions returns every stored extraction for userID ordered by
// (turn created_at, turn id), the replay order for aggregation.
func (s *Store) ListTurnExtractions(userID string) ([]TurnExtraction, error) {
	rows, err := s.db.Query(`
		SELECT e.turn_id, e.user_id, e.extractions_json, e.safety_json, e.needs_follow_up, e.degraded, e.empty, t.created_at, e.updated_at
		FROM turn_extractions e JOIN turns t ON t.id = e.turn_id
		WHERE e.user_id = ?
		ORDER BY t.created_at ASC, t.id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnExtraction
	for rows.Next() {
		e, err := scanTurnExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTurnExtraction(row rowScanner) (TurnExtraction, error) {
	var e TurnExtraction
	var followUp, degraded, empty int
	var turnCreated, updated string
	if err := row.Scan(&e.TurnID, &e.UserID, &e.ExtractionsJSON, &e.SafetyJSON,
		&followUp, &degraded, &empty, &turnCreated, &updated); err != nil {
		return TurnExtraction{}, err
	}
	e.NeedsFollowUp, e.Degraded, e.Empty = followUp == 1, degraded == 1, empty == 1
	var err error
	if e.TurnCreatedAt, err = parseTime(turnCreated); err != nil {
		return TurnExtraction{}, fmt.Errorf("parsing turn created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return TurnExtraction{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// --- Profiles ---

// SaveProfile replaces the derived profile of a user. Profiles are caches
// rebuilt from turn extractions, so last write wins.
func (s *Store) SaveProfile(p ProfileRecord) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (user_id, profile_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		p.UserID, p.DataJSON, formatTime(p.UpdatedAt),
	)
	return err
}

func (s *Store) GetProfile(userID string) (ProfileRecord, error) {
	var p ProfileRecord
	var updated string
	err := s.db.QueryRow(`SELECT user_id, profile_json, updated_at FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DataJSON, &updated)
	if err == sql.ErrNoRows {
		return ProfileRecord{}, ErrNotFound
	}
	if err != nil {
		return ProfileRecord{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return ProfileRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- Safety screenings ---

func (s *Store) GetSafetyScreening(userID string) (SafetyRecord, error) {
	return getSafety(s.db.QueryRow(`
		SELECT user_id, scores_json, risk_level, flagged_for_review, signal_count, created_at, updated_at
		FROM safety_screenings WHERE user_id = ?`, userID))
}

func getSafety(row rowScanner) (SafetyRecord, error) {
	var r SafetyRecord
	var flagged int
	var created, updated string
	err := row.Scan(&r.UserID, &r.ScoresJSON, &r.RiskLevel, &flagged, &r.SignalCount, &created, &updated)
	if err == sql.ErrNoRows {
		return SafetyRecord{}, ErrNotFound
	}
	if err != nil {
		return SafetyRecord{}, err
	}
	r.FlaggedForReview = flagged == 1
	if r.CreatedAt, err = parseTime(created); err != nil {
		return SafetyRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return SafetyRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// UpdateSafetyScreening reads the current screening of userID (found is
// false when there is none), lets fn compute the next one, and writes it in
// the same transaction. The stored review flag can only be set, never
// cleared, whatever fn returns.
func (s *Store) UpdateSafetyScreening(userID string, fn func(prev SafetyRecord, found bool) (SafetyRecord, error)) (SafetyRecord, error) {
	var out SafetyRecord
	err := s.withTx(func(tx *sql.Tx) error {
		prev, err := getSafety(tx.QueryRow(`
			SELECT user_id, scores_json, risk_level, flagged_for_review, signal_count, created_at, updated_at
			FROM safety_screenings WHERE user_id = ?`, userID))
		found := err == nil
		if err != nil && err != ErrNotFound {
			return err
		}

		next, err := fn(prev, found)
		if err != nil {
			return err
		}
		next.UserID = userID
		now := time.Now()
		if found {
			next.CreatedAt = prev.CreatedAt
		} else {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		next.FlaggedForReview = next.FlaggedForReview || prev.FlaggedForReview

		_, err = tx.Exec(`
			INSERT INTO safety_screenings (user_id, scores_json, risk_level, flagged_for_review, signal_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				scores_json = excluded.scores_json,
				risk_level = excluded.risk_level,
				flagged_for_review = MAX(safety_screenings.flagged_for_review, excluded.flagged_for_review),
				signal_count = excluded.signal_count,
				updated_at = excluded.updated_at`,
			userID, next.ScoresJSON, next.RiskLevel, boolInt(next.FlaggedForReview), next.SignalCount,
			formatTime(next.CreatedAt), formatTime(next.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("writing safety screening: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

// --- Scored entities ---

// SaveScoredEntity upserts a scoring result by entity id.
func (s *Store) SaveScoredEntity(e ScoredEntity) error {
	if e.ScoredAt.IsZero() {
		e.ScoredAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO scored_entities (id, scorer, total, breakdown_json, priority, disqualified_by, record_json, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scorer = excluded.scorer,
			total = excluded.total,
			breakdown_json = excluded.breakdown_json,
			priority = excluded.priority,
			disqualified_by = excluded.disqualified_by,
			record_json = excluded.record_json,
			scored_at = excluded.scored_at`,
		e.ID, e.Scorer, e.Total, e.BreakdownJSON, e.Priority, e.DisqualifiedBy, e.RecordJSON, formatTime(e.ScoredAt),
	)
	return err
}

func (s *Store) GetScoredEntity(id string) (ScoredEntity, error) {
	var e ScoredEntity
	var scoredAt string
	err := s.db.QueryRow(`
		SELECT id, scorer, total, breakdown_json, priority, disqualified_by, record_json, scored_at
		FROM scored_entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Scorer, &e.Total, &e.BreakdownJSON, &e.Priority, &e.DisqualifiedBy, &e.RecordJSON, &scoredAt)
	if err == sql.ErrNoRows {
		return ScoredEntity{}, ErrNotFound
	}
	if err != nil {
		return ScoredEntity{}, err
	}
	if e.ScoredAt, err = parseTime(scoredAt); err != nil {
		return ScoredEntity{}, fmt.Errorf("parsing scored_at: %w", err)
	}
	return e, nil
}
