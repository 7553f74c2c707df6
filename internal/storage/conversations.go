package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Users ---

func ensureUserTx(tx *sql.Tx, userID string, now time.Time) error {
	ts := formatTime(now)
	_, err := tx.Exec(`INSERT OR IGNORE INTO users (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, UserOnboarding, ts, ts)
	return err
}

// GetUserStatus returns the account status of userID.
func (s *Store) GetUserStatus(userID string) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM users WHERE id = ?`, userID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

// SetUserStatus changes the account status of an existing user.
func (s *Store) SetUserStatus(userID, status string) error {
	res, err := s.db.Exec(`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conversations ---

const conversationColumns = `id, user_id, status, mode, chapter_index, question_id, question_number,
	question_turns, version, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.Mode, &c.ChapterIndex, &c.QuestionID, &c.QuestionNumber,
		&c.QuestionTurns, &c.Version, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if c.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return c, nil
}

// CreateConversation inserts c together with its opening turn, creating the
// owning user on first contact.
func (s *Store) CreateConversation(c Conversation, opening Turn) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	return s.withTx(func(tx *sql.Tx) error {
		if err := ensureUserTx(tx, c.UserID, c.CreatedAt); err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		ts := formatTime(c.CreatedAt)
		_, err := tx.Exec(`INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			c.ID, c.UserID, c.Status, c.Mode, c.ChapterIndex, c.QuestionID, c.QuestionNumber,
			c.QuestionTurns, c.Version, ts, ts)
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		opening.ConversationID = c.ID
		if _, err := insertTurnTx(tx, opening, false); err != nil {
			return fmt.Errorf("inserting opening turn: %w", err)
		}
		return nil
	})
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns every conversation of userID, oldest first.
func (s *Store) ListConversations(userID string) ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationUpdate is everything one state transition writes.
type ConversationUpdate struct {
	// Conversation is the new state. Its Version must be the version that
	// was read; the stored row is updated only if it still matches.
	Conversation Conversation
	// Turns are appended in order. A chapter transition that already exists
	// for the same chapter is skipped.
	Turns []Turn
	// Jobs are enqueued; a job whose id already exists is left alone.
	Jobs []Job
}

// UpdateConversation applies u atomically and returns the stored state. It
// returns ErrConflict when another writer advanced the conversation first.
func (s *Store) UpdateConversation(u ConversationUpdate) (Conversation, []Turn, error) {
	c := u.Conversation
	now := time.Now()
	var written []Turn

	err := s.withTx(func(tx *sql.Tx) error {
		var completedAt any
		if !c.CompletedAt.IsZero() {
			completedAt = formatTime(c.CompletedAt)
		}
		res, err := tx.Exec(`UPDATE conversations SET status = ?, chapter_index = ?, question_id = ?,
			question_number = ?, question_turns = ?, version = version + 1, updated_at = ?, completed_at = ?
			WHERE id = ? AND version = ?`,
			c.Status, c.ChapterIndex, c.QuestionID, c.QuestionNumber, c.QuestionTurns,
			formatTime(now), completedAt, c.ID, c.Version)
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, c.ID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		for _, t := range u.Turns {
			t.ConversationID = c.ID
			ok, err := insertTurnTx(tx, t, t.Kind == TurnChapterTransition)
			if err != nil {
				return fmt.Errorf("inserting turn: %w", err)
			}
			if ok {
				written = append(written, t)
			}
		}
		for _, j := range u.Jobs {
			if err := enqueueJobTx(tx, j); err != nil {
				return fmt.Errorf("enqueueing job %s: %w", j.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, nil, err
	}
	c.Version++
	c.UpdatedAt = now
	return c, written, nil
}

// --- Turns ---

// insertTurnTx appends t at the next sequence number. With ignoreDup set, a
// unique-index collision is skipped and reported as not inserted.
func insertTurnTx(tx *sql.Tx, t Turn, ignoreDup bool) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Kind == "" {
		t.Kind = TurnExchange
	}
	verb := "INSERT"
	if ignoreDup {
		verb = "INSERT OR IGNORE"
	}
	res, err := tx.Exec(verb+` INTO turns (id, conversation_id, seq, kind, question_id, chapter, user_text, assistant_text, answer_id, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.ConversationID, t.Kind, t.QuestionID, t.Chapter,
		t.UserText, t.AssistantText, t.AnswerID, formatTime(t.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const turnColumns = `id, conversation_id, seq, kind, question_id, chapter, user_text, assistant_text, answer_id, created_at`

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var createdAt string
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Seq, &t.Kind, &t.QuestionID, &t.Chapter,
		&t.UserText, &t.AssistantText, &t.AnswerID, &createdAt); err != nil {
		return Turn{}, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return Turn{}, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = ts
	return t, nil
}

func (s *Store) GetTurn(id string) (Turn, error) {
	t, err := scanTurn(s.db.QueryRow(`SELECT `+turnColumns+` FROM turns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Turn{}, ErrNotFound
	}
	return t, err
}

// ListTurns returns the turns of a conversation in order.
func (s *Store) ListTurns(conversationID string) ([]Turn, error) {
	rows, err := s.db.Query(`SELECT `+turnColumns+` FROM turns WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
