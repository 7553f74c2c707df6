package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic update lost a race.
	ErrConflict = errors.New("version conflict")
)

// Conversation lifecycle states.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// Turn kinds.
const (
	TurnOpening           = "opening"
	TurnExchange          = "exchange"
	TurnChapterTransition = "chapter_transition"
	TurnClosing           = "closing"
)

// User states.
const (
	UserOnboarding = "onboarding"
	UserActive     = "active"
)

type Conversation struct {
	ID             string
	UserID         string
	Status         string
	Mode           string
	ChapterIndex   int
	QuestionID     string
	QuestionNumber int
	QuestionTurns  int // exchanges on the current question
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// Turn is one user message and the assistant reply to it. Opening,
// transition and closing turns carry only assistant text.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int
	Kind           string
	QuestionID     string
	Chapter        int
	UserText       string
	AssistantText  string
	AnswerID       string
	CreatedAt      time.Time
}

type TurnExtraction struct {
	TurnID          string
	UserID          string
	ExtractionsJSON string // []signals.ExtractionResult
	SafetyJSON      string // []signals.SafetySignal
	NeedsFollowUp   bool
	Degraded        bool
	Empty           bool
	TurnCreatedAt   time.Time
	UpdatedAt       time.Time
}

type ProfileRecord struct {
	UserID    string
	DataJSON  string
	UpdatedAt time.Time
}

type SafetyRecord struct {
	UserID           string
	ScoresJSON       string // map[category]severity
	RiskLevel        string
	FlaggedForReview bool
	SignalCount      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ScoredEntity struct {
	ID             string
	Scorer         string
	Total          float64
	BreakdownJSON  string
	Priority       string
	DisqualifiedBy string
	RecordJSON     string
	ScoredAt       time.Time
}

// Job types.
const (
	JobExtractTurn          = "extract_turn"
	JobFinalizeConversation = "finalize_conversation"
)

// ExtractTurnPayload is the payload of an extract_turn job.
type ExtractTurnPayload struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// FinalizePayload is the payload of a finalize_conversation job.
type FinalizePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	GroupKey    string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
