package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stage status values. A stage only moves to in_progress when its
// prerequisite stage is completed, and never re-executes once completed
// unless explicitly forced.
const (
	StageStatusPending    = "pending"
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
)

// Pipeline stage keys, in execution order.
const (
	StageAnalysis   = "analysis"
	StageFlashcards = "flashcards"
	StageQuiz       = "quiz"
	StageIndexing   = "indexing"
)

type Lecture struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID   uuid.UUID `gorm:"type:uuid;not null;index" json:"course_id"`
	Title      string    `gorm:"column:title;not null" json:"title"`
	StorageKey string    `gorm:"column:storage_key;not null" json:"storage_key"`
	SlideCount int       `gorm:"column:slide_count;not null;default:0" json:"slide_count"`

	AnalysisStatus   string `gorm:"column:analysis_status;not null;default:pending;index" json:"analysis_status"`
	FlashcardsStatus string `gorm:"column:flashcards_status;not null;default:pending;index" json:"flashcards_status"`
	QuizStatus       string `gorm:"column:quiz_status;not null;default:pending;index" json:"quiz_status"`
	IndexingStatus   string `gorm:"column:indexing_status;not null;default:pending;index" json:"indexing_status"`

	SlideAnalyses     datatypes.JSON `gorm:"type:jsonb;column:slide_analyses" json:"slide_analyses,omitempty"`
	StructuredContent datatypes.JSON `gorm:"type:jsonb;column:structured_content" json:"structured_content,omitempty"`
	Flashcards        datatypes.JSON `gorm:"type:jsonb;column:flashcards" json:"flashcards,omitempty"`
	QuizData          datatypes.JSON `gorm:"type:jsonb;column:quiz_data" json:"quiz_data,omitempty"`
	IndexingMeta      datatypes.JSON `gorm:"type:jsonb;column:indexing_meta" json:"indexing_meta,omitempty"`

	// Per-stage error records keyed by stage name: {message, trace, timestamp}.
	StageErrors datatypes.JSON `gorm:"type:jsonb;column:stage_errors" json:"stage_errors,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Lecture) TableName() string { return "lecture" }

// StageError is the persisted error record for one failed stage.
type StageError struct {
	Message   string    `json:"message"`
	Trace     string    `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StageStatus returns the status column value for the given stage key.
func (l *Lecture) StageStatus(stage string) string {
	switch stage {
	case StageAnalysis:
		return l.AnalysisStatus
	case StageFlashcards:
		return l.FlashcardsStatus
	case StageQuiz:
		return l.QuizStatus
	case StageIndexing:
		return l.IndexingStatus
	}
	return ""
}
