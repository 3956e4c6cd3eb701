package types

// Pure JSON contracts for generated study content. Not DB models; they are
// stored inside the Lecture's jsonb content columns.

// SlideRecord is the analysis output for one slide. Every input slide image
// produces exactly one record; a failed slide carries Error instead of
// analyzed fields.
type SlideRecord struct {
	SlideNumber int            `json:"slide_number"`
	Title       string         `json:"title,omitempty"`
	MainText    string         `json:"main_text,omitempty"`
	KeyConcepts []string       `json:"key_concepts,omitempty"`
	Diagrams    []string       `json:"diagrams,omitempty"`
	Examples    []string       `json:"examples,omitempty"`
	Definitions []DefinedTerm  `json:"definitions,omitempty"`
	Formulas    []string       `json:"formulas,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type DefinedTerm struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// StructuredDocument is the condenser output: one per completed Analysis
// stage.
type StructuredDocument struct {
	Summary            string            `json:"summary"`
	Sections           []DocumentSection `json:"sections"`
	KeyConcepts        []string          `json:"key_concepts"`
	LearningObjectives []string          `json:"learning_objectives"`
	Degraded           bool              `json:"degraded,omitempty"`
}

type DocumentSection struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	KeyPoints []string `json:"key_points,omitempty"`
}

type Flashcard struct {
	Front     string `json:"front"`
	Back      string `json:"back"`
	Concept   string `json:"concept,omitempty"`
	SlideRefs []int  `json:"slide_refs,omitempty"`
}

type FlashcardSet struct {
	Cards []Flashcard `json:"cards"`
}

// Quiz difficulty levels, in generation order.
var QuizDifficulties = []string{"easy", "medium", "hard", "expert"}

type QuizQuestion struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
}

// QuizLevel holds one difficulty's questions. A level that failed to
// generate keeps its slot with Error set; the other levels are unaffected.
type QuizLevel struct {
	Difficulty string         `json:"difficulty"`
	Questions  []QuizQuestion `json:"questions,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type QuizSet struct {
	Levels []QuizLevel `json:"levels"`
}

// IndexingMeta records what the Indexing stage wrote to the vector store.
type IndexingMeta struct {
	Namespace   string `json:"namespace"`
	VectorCount int    `json:"vector_count"`
	EmbedModel  string `json:"embed_model,omitempty"`
}

// StageRunReport is the ephemeral result of one orchestrator invocation.
// Not persisted; returned to the caller.
type StageRunReport struct {
	LectureID       string   `json:"lecture_id"`
	CompletedStages []string `json:"completed_stages"`
	FailedStage     string   `json:"failed_stage,omitempty"`
	Error           string   `json:"error,omitempty"`
	Success         bool     `json:"success"`
}
