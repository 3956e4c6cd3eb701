package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

type quizStage struct {
  log      *logger.Logger
  lectures repos.LectureRepo
  ai       AIClient
}

func NewQuizStage(log *logger.Logger, lectures repos.LectureRepo, ai AIClient) Stage {
  return &quizStage{
    log:      log.With("stage", types.StageQuiz),
    lectures: lectures,
    ai:       ai,
  }
}

func (s *quizStage) Key() string          { return types.StageQuiz }
func (s *quizStage) Prerequisite() string { return types.StageFlashcards }

// Run generates one question set per difficulty level from the lecture's
// flashcards and structured document. A failed level keeps its slot with an
// error message and does not block the other levels; the partial quiz is
// persisted either way, but the stage only completes when every level
// succeeded.
func (s *quizStage) Run(ctx context.Context, lec *types.Lecture) error {
  cards, err := decodeFlashcards(lec)
  if err != nil {
    return err
  }
  doc, err := decodeStructuredContent(lec)
  if err != nil {
    return err
  }
  material := renderFlashcards(cards) + renderDocument(doc)

  set := &types.QuizSet{Levels: make([]types.QuizLevel, 0, len(types.QuizDifficulties))}
  var failedLevels []string
  for _, difficulty := range types.QuizDifficulties {
    level := s.generateLevel(ctx, lec.Title, difficulty, material)
    if level.Error != "" {
      failedLevels = append(failedLevels, difficulty)
    }
    set.Levels = append(set.Levels, level)
  }

  setJSON, err := json.Marshal(set)
  if err != nil {
    return fmt.Errorf("encode quiz: %w", err)
  }
  if err := s.lectures.UpdateContent(ctx, nil, lec.ID, "quiz_data", setJSON); err != nil {
    return fmt.Errorf("persist quiz: %w", err)
  }

  if len(failedLevels) > 0 {
    return fmt.Errorf("quiz levels failed: %s", strings.Join(failedLevels, ", "))
  }
  s.log.Info("Generated quiz", "lecture_id", lec.ID, "levels", len(set.Levels))
  return nil
}

func (s *quizStage) generateLevel(ctx context.Context, lectureTitle, difficulty, material string) types.QuizLevel {
  text, err := s.ai.Generate(ctx, buildQuizPrompt(lectureTitle, difficulty, material))
  if err != nil {
    s.log.Warn("Quiz level generation failed", "difficulty", difficulty, "error", err)
    return types.QuizLevel{Difficulty: difficulty, Error: err.Error()}
  }
  questions, ok := parseQuizQuestions(text)
  if !ok || len(questions) == 0 {
    s.log.Warn("Quiz level response unusable", "difficulty", difficulty)
    return types.QuizLevel{Difficulty: difficulty, Error: "unparseable quiz response"}
  }
  return types.QuizLevel{Difficulty: difficulty, Questions: questions}
}

// renderFlashcards flattens the card set into prompt text so quiz questions
// track the concepts the flashcards already cover.
func renderFlashcards(set *types.FlashcardSet) string {
  if set == nil || len(set.Cards) == 0 {
    return ""
  }
  var sb strings.Builder
  sb.WriteString("Flashcards:\n")
  for _, card := range set.Cards {
    fmt.Fprintf(&sb, "- Q: %s A: %s\n", card.Front, card.Back)
  }
  sb.WriteString("\n")
  return sb.String()
}

func buildQuizPrompt(lectureTitle, difficulty, material string) string {
  var sb strings.Builder
  fmt.Fprintf(&sb, "Create a %s-difficulty multiple-choice quiz for the lecture %q from the material below.\n\n", difficulty, lectureTitle)
  sb.WriteString(material)
  sb.WriteString("\nReturn ONLY a JSON object ")
  sb.WriteString(`{"questions": [{"prompt", "options", "correct_index", "explanation"}]} `)
  sb.WriteString("with four options per question and correct_index as a 0-based integer.")
  return sb.String()
}

func parseQuizQuestions(text string) ([]types.QuizQuestion, bool) {
  cleaned := stripCodeFences(text)
  var wrapper struct {
    Questions []types.QuizQuestion `json:"questions"`
  }
  if err := json.Unmarshal([]byte(cleaned), &wrapper); err == nil && wrapper.Questions != nil {
    return validQuestions(wrapper.Questions), true
  }
  var questions []types.QuizQuestion
  if err := json.Unmarshal([]byte(cleaned), &questions); err == nil {
    return validQuestions(questions), true
  }
  return nil, false
}

// validQuestions drops entries whose correct_index does not address an
// option; a quiz with a dangling answer key is worse than a shorter quiz.
func validQuestions(in []types.QuizQuestion) []types.QuizQuestion {
  out := make([]types.QuizQuestion, 0, len(in))
  for _, q := range in {
    if q.Prompt == "" || len(q.Options) == 0 {
      continue
    }
    if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
      continue
    }
    out = append(out, q)
  }
  return out
}
