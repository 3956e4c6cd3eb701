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

type flashcardsStage struct {
  log      *logger.Logger
  lectures repos.LectureRepo
  ai       AIClient
}

func NewFlashcardsStage(log *logger.Logger, lectures repos.LectureRepo, ai AIClient) Stage {
  return &flashcardsStage{
    log:      log.With("stage", types.StageFlashcards),
    lectures: lectures,
    ai:       ai,
  }
}

func (s *flashcardsStage) Key() string          { return types.StageFlashcards }
func (s *flashcardsStage) Prerequisite() string { return types.StageAnalysis }

func (s *flashcardsStage) Run(ctx context.Context, lec *types.Lecture) error {
  doc, err := decodeStructuredContent(lec)
  if err != nil {
    return err
  }

  text, err := s.ai.Generate(ctx, buildFlashcardsPrompt(lec.Title, doc))
  if err != nil {
    return fmt.Errorf("generate flashcards: %w", err)
  }

  set, ok := parseFlashcardSet(text)
  if !ok {
    return fmt.Errorf("unparseable flashcards response")
  }
  if len(set.Cards) == 0 {
    return fmt.Errorf("flashcards response contained no cards")
  }
  s.log.Info("Generated flashcards", "lecture_id", lec.ID, "cards", len(set.Cards))

  setJSON, err := json.Marshal(set)
  if err != nil {
    return fmt.Errorf("encode flashcards: %w", err)
  }
  if err := s.lectures.UpdateContent(ctx, nil, lec.ID, "flashcards", setJSON); err != nil {
    return fmt.Errorf("persist flashcards: %w", err)
  }
  return nil
}

// decodeStructuredContent loads the Analysis stage's document; stages past
// Analysis cannot run without it.
func decodeStructuredContent(lec *types.Lecture) (*types.StructuredDocument, error) {
  if len(lec.StructuredContent) == 0 {
    return nil, fmt.Errorf("lecture %s has no structured content", lec.ID)
  }
  var doc types.StructuredDocument
  if err := json.Unmarshal(lec.StructuredContent, &doc); err != nil {
    return nil, fmt.Errorf("decode structured content: %w", err)
  }
  return &doc, nil
}

// decodeFlashcards loads the Flashcards stage's card set for the stages
// that consume it.
func decodeFlashcards(lec *types.Lecture) (*types.FlashcardSet, error) {
  if len(lec.Flashcards) == 0 {
    return nil, fmt.Errorf("lecture %s has no flashcards", lec.ID)
  }
  var set types.FlashcardSet
  if err := json.Unmarshal(lec.Flashcards, &set); err != nil {
    return nil, fmt.Errorf("decode flashcards: %w", err)
  }
  return &set, nil
}

// renderDocument flattens the structured document into prompt text shared
// by the flashcard and quiz stages.
func renderDocument(doc *types.StructuredDocument) string {
  var sb strings.Builder
  if doc.Summary != "" {
    sb.WriteString("Summary: ")
    sb.WriteString(doc.Summary)
    sb.WriteString("\n\n")
  }
  for _, sec := range doc.Sections {
    fmt.Fprintf(&sb, "## %s\n%s\n", sec.Title, sec.Content)
    if len(sec.KeyPoints) > 0 {
      fmt.Fprintf(&sb, "Key points: %s\n", strings.Join(sec.KeyPoints, "; "))
    }
    sb.WriteString("\n")
  }
  if len(doc.KeyConcepts) > 0 {
    fmt.Fprintf(&sb, "Key concepts: %s\n", strings.Join(doc.KeyConcepts, "; "))
  }
  if len(doc.LearningObjectives) > 0 {
    fmt.Fprintf(&sb, "Learning objectives: %s\n", strings.Join(doc.LearningObjectives, "; "))
  }
  return sb.String()
}

func buildFlashcardsPrompt(lectureTitle string, doc *types.StructuredDocument) string {
  var sb strings.Builder
  fmt.Fprintf(&sb, "Create study flashcards for the lecture %q from the material below.\n\n", lectureTitle)
  sb.WriteString(renderDocument(doc))
  sb.WriteString("\nCover every key concept at least once. Return ONLY a JSON object ")
  sb.WriteString(`{"cards": [{"front", "back", "concept"}]}. `)
  sb.WriteString("Fronts are questions or prompts; backs are concise answers.")
  return sb.String()
}

func parseFlashcardSet(text string) (*types.FlashcardSet, bool) {
  cleaned := stripCodeFences(text)
  var set types.FlashcardSet
  if err := json.Unmarshal([]byte(cleaned), &set); err == nil && set.Cards != nil {
    return &set, true
  }
  // Bare array shape.
  var cards []types.Flashcard
  if err := json.Unmarshal([]byte(cleaned), &cards); err == nil {
    return &types.FlashcardSet{Cards: cards}, true
  }
  return nil, false
}
