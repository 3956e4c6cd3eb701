package services

import (
  "context"
  "encoding/json"
  "testing"

  "github.com/studydeck/backend/internal/types"
)

func lectureWithDocument(t *testing.T) *types.Lecture {
  t.Helper()
  lec := pendingLecture()
  lec.AnalysisStatus = types.StageStatusCompleted
  doc := types.StructuredDocument{
    Summary: "a lecture on entropy",
    Sections: []types.DocumentSection{
      {Title: "Entropy", Content: "disorder increases", KeyPoints: []string{"second law"}},
    },
    KeyConcepts: []string{"entropy"},
  }
  b, err := json.Marshal(doc)
  if err != nil {
    t.Fatalf("marshal document: %v", err)
  }
  lec.StructuredContent = b
  return lec
}

func TestFlashcardsStagePersistsCards(t *testing.T) {
  lec := lectureWithDocument(t)
  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      return `{"cards": [{"front": "What is entropy?", "back": "A measure of disorder.", "concept": "entropy"}]}`, nil
    },
  }
  stage := NewFlashcardsStage(testLogger(t), repo, ai)

  if err := stage.Run(context.Background(), lec); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }

  stored := repo.stored(lec.ID)
  var set types.FlashcardSet
  if err := json.Unmarshal(stored.Flashcards, &set); err != nil {
    t.Fatalf("decode persisted flashcards: %v", err)
  }
  if len(set.Cards) != 1 || set.Cards[0].Front != "What is entropy?" {
    t.Fatalf("unexpected persisted cards %+v", set.Cards)
  }
}

func TestFlashcardsStageRejectsEmptySet(t *testing.T) {
  lec := lectureWithDocument(t)
  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      return `{"cards": []}`, nil
    },
  }
  stage := NewFlashcardsStage(testLogger(t), repo, ai)

  if err := stage.Run(context.Background(), lec); err == nil {
    t.Fatalf("expected error for empty card set")
  }
}

func TestFlashcardsStageRequiresDocument(t *testing.T) {
  lec := pendingLecture()
  repo := newFakeLectureRepo(lec)
  stage := NewFlashcardsStage(testLogger(t), repo, &fakeAIClient{})

  if err := stage.Run(context.Background(), lec); err == nil {
    t.Fatalf("expected error without structured content")
  }
}

func TestParseFlashcardSetShapes(t *testing.T) {
  set, ok := parseFlashcardSet("```json\n{\"cards\": [{\"front\": \"f\", \"back\": \"b\"}]}\n```")
  if !ok || len(set.Cards) != 1 {
    t.Fatalf("expected fenced object shape to parse, got %v %v", set, ok)
  }
  set, ok = parseFlashcardSet(`[{"front": "f", "back": "b"}]`)
  if !ok || len(set.Cards) != 1 {
    t.Fatalf("expected bare array shape to parse, got %v %v", set, ok)
  }
  if _, ok := parseFlashcardSet("not json at all"); ok {
    t.Fatalf("expected parse failure for prose")
  }
}
