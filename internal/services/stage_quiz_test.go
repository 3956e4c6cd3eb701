package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"
  "testing"

  "github.com/studydeck/backend/internal/types"
)

func lectureWithFlashcards(t *testing.T) *types.Lecture {
  t.Helper()
  lec := lectureWithDocument(t)
  lec.FlashcardsStatus = types.StageStatusCompleted
  cards, err := json.Marshal(types.FlashcardSet{Cards: []types.Flashcard{
    {Front: "What is entropy?", Back: "A measure of disorder.", Concept: "entropy"},
  }})
  if err != nil {
    t.Fatalf("marshal cards: %v", err)
  }
  lec.Flashcards = cards
  return lec
}

func quizLevelResponse() string {
  return `{"questions": [{
    "prompt": "What does the second law state?",
    "options": ["Entropy decreases", "Entropy increases", "Energy is lost", "Heat is work"],
    "correct_index": 1,
    "explanation": "Entropy of an isolated system never decreases."
  }]}`
}

func TestQuizStageGeneratesAllLevels(t *testing.T) {
  lec := lectureWithFlashcards(t)
  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      return quizLevelResponse(), nil
    },
  }
  stage := NewQuizStage(testLogger(t), repo, ai)

  if err := stage.Run(context.Background(), lec); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }
  if got := ai.totalGenerateCalls(); got != len(types.QuizDifficulties) {
    t.Fatalf("expected %d model calls, got %d", len(types.QuizDifficulties), got)
  }

  var set types.QuizSet
  if err := json.Unmarshal(repo.stored(lec.ID).QuizData, &set); err != nil {
    t.Fatalf("decode persisted quiz: %v", err)
  }
  if len(set.Levels) != len(types.QuizDifficulties) {
    t.Fatalf("expected %d levels, got %d", len(types.QuizDifficulties), len(set.Levels))
  }
  for i, level := range set.Levels {
    if level.Difficulty != types.QuizDifficulties[i] {
      t.Fatalf("level %d: expected difficulty %q, got %q", i, types.QuizDifficulties[i], level.Difficulty)
    }
    if level.Error != "" || len(level.Questions) == 0 {
      t.Fatalf("level %d: expected questions, got %+v", i, level)
    }
  }
}

func TestQuizStagePersistsPartialResultOnLevelFailure(t *testing.T) {
  lec := lectureWithFlashcards(t)
  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      if strings.Contains(prompt, "hard-difficulty") {
        return "", fmt.Errorf("model refused")
      }
      return quizLevelResponse(), nil
    },
  }
  stage := NewQuizStage(testLogger(t), repo, ai)

  err := stage.Run(context.Background(), lec)
  if err == nil {
    t.Fatalf("expected stage failure when a level fails")
  }
  if !strings.Contains(err.Error(), "hard") {
    t.Fatalf("expected failure to name the level, got %v", err)
  }

  // The partial quiz is still persisted: every level keeps its slot.
  var set types.QuizSet
  if jsonErr := json.Unmarshal(repo.stored(lec.ID).QuizData, &set); jsonErr != nil {
    t.Fatalf("decode persisted quiz: %v", jsonErr)
  }
  if len(set.Levels) != len(types.QuizDifficulties) {
    t.Fatalf("expected %d levels, got %d", len(types.QuizDifficulties), len(set.Levels))
  }
  for _, level := range set.Levels {
    if level.Difficulty == "hard" {
      if level.Error == "" || len(level.Questions) != 0 {
        t.Fatalf("expected error slot for hard level, got %+v", level)
      }
      continue
    }
    if level.Error != "" || len(level.Questions) == 0 {
      t.Fatalf("expected questions for %s level, got %+v", level.Difficulty, level)
    }
  }
}

func TestQuizPromptsIncludeFlashcardContent(t *testing.T) {
  lec := lectureWithFlashcards(t)
  repo := newFakeLectureRepo(lec)
  var prompts []string
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      prompts = append(prompts, prompt)
      return quizLevelResponse(), nil
    },
  }
  stage := NewQuizStage(testLogger(t), repo, ai)

  if err := stage.Run(context.Background(), lec); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }
  for i, prompt := range prompts {
    if !strings.Contains(prompt, "What is entropy?") || !strings.Contains(prompt, "A measure of disorder.") {
      t.Fatalf("prompt %d missing flashcard content:\n%s", i, prompt)
    }
  }
}

func TestQuizStageRequiresFlashcards(t *testing.T) {
  lec := lectureWithDocument(t)
  lec.FlashcardsStatus = types.StageStatusCompleted
  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    generateFn: func(prompt string) (string, error) {
      return quizLevelResponse(), nil
    },
  }
  stage := NewQuizStage(testLogger(t), repo, ai)

  if err := stage.Run(context.Background(), lec); err == nil {
    t.Fatalf("expected error without flashcards")
  }
  if got := ai.totalGenerateCalls(); got != 0 {
    t.Fatalf("expected no model calls, got %d", got)
  }
}

func TestValidQuestionsDropsDanglingAnswers(t *testing.T) {
  in := []types.QuizQuestion{
    {Prompt: "ok", Options: []string{"a", "b"}, CorrectIndex: 1},
    {Prompt: "bad index", Options: []string{"a", "b"}, CorrectIndex: 5},
    {Prompt: "negative", Options: []string{"a"}, CorrectIndex: -1},
    {Prompt: "", Options: []string{"a"}, CorrectIndex: 0},
  }
  out := validQuestions(in)
  if len(out) != 1 || out[0].Prompt != "ok" {
    t.Fatalf("expected only the valid question, got %+v", out)
  }
}
