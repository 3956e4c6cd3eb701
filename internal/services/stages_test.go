package services

import (
  "context"
  "errors"
  "fmt"
  "strings"
  "testing"

  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

type fakeStage struct {
  key    string
  prereq string
  runs   int
  runErr error
  panics bool
}

func (s *fakeStage) Key() string          { return s.key }
func (s *fakeStage) Prerequisite() string { return s.prereq }

func (s *fakeStage) Run(ctx context.Context, lec *types.Lecture) error {
  s.runs++
  if s.panics {
    panic("boom")
  }
  return s.runErr
}

func pendingLecture() *types.Lecture {
  return &types.Lecture{
    ID:               uuid.New(),
    CourseID:         uuid.New(),
    Title:            "Thermodynamics I",
    StorageKey:       "courses/x/lectures/y/deck.pdf",
    AnalysisStatus:   types.StageStatusPending,
    FlashcardsStatus: types.StageStatusPending,
    QuizStatus:       types.StageStatusPending,
    IndexingStatus:   types.StageStatusPending,
  }
}

func TestRunStageSkipsCompletedStage(t *testing.T) {
  lec := pendingLecture()
  lec.AnalysisStatus = types.StageStatusCompleted
  repo := newFakeLectureRepo(lec)
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageAnalysis}

  if err := runner.RunStage(context.Background(), lec.ID, stage, false); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }
  if stage.runs != 0 {
    t.Fatalf("completed stage should not execute, ran %d times", stage.runs)
  }
}

func TestRunStageForceReexecutesCompletedStage(t *testing.T) {
  lec := pendingLecture()
  lec.AnalysisStatus = types.StageStatusCompleted
  repo := newFakeLectureRepo(lec)
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageAnalysis}

  if err := runner.RunStage(context.Background(), lec.ID, stage, true); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }
  if stage.runs != 1 {
    t.Fatalf("forced stage should execute once, ran %d times", stage.runs)
  }
}

func TestRunStagePrerequisiteNotMet(t *testing.T) {
  lec := pendingLecture()
  repo := newFakeLectureRepo(lec)
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageFlashcards, prereq: types.StageAnalysis}

  err := runner.RunStage(context.Background(), lec.ID, stage, false)
  var prereqErr *PrerequisiteNotMetError
  if !errors.As(err, &prereqErr) {
    t.Fatalf("expected PrerequisiteNotMetError, got %v", err)
  }
  if stage.runs != 0 {
    t.Fatalf("stage with unmet prerequisite should not execute")
  }
  // The lecture is untouched: status stays pending, no error record.
  stored := repo.stored(lec.ID)
  if stored.FlashcardsStatus != types.StageStatusPending {
    t.Fatalf("expected status pending, got %q", stored.FlashcardsStatus)
  }
  if rec, _ := repos.StageErrorFor(stored, types.StageFlashcards); rec != nil {
    t.Fatalf("expected no error record, got %+v", rec)
  }
}

func TestRunStageFailurePersistsErrorRecord(t *testing.T) {
  lec := pendingLecture()
  repo := newFakeLectureRepo(lec)
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageAnalysis, runErr: fmt.Errorf("renderer exploded")}

  if err := runner.RunStage(context.Background(), lec.ID, stage, false); err == nil {
    t.Fatalf("expected stage failure")
  }

  stored := repo.stored(lec.ID)
  if stored.AnalysisStatus != types.StageStatusFailed {
    t.Fatalf("expected status failed, got %q", stored.AnalysisStatus)
  }
  rec, err := repos.StageErrorFor(stored, types.StageAnalysis)
  if err != nil {
    t.Fatalf("failed to decode stage error: %v", err)
  }
  if rec == nil || rec.Message != "renderer exploded" {
    t.Fatalf("expected persisted error record, got %+v", rec)
  }
  if rec.Timestamp.IsZero() {
    t.Fatalf("expected timestamp on error record")
  }
}

func TestRunStageSuccessClearsPreviousError(t *testing.T) {
  lec := pendingLecture()
  repo := newFakeLectureRepo(lec)
  if err := repo.SetStageError(context.Background(), nil, lec.ID, types.StageAnalysis, types.StageError{Message: "old failure"}); err != nil {
    t.Fatalf("seed error: %v", err)
  }
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageAnalysis}

  if err := runner.RunStage(context.Background(), lec.ID, stage, false); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }

  stored := repo.stored(lec.ID)
  if stored.AnalysisStatus != types.StageStatusCompleted {
    t.Fatalf("expected status completed, got %q", stored.AnalysisStatus)
  }
  if rec, _ := repos.StageErrorFor(stored, types.StageAnalysis); rec != nil {
    t.Fatalf("expected error record cleared, got %+v", rec)
  }
}

func TestRunStagePanicBecomesFailure(t *testing.T) {
  lec := pendingLecture()
  repo := newFakeLectureRepo(lec)
  runner := NewStageRunner(testLogger(t), repo)
  stage := &fakeStage{key: types.StageQuiz, panics: true}

  err := runner.RunStage(context.Background(), lec.ID, stage, false)
  if err == nil {
    t.Fatalf("expected failure from panicking stage")
  }
  stored := repo.stored(lec.ID)
  if stored.QuizStatus != types.StageStatusFailed {
    t.Fatalf("expected status failed, got %q", stored.QuizStatus)
  }
  rec, recErr := repos.StageErrorFor(stored, types.StageQuiz)
  if recErr != nil {
    t.Fatalf("failed to decode stage error: %v", recErr)
  }
  if rec == nil || !strings.Contains(rec.Message, "panic") {
    t.Fatalf("expected panic error record, got %+v", rec)
  }
  // The panic's stack trace is persisted, not just logged.
  if !strings.Contains(rec.Trace, "runGuarded") {
    t.Fatalf("expected stack trace in error record, got %q", rec.Trace)
  }
}

func TestRunStageUnknownLecture(t *testing.T) {
  runner := NewStageRunner(testLogger(t), newFakeLectureRepo())
  if err := runner.RunStage(context.Background(), uuid.New(), &fakeStage{key: types.StageAnalysis}, false); err == nil {
    t.Fatalf("expected error for unknown lecture")
  }
}
