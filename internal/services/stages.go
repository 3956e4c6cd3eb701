package services

import (
  "context"
  "fmt"
  "runtime/debug"
  "time"

  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

// Stage is one unit of the content pipeline. Run performs the work and
// persists its own content columns; status transitions and error records
// are handled by the StageRunner around it.
type Stage interface {
  Key() string
  // Prerequisite names the stage that must be completed first, or "" for
  // the pipeline entry stage.
  Prerequisite() string
  Run(ctx context.Context, lec *types.Lecture) error
}

// PrerequisiteNotMetError is returned when a stage is invoked before its
// prerequisite stage has completed. The lecture is left untouched.
type PrerequisiteNotMetError struct {
  Stage        string
  Prerequisite string
  Status       string
}

func (e *PrerequisiteNotMetError) Error() string {
  return fmt.Sprintf("stage %q requires %q to be completed (currently %q)", e.Stage, e.Prerequisite, e.Status)
}

// StageRunner wraps stage execution with the shared lifecycle: prerequisite
// check, completed-stage short-circuit, in_progress/completed/failed status
// transitions, and persisted error records.
type StageRunner struct {
  log      *logger.Logger
  lectures repos.LectureRepo
}

func NewStageRunner(log *logger.Logger, lectures repos.LectureRepo) *StageRunner {
  return &StageRunner{
    log:      log.With("service", "StageRunner"),
    lectures: lectures,
  }
}

// RunStage executes one stage for one lecture. With force=false a completed
// stage is skipped without any model calls; force re-executes it.
func (r *StageRunner) RunStage(ctx context.Context, lectureID uuid.UUID, stage Stage, force bool) error {
  log := r.log.With("lecture_id", lectureID, "stage", stage.Key())

  lec, err := r.lectures.GetByID(ctx, nil, lectureID)
  if err != nil {
    return fmt.Errorf("load lecture: %w", err)
  }
  if lec == nil {
    return fmt.Errorf("lecture %s not found", lectureID)
  }

  if !force && lec.StageStatus(stage.Key()) == types.StageStatusCompleted {
    log.Info("Stage already completed, skipping")
    return nil
  }

  if prereq := stage.Prerequisite(); prereq != "" {
    if st := lec.StageStatus(prereq); st != types.StageStatusCompleted {
      return &PrerequisiteNotMetError{Stage: stage.Key(), Prerequisite: prereq, Status: st}
    }
  }

  if err := r.lectures.UpdateStatus(ctx, nil, lectureID, stage.Key(), types.StageStatusInProgress); err != nil {
    return fmt.Errorf("mark stage in_progress: %w", err)
  }

  start := time.Now()
  stack, runErr := r.runGuarded(ctx, stage, lec)
  if runErr != nil {
    log.Error("Stage failed", "duration", time.Since(start).String(), "error", runErr)
    trace := stack
    if trace == "" {
      trace = fmt.Sprintf("stage=%s lecture=%s", stage.Key(), lectureID)
    }
    rec := types.StageError{
      Message:   runErr.Error(),
      Trace:     trace,
      Timestamp: time.Now(),
    }
    if err := r.lectures.SetStageError(ctx, nil, lectureID, stage.Key(), rec); err != nil {
      log.Error("Failed to persist stage error record", "error", err)
    }
    if err := r.lectures.UpdateStatus(ctx, nil, lectureID, stage.Key(), types.StageStatusFailed); err != nil {
      log.Error("Failed to mark stage failed", "error", err)
    }
    return fmt.Errorf("stage %s: %w", stage.Key(), runErr)
  }

  if err := r.lectures.UpdateStatus(ctx, nil, lectureID, stage.Key(), types.StageStatusCompleted); err != nil {
    return fmt.Errorf("mark stage completed: %w", err)
  }
  if err := r.lectures.ClearStageError(ctx, nil, lectureID, stage.Key()); err != nil {
    log.Warn("Failed to clear stale stage error record", "error", err)
  }
  log.Info("Stage completed", "duration", time.Since(start).String())
  return nil
}

// runGuarded converts a stage panic into an error; stack carries the panic
// stack trace so it can be persisted with the error record.
func (r *StageRunner) runGuarded(ctx context.Context, stage Stage, lec *types.Lecture) (stack string, err error) {
  defer func() {
    if rec := recover(); rec != nil {
      stack = string(debug.Stack())
      r.log.Error("Stage panicked", "stage", stage.Key(), "panic", rec, "stack", stack)
      err = fmt.Errorf("stage panic: %v", rec)
    }
  }()
  return "", stage.Run(ctx, lec)
}
