package services

import (
  "context"
  "fmt"
  "time"

  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/sse"
  "github.com/studydeck/backend/internal/types"
  "github.com/studydeck/backend/internal/utils"
)

// PipelineService orchestrates the content stages for a lecture: directly
// via RunFullPipeline/RunStage, or through the run queue via EnqueueLecture
// and the background worker.
type PipelineService interface {
  RunFullPipeline(ctx context.Context, lectureID uuid.UUID, force bool) *types.StageRunReport
  RunStage(ctx context.Context, lectureID uuid.UUID, stageKey string, force bool) error
  EnqueueLecture(ctx context.Context, lectureID, userID uuid.UUID) (*types.PipelineRun, error)
  StartWorker(ctx context.Context)
}

type WorkerConfig struct {
  PollInterval time.Duration
  MaxAttempts  int
  RetryDelay   time.Duration
  StaleRunning time.Duration
}

func WorkerConfigFromEnv(log *logger.Logger) WorkerConfig {
  return WorkerConfig{
    PollInterval: time.Duration(utils.GetEnvAsInt("PIPELINE_WORKER_POLL_MS", 1000, log)) * time.Millisecond,
    MaxAttempts:  utils.GetEnvAsInt("PIPELINE_MAX_ATTEMPTS", 5, log),
    RetryDelay:   time.Duration(utils.GetEnvAsInt("PIPELINE_RETRY_DELAY_SECONDS", 30, log)) * time.Second,
    StaleRunning: time.Duration(utils.GetEnvAsInt("PIPELINE_STALE_RUNNING_SECONDS", 120, log)) * time.Second,
  }
}

type pipelineService struct {
  log      *logger.Logger
  runner   *StageRunner
  stages   []Stage // execution order
  lectures repos.LectureRepo
  runs     repos.PipelineRunRepo
  hub      *sse.SSEHub
  worker   WorkerConfig
}

func NewPipelineService(
  log *logger.Logger,
  runner *StageRunner,
  stages []Stage,
  lectures repos.LectureRepo,
  runs repos.PipelineRunRepo,
  hub *sse.SSEHub,
  worker WorkerConfig,
) PipelineService {
  return &pipelineService{
    log:      log.With("service", "PipelineService"),
    runner:   runner,
    stages:   stages,
    lectures: lectures,
    runs:     runs,
    hub:      hub,
    worker:   worker,
  }
}

// RunFullPipeline executes the stages in order and halts at the first
// failure. Stages already completed are counted without re-executing.
func (s *pipelineService) RunFullPipeline(ctx context.Context, lectureID uuid.UUID, force bool) *types.StageRunReport {
  return s.runPipeline(ctx, lectureID, force, nil)
}

func (s *pipelineService) runPipeline(
  ctx context.Context,
  lectureID uuid.UUID,
  force bool,
  onStage func(stage string, completed, total int),
) *types.StageRunReport {
  report := &types.StageRunReport{LectureID: lectureID.String()}

  for i, stage := range s.stages {
    if err := s.runner.RunStage(ctx, lectureID, stage, force); err != nil {
      report.FailedStage = stage.Key()
      report.Error = err.Error()
      return report
    }
    report.CompletedStages = append(report.CompletedStages, stage.Key())
    if onStage != nil {
      onStage(stage.Key(), i+1, len(s.stages))
    }
  }
  report.Success = true
  return report
}

func (s *pipelineService) RunStage(ctx context.Context, lectureID uuid.UUID, stageKey string, force bool) error {
  for _, stage := range s.stages {
    if stage.Key() == stageKey {
      return s.runner.RunStage(ctx, lectureID, stage, force)
    }
  }
  return fmt.Errorf("unknown stage %q", stageKey)
}

// EnqueueLecture creates a queued run for the lecture. If a run is already
// queued or running the existing one is returned; the queue claim is what
// keeps two triggers from processing the same lecture concurrently.
func (s *pipelineService) EnqueueLecture(ctx context.Context, lectureID, userID uuid.UUID) (*types.PipelineRun, error) {
  lec, err := s.lectures.GetByID(ctx, nil, lectureID)
  if err != nil {
    return nil, fmt.Errorf("load lecture: %w", err)
  }
  if lec == nil {
    return nil, fmt.Errorf("lecture %s not found", lectureID)
  }

  existing, err := s.runs.GetLatestByLectureID(ctx, nil, lectureID)
  if err != nil {
    return nil, err
  }
  if existing != nil && (existing.Status == "queued" || existing.Status == "running") {
    s.log.Info("Lecture already has an active run", "lecture_id", lectureID, "run_id", existing.ID, "status", existing.Status)
    return existing, nil
  }

  run := &types.PipelineRun{
    ID:        uuid.New(),
    LectureID: lectureID,
    UserID:    userID,
    Status:    "queued",
    Stage:     types.StageAnalysis,
  }
  created, err := s.runs.Create(ctx, nil, []*types.PipelineRun{run})
  if err != nil {
    return nil, err
  }

  s.hub.Broadcast(sse.SSEMessage{
    Channel: sse.LectureChannel(lectureID),
    Event:   sse.SSEEventPipelineQueued,
    Data:    map[string]any{"run_id": run.ID, "lecture_id": lectureID},
  })
  return created[0], nil
}

// StartWorker polls the run queue until ctx is cancelled. Multiple workers
// are safe: claims go through FOR UPDATE SKIP LOCKED.
func (s *pipelineService) StartWorker(ctx context.Context) {
  go func() {
    ticker := time.NewTicker(s.worker.PollInterval)
    defer ticker.Stop()
    s.log.Info("Pipeline worker started", "poll", s.worker.PollInterval.String())
    for {
      select {
      case <-ctx.Done():
        s.log.Info("Pipeline worker stopped")
        return
      case <-ticker.C:
        run, err := s.runs.ClaimNextRunnable(ctx, nil, s.worker.MaxAttempts, s.worker.RetryDelay, s.worker.StaleRunning)
        if err != nil {
          s.log.Error("Failed to claim pipeline run", "error", err)
          continue
        }
        if run == nil {
          continue
        }
        s.processRun(ctx, run)
      }
    }
  }()
}

func (s *pipelineService) processRun(ctx context.Context, run *types.PipelineRun) {
  log := s.log.With("run_id", run.ID, "lecture_id", run.LectureID, "attempt", run.Attempts+1)
  log.Info("Processing pipeline run")

  hbCtx, stopHeartbeat := context.WithCancel(ctx)
  defer stopHeartbeat()
  go func() {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()
    for {
      select {
      case <-hbCtx.Done():
        return
      case <-ticker.C:
        if err := s.runs.Heartbeat(hbCtx, nil, run.ID); err != nil {
          log.Warn("Run heartbeat failed", "error", err)
        }
      }
    }
  }()

  channel := sse.LectureChannel(run.LectureID)
  onStage := func(stage string, completed, total int) {
    progress := completed * 100 / total
    if err := s.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
      "stage":    stage,
      "progress": progress,
    }); err != nil {
      log.Warn("Failed to update run progress", "error", err)
    }
    s.hub.Broadcast(sse.SSEMessage{
      Channel: channel,
      Event:   sse.SSEEventPipelineProgress,
      Data:    map[string]any{"run_id": run.ID, "stage": stage, "progress": progress},
    })
  }

  report := s.runPipeline(ctx, run.LectureID, false, onStage)
  stopHeartbeat()

  if report.Success {
    if err := s.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
      "status":   "succeeded",
      "stage":    "done",
      "progress": 100,
      "error":    "",
    }); err != nil {
      log.Error("Failed to mark run succeeded", "error", err)
    }
    s.hub.Broadcast(sse.SSEMessage{
      Channel: channel,
      Event:   sse.SSEEventPipelineCompleted,
      Data:    map[string]any{"run_id": run.ID, "completed_stages": report.CompletedStages},
    })
    log.Info("Pipeline run succeeded", "completed_stages", report.CompletedStages)
    return
  }

  now := time.Now()
  if err := s.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
    "status":        "failed",
    "stage":         report.FailedStage,
    "error":         report.Error,
    "last_error_at": now,
  }); err != nil {
    log.Error("Failed to mark run failed", "error", err)
  }
  s.hub.Broadcast(sse.SSEMessage{
    Channel: channel,
    Event:   sse.SSEEventPipelineFailed,
    Data:    map[string]any{"run_id": run.ID, "failed_stage": report.FailedStage, "error": report.Error},
  })
  log.Error("Pipeline run failed", "failed_stage", report.FailedStage, "error", report.Error)
}
