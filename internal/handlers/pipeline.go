package handlers

import (
  "errors"
  "net/http"

  "github.com/gin-gonic/gin"
  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/services"
  "github.com/studydeck/backend/internal/sse"
  "github.com/studydeck/backend/internal/types"
)

type PipelineHandler struct {
  log      *logger.Logger
  pipeline services.PipelineService
  lectures repos.LectureRepo
  runs     repos.PipelineRunRepo
  hub      *sse.SSEHub
}

func NewPipelineHandler(
  log *logger.Logger,
  pipeline services.PipelineService,
  lectures repos.LectureRepo,
  runs repos.PipelineRunRepo,
  hub *sse.SSEHub,
) *PipelineHandler {
  return &PipelineHandler{
    log:      log.With("handler", "PipelineHandler"),
    pipeline: pipeline,
    lectures: lectures,
    runs:     runs,
    hub:      hub,
  }
}

// TriggerPipeline enqueues a background run for the lecture. Repeated
// triggers while a run is queued or running return the existing run.
func (h *PipelineHandler) TriggerPipeline(c *gin.Context) {
  lectureID, err := uuid.Parse(c.Param("lectureID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_lecture_id", err)
    return
  }
  run, err := h.pipeline.EnqueueLecture(c.Request.Context(), lectureID, uuid.Nil)
  if err != nil {
    h.log.Error("TriggerPipeline failed", "error", err, "lecture_id", lectureID)
    RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
    return
  }
  RespondOK(c, gin.H{"run": run})
}

// RunStage executes one stage synchronously. ?force=true re-runs a
// completed stage.
func (h *PipelineHandler) RunStage(c *gin.Context) {
  lectureID, err := uuid.Parse(c.Param("lectureID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_lecture_id", err)
    return
  }
  stage := c.Param("stage")
  force := c.Query("force") == "true"

  if err := h.pipeline.RunStage(c.Request.Context(), lectureID, stage, force); err != nil {
    var prereqErr *services.PrerequisiteNotMetError
    if errors.As(err, &prereqErr) {
      RespondError(c, http.StatusConflict, "prerequisite_not_met", err)
      return
    }
    h.log.Error("RunStage failed", "error", err, "lecture_id", lectureID, "stage", stage)
    RespondError(c, http.StatusInternalServerError, "stage_failed", err)
    return
  }
  RespondOK(c, gin.H{"lecture_id": lectureID, "stage": stage, "status": types.StageStatusCompleted})
}

// GetPipelineStatus reports the per-stage statuses, persisted stage errors,
// and the latest run for the lecture.
func (h *PipelineHandler) GetPipelineStatus(c *gin.Context) {
  lectureID, err := uuid.Parse(c.Param("lectureID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_lecture_id", err)
    return
  }
  lec, err := h.lectures.GetByID(c.Request.Context(), nil, lectureID)
  if err != nil {
    h.log.Error("GetPipelineStatus failed", "error", err, "lecture_id", lectureID)
    RespondError(c, http.StatusInternalServerError, "load_lecture_failed", err)
    return
  }
  if lec == nil {
    RespondError(c, http.StatusNotFound, "lecture_not_found", nil)
    return
  }
  run, err := h.runs.GetLatestByLectureID(c.Request.Context(), nil, lectureID)
  if err != nil {
    h.log.Error("GetPipelineStatus run lookup failed", "error", err, "lecture_id", lectureID)
    RespondError(c, http.StatusInternalServerError, "load_run_failed", err)
    return
  }

  stages := gin.H{}
  for _, stage := range []string{types.StageAnalysis, types.StageFlashcards, types.StageQuiz, types.StageIndexing} {
    entry := gin.H{"status": lec.StageStatus(stage)}
    if rec, err := repos.StageErrorFor(lec, stage); err == nil && rec != nil {
      entry["error"] = rec
    }
    stages[stage] = entry
  }
  RespondOK(c, gin.H{"lecture_id": lectureID, "stages": stages, "latest_run": run})
}

// StreamEvents subscribes the caller to the lecture's SSE channel.
func (h *PipelineHandler) StreamEvents(c *gin.Context) {
  lectureID, err := uuid.Parse(c.Param("lectureID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_lecture_id", err)
    return
  }
  client := h.hub.NewSSEClient()
  h.hub.AddChannel(client, sse.LectureChannel(lectureID))
  defer h.hub.CloseClient(client)

  h.hub.ServeHTTP(c.Writer, c.Request, client)
}
