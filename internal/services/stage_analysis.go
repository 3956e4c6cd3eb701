package services

import (
  "context"
  "encoding/json"
  "fmt"
  "io"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

// analysisStage is the pipeline entry stage: it renders the stored slide
// deck to page images, analyzes every slide, condenses the analyses into a
// structured document, and persists both artifacts.
type analysisStage struct {
  log       *logger.Logger
  lectures  repos.LectureRepo
  bucket    BucketService
  renderer  SlideRenderer
  analyzer  BatchAnalyzer
  condenser Condenser
}

func NewAnalysisStage(
  log *logger.Logger,
  lectures repos.LectureRepo,
  bucket BucketService,
  renderer SlideRenderer,
  analyzer BatchAnalyzer,
  condenser Condenser,
) Stage {
  return &analysisStage{
    log:       log.With("stage", types.StageAnalysis),
    lectures:  lectures,
    bucket:    bucket,
    renderer:  renderer,
    analyzer:  analyzer,
    condenser: condenser,
  }
}

func (s *analysisStage) Key() string          { return types.StageAnalysis }
func (s *analysisStage) Prerequisite() string { return "" }

func (s *analysisStage) Run(ctx context.Context, lec *types.Lecture) error {
  rc, err := s.bucket.DownloadFile(ctx, lec.StorageKey)
  if err != nil {
    return fmt.Errorf("download slide deck %q: %w", lec.StorageKey, err)
  }
  pdf, err := io.ReadAll(rc)
  rc.Close()
  if err != nil {
    return fmt.Errorf("read slide deck %q: %w", lec.StorageKey, err)
  }

  images, err := s.renderer.RenderPDF(ctx, pdf)
  if err != nil {
    return fmt.Errorf("render slide deck: %w", err)
  }
  if len(images) == 0 {
    return fmt.Errorf("slide deck rendered to zero pages")
  }
  if err := s.lectures.UpdateSlideCount(ctx, nil, lec.ID, len(images)); err != nil {
    s.log.Warn("Failed to persist slide count", "lecture_id", lec.ID, "error", err)
  }

  records := s.analyzer.AnalyzeSlides(ctx, images)

  failed := 0
  for _, r := range records {
    if r.Error != "" {
      failed++
    }
  }
  // Individual slide failures only mark their own records. When every
  // slide failed there is no content for the downstream stages, so the
  // stage as a whole fails.
  if failed == len(records) {
    return fmt.Errorf("all %d slides failed analysis", len(records))
  }
  if failed > 0 {
    s.log.Warn("Some slides failed analysis", "lecture_id", lec.ID, "failed", failed, "total", len(records))
  }

  analysesJSON, err := json.Marshal(records)
  if err != nil {
    return fmt.Errorf("encode slide analyses: %w", err)
  }
  if err := s.lectures.UpdateContent(ctx, nil, lec.ID, "slide_analyses", analysesJSON); err != nil {
    return fmt.Errorf("persist slide analyses: %w", err)
  }

  // Condensation degrades but never fails; a degraded document still
  // completes the stage.
  doc := s.condenser.Condense(ctx, lec.Title, records)
  docJSON, err := json.Marshal(doc)
  if err != nil {
    return fmt.Errorf("encode structured document: %w", err)
  }
  if err := s.lectures.UpdateContent(ctx, nil, lec.ID, "structured_content", docJSON); err != nil {
    return fmt.Errorf("persist structured document: %w", err)
  }
  return nil
}
