package repos

import (
  "context"
  "encoding/json"
  "fmt"
  "time"

  "github.com/google/uuid"
  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/types"
)

// Column whitelists. Stage handlers address statuses, content blobs and
// error records by field group; anything outside these maps is rejected.
var lectureStatusColumns = map[string]string{
  types.StageAnalysis:   "analysis_status",
  types.StageFlashcards: "flashcards_status",
  types.StageQuiz:       "quiz_status",
  types.StageIndexing:   "indexing_status",
}

var lectureContentColumns = map[string]string{
  "slide_analyses":     "slide_analyses",
  "structured_content": "structured_content",
  "flashcards":         "flashcards",
  "quiz_data":          "quiz_data",
  "indexing_meta":      "indexing_meta",
}

type LectureRepo interface {
  Create(ctx context.Context, tx *gorm.DB, lectures []*types.Lecture) ([]*types.Lecture, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Lecture, error)
  GetByCourseIDs(ctx context.Context, tx *gorm.DB, courseIDs []uuid.UUID) ([]*types.Lecture, error)

  UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, value string) error
  UpdateSlideCount(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) error
  UpdateContent(ctx context.Context, tx *gorm.DB, id uuid.UUID, field string, data datatypes.JSON) error
  SetStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, rec types.StageError) error
  ClearStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string) error
}

type lectureRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewLectureRepo(db *gorm.DB, baseLog *logger.Logger) LectureRepo {
  repoLog := baseLog.With("repo", "LectureRepo")
  return &lectureRepo{db: db, log: repoLog}
}

func (r *lectureRepo) Create(ctx context.Context, tx *gorm.DB, lectures []*types.Lecture) ([]*types.Lecture, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if len(lectures) == 0 {
    return []*types.Lecture{}, nil
  }
  if err := transaction.WithContext(ctx).Create(&lectures).Error; err != nil {
    return nil, err
  }
  return lectures, nil
}

func (r *lectureRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Lecture, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil, nil
  }
  var lec types.Lecture
  err := transaction.WithContext(ctx).
    Where("id = ?", id).
    Limit(1).
    Find(&lec).Error
  if err != nil {
    return nil, err
  }
  if lec.ID == uuid.Nil {
    return nil, nil
  }
  return &lec, nil
}

func (r *lectureRepo) GetByCourseIDs(ctx context.Context, tx *gorm.DB, courseIDs []uuid.UUID) ([]*types.Lecture, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var results []*types.Lecture
  if len(courseIDs) == 0 {
    return results, nil
  }
  if err := transaction.WithContext(ctx).
    Where("course_id IN ?", courseIDs).
    Order("created_at ASC").
    Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (r *lectureRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, value string) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  col, ok := lectureStatusColumns[stage]
  if !ok {
    return fmt.Errorf("unknown lecture stage %q", stage)
  }
  switch value {
  case types.StageStatusPending, types.StageStatusInProgress, types.StageStatusCompleted, types.StageStatusFailed:
  default:
    return fmt.Errorf("invalid stage status %q", value)
  }
  return transaction.WithContext(ctx).
    Model(&types.Lecture{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      col:          value,
      "updated_at": time.Now(),
    }).Error
}

func (r *lectureRepo) UpdateSlideCount(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if count < 0 {
    return fmt.Errorf("invalid slide count %d", count)
  }
  return transaction.WithContext(ctx).
    Model(&types.Lecture{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      "slide_count": count,
      "updated_at":  time.Now(),
    }).Error
}

func (r *lectureRepo) UpdateContent(ctx context.Context, tx *gorm.DB, id uuid.UUID, field string, data datatypes.JSON) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  col, ok := lectureContentColumns[field]
  if !ok {
    return fmt.Errorf("unknown lecture content field %q", field)
  }
  return transaction.WithContext(ctx).
    Model(&types.Lecture{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      col:          data,
      "updated_at": time.Now(),
    }).Error
}

func (r *lectureRepo) SetStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, rec types.StageError) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if _, ok := lectureStatusColumns[stage]; !ok {
    return fmt.Errorf("unknown lecture stage %q", stage)
  }
  if rec.Timestamp.IsZero() {
    rec.Timestamp = time.Now()
  }
  b, err := json.Marshal(rec)
  if err != nil {
    return err
  }
  return transaction.WithContext(ctx).
    Model(&types.Lecture{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      "stage_errors": gorm.Expr(
        `jsonb_set(COALESCE(stage_errors, '{}'::jsonb), ?, ?::jsonb)`,
        "{"+stage+"}", string(b),
      ),
      "updated_at": time.Now(),
    }).Error
}

func (r *lectureRepo) ClearStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if _, ok := lectureStatusColumns[stage]; !ok {
    return fmt.Errorf("unknown lecture stage %q", stage)
  }
  return transaction.WithContext(ctx).
    Model(&types.Lecture{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      "stage_errors": gorm.Expr(`COALESCE(stage_errors, '{}'::jsonb) - ?`, stage),
      "updated_at":   time.Now(),
    }).Error
}

// StageErrorFor decodes the persisted error record for one stage, if any.
func StageErrorFor(lec *types.Lecture, stage string) (*types.StageError, error) {
  if lec == nil || len(lec.StageErrors) == 0 {
    return nil, nil
  }
  var m map[string]types.StageError
  if err := json.Unmarshal(lec.StageErrors, &m); err != nil {
    return nil, err
  }
  rec, ok := m[stage]
  if !ok {
    return nil, nil
  }
  return &rec, nil
}
