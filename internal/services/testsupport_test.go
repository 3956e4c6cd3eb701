package services

import (
  "context"
  "encoding/json"
  "fmt"
  "sync"
  "testing"

  "github.com/google/uuid"
  "gorm.io/datatypes"
  "gorm.io/gorm"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
  t.Helper()
  log, err := logger.New("test")
  if err != nil {
    t.Fatalf("failed to init test logger: %v", err)
  }
  return log
}

// fakeAIClient routes calls through overridable functions and counts them.
type fakeAIClient struct {
  mu sync.Mutex

  generateFn func(prompt string) (string, error)
  imagesFn   func(prompt string, images [][]byte) (string, error)
  embedFn    func(inputs []string) ([][]float32, error)

  generateCalls int
  imageCalls    int
  embedCalls    int
}

func (f *fakeAIClient) Generate(ctx context.Context, prompt string) (string, error) {
  f.mu.Lock()
  f.generateCalls++
  fn := f.generateFn
  f.mu.Unlock()
  if fn == nil {
    return "", fmt.Errorf("unexpected Generate call")
  }
  return fn(prompt)
}

func (f *fakeAIClient) GenerateWithImages(ctx context.Context, prompt string, images [][]byte) (string, error) {
  f.mu.Lock()
  f.imageCalls++
  fn := f.imagesFn
  f.mu.Unlock()
  if fn == nil {
    return "", fmt.Errorf("unexpected GenerateWithImages call")
  }
  return fn(prompt, images)
}

func (f *fakeAIClient) GenerateWithImagesAsync(ctx context.Context, prompt string, images [][]byte) <-chan ImageGenResult {
  ch := make(chan ImageGenResult, 1)
  text, err := f.GenerateWithImages(ctx, prompt, images)
  ch <- ImageGenResult{Text: text, Err: err}
  close(ch)
  return ch
}

func (f *fakeAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
  f.mu.Lock()
  f.embedCalls++
  fn := f.embedFn
  f.mu.Unlock()
  if fn == nil {
    return nil, fmt.Errorf("unexpected Embed call")
  }
  return fn(inputs)
}

func (f *fakeAIClient) EmbedModel() string { return "fake-embed" }

func (f *fakeAIClient) totalImageCalls() int {
  f.mu.Lock()
  defer f.mu.Unlock()
  return f.imageCalls
}

func (f *fakeAIClient) totalGenerateCalls() int {
  f.mu.Lock()
  defer f.mu.Unlock()
  return f.generateCalls
}

// fakeLectureRepo is an in-memory LectureRepo good enough for stage and
// pipeline tests.
type fakeLectureRepo struct {
  mu       sync.Mutex
  lectures map[uuid.UUID]*types.Lecture
}

func newFakeLectureRepo(lectures ...*types.Lecture) *fakeLectureRepo {
  m := make(map[uuid.UUID]*types.Lecture, len(lectures))
  for _, l := range lectures {
    m[l.ID] = l
  }
  return &fakeLectureRepo{lectures: m}
}

func (f *fakeLectureRepo) Create(ctx context.Context, tx *gorm.DB, lectures []*types.Lecture) ([]*types.Lecture, error) {
  f.mu.Lock()
  defer f.mu.Unlock()
  for _, l := range lectures {
    f.lectures[l.ID] = l
  }
  return lectures, nil
}

func (f *fakeLectureRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Lecture, error) {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return nil, nil
  }
  cp := *lec
  return &cp, nil
}

func (f *fakeLectureRepo) GetByCourseIDs(ctx context.Context, tx *gorm.DB, courseIDs []uuid.UUID) ([]*types.Lecture, error) {
  f.mu.Lock()
  defer f.mu.Unlock()
  var out []*types.Lecture
  for _, l := range f.lectures {
    for _, cid := range courseIDs {
      if l.CourseID == cid {
        cp := *l
        out = append(out, &cp)
      }
    }
  }
  return out, nil
}

func (f *fakeLectureRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, value string) error {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return fmt.Errorf("lecture %s not found", id)
  }
  switch stage {
  case types.StageAnalysis:
    lec.AnalysisStatus = value
  case types.StageFlashcards:
    lec.FlashcardsStatus = value
  case types.StageQuiz:
    lec.QuizStatus = value
  case types.StageIndexing:
    lec.IndexingStatus = value
  default:
    return fmt.Errorf("unknown stage %q", stage)
  }
  return nil
}

func (f *fakeLectureRepo) UpdateSlideCount(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) error {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return fmt.Errorf("lecture %s not found", id)
  }
  lec.SlideCount = count
  return nil
}

func (f *fakeLectureRepo) UpdateContent(ctx context.Context, tx *gorm.DB, id uuid.UUID, field string, data datatypes.JSON) error {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return fmt.Errorf("lecture %s not found", id)
  }
  switch field {
  case "slide_analyses":
    lec.SlideAnalyses = data
  case "structured_content":
    lec.StructuredContent = data
  case "flashcards":
    lec.Flashcards = data
  case "quiz_data":
    lec.QuizData = data
  case "indexing_meta":
    lec.IndexingMeta = data
  default:
    return fmt.Errorf("unknown content field %q", field)
  }
  return nil
}

func (f *fakeLectureRepo) SetStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string, rec types.StageError) error {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return fmt.Errorf("lecture %s not found", id)
  }
  m := map[string]types.StageError{}
  if len(lec.StageErrors) > 0 {
    if err := json.Unmarshal(lec.StageErrors, &m); err != nil {
      return err
    }
  }
  m[stage] = rec
  b, err := json.Marshal(m)
  if err != nil {
    return err
  }
  lec.StageErrors = b
  return nil
}

func (f *fakeLectureRepo) ClearStageError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage string) error {
  f.mu.Lock()
  defer f.mu.Unlock()
  lec, ok := f.lectures[id]
  if !ok {
    return fmt.Errorf("lecture %s not found", id)
  }
  if len(lec.StageErrors) == 0 {
    return nil
  }
  m := map[string]types.StageError{}
  if err := json.Unmarshal(lec.StageErrors, &m); err != nil {
    return err
  }
  delete(m, stage)
  b, err := json.Marshal(m)
  if err != nil {
    return err
  }
  lec.StageErrors = b
  return nil
}

func (f *fakeLectureRepo) stored(id uuid.UUID) *types.Lecture {
  f.mu.Lock()
  defer f.mu.Unlock()
  return f.lectures[id]
}
