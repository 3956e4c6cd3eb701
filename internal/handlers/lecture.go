package handlers

import (
  "fmt"
  "net/http"
  "path/filepath"
  "strings"

  "github.com/gin-gonic/gin"
  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/services"
  "github.com/studydeck/backend/internal/types"
)

type LectureHandler struct {
  log      *logger.Logger
  lectures repos.LectureRepo
  bucket   services.BucketService
}

func NewLectureHandler(log *logger.Logger, lectures repos.LectureRepo, bucket services.BucketService) *LectureHandler {
  return &LectureHandler{
    log:      log.With("handler", "LectureHandler"),
    lectures: lectures,
    bucket:   bucket,
  }
}

// UploadLecture accepts a multipart PDF, stores it, and creates the lecture
// row with all stage statuses pending.
func (h *LectureHandler) UploadLecture(c *gin.Context) {
  courseID, err := uuid.Parse(c.Param("courseID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
    return
  }

  title := strings.TrimSpace(c.PostForm("title"))
  fileHeader, err := c.FormFile("file")
  if err != nil {
    RespondError(c, http.StatusBadRequest, "missing_file", err)
    return
  }
  if ext := strings.ToLower(filepath.Ext(fileHeader.Filename)); ext != ".pdf" {
    RespondError(c, http.StatusBadRequest, "unsupported_file_type", fmt.Errorf("expected a .pdf upload, got %q", ext))
    return
  }
  if title == "" {
    title = strings.TrimSuffix(fileHeader.Filename, filepath.Ext(fileHeader.Filename))
  }

  file, err := fileHeader.Open()
  if err != nil {
    RespondError(c, http.StatusBadRequest, "unreadable_file", err)
    return
  }
  defer file.Close()

  lectureID := uuid.New()
  storageKey := fmt.Sprintf("courses/%s/lectures/%s/deck.pdf", courseID, lectureID)
  if err := h.bucket.UploadFile(c.Request.Context(), storageKey, file); err != nil {
    h.log.Error("UploadLecture storage failed", "error", err, "course_id", courseID)
    RespondError(c, http.StatusInternalServerError, "upload_failed", err)
    return
  }

  lec := &types.Lecture{
    ID:               lectureID,
    CourseID:         courseID,
    Title:            title,
    StorageKey:       storageKey,
    AnalysisStatus:   types.StageStatusPending,
    FlashcardsStatus: types.StageStatusPending,
    QuizStatus:       types.StageStatusPending,
    IndexingStatus:   types.StageStatusPending,
  }
  created, err := h.lectures.Create(c.Request.Context(), nil, []*types.Lecture{lec})
  if err != nil {
    h.log.Error("UploadLecture create failed", "error", err, "course_id", courseID)
    RespondError(c, http.StatusInternalServerError, "create_lecture_failed", err)
    return
  }
  RespondOK(c, gin.H{"lecture": created[0]})
}

func (h *LectureHandler) GetLecture(c *gin.Context) {
  lectureID, err := uuid.Parse(c.Param("lectureID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_lecture_id", err)
    return
  }
  lec, err := h.lectures.GetByID(c.Request.Context(), nil, lectureID)
  if err != nil {
    h.log.Error("GetLecture failed", "error", err, "lecture_id", lectureID)
    RespondError(c, http.StatusInternalServerError, "load_lecture_failed", err)
    return
  }
  if lec == nil {
    RespondError(c, http.StatusNotFound, "lecture_not_found", nil)
    return
  }
  RespondOK(c, gin.H{"lecture": lec})
}
