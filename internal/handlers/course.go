package handlers

import (
  "net/http"

  "github.com/gin-gonic/gin"
  "github.com/google/uuid"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

type CourseHandler struct {
  log      *logger.Logger
  courses  repos.CourseRepo
  lectures repos.LectureRepo
}

func NewCourseHandler(log *logger.Logger, courses repos.CourseRepo, lectures repos.LectureRepo) *CourseHandler {
  return &CourseHandler{
    log:      log.With("handler", "CourseHandler"),
    courses:  courses,
    lectures: lectures,
  }
}

type createCourseRequest struct {
  Title   string `json:"title" binding:"required"`
  Subject string `json:"subject"`
  Level   string `json:"level"`
}

func (h *CourseHandler) CreateCourse(c *gin.Context) {
  var req createCourseRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_request", err)
    return
  }
  course := &types.Course{
    ID:      uuid.New(),
    Title:   req.Title,
    Subject: req.Subject,
    Level:   req.Level,
  }
  created, err := h.courses.Create(c.Request.Context(), nil, []*types.Course{course})
  if err != nil {
    h.log.Error("CreateCourse failed", "error", err)
    RespondError(c, http.StatusInternalServerError, "create_course_failed", err)
    return
  }
  RespondOK(c, gin.H{"course": created[0]})
}

func (h *CourseHandler) GetCourse(c *gin.Context) {
  courseID, err := uuid.Parse(c.Param("courseID"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
    return
  }
  courses, err := h.courses.GetByIDs(c.Request.Context(), nil, []uuid.UUID{courseID})
  if err != nil {
    h.log.Error("GetCourse failed", "error", err, "course_id", courseID)
    RespondError(c, http.StatusInternalServerError, "load_course_failed", err)
    return
  }
  if len(courses) == 0 {
    RespondError(c, http.StatusNotFound, "course_not_found", nil)
    return
  }
  lectures, err := h.lectures.GetByCourseIDs(c.Request.Context(), nil, []uuid.UUID{courseID})
  if err != nil {
    h.log.Error("GetCourse lectures failed", "error", err, "course_id", courseID)
    RespondError(c, http.StatusInternalServerError, "load_lectures_failed", err)
    return
  }
  RespondOK(c, gin.H{"course": courses[0], "lectures": lectures})
}
