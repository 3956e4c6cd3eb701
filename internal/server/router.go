package server

import (
  "github.com/gin-contrib/cors"
  "github.com/gin-gonic/gin"

  "github.com/studydeck/backend/internal/handlers"
)

type RouterConfig struct {
  CourseHandler   *handlers.CourseHandler
  LectureHandler  *handlers.LectureHandler
  PipelineHandler *handlers.PipelineHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
  router := gin.Default()

  // Cors
  router.Use(cors.New(cors.Config{
    AllowOrigins: []string{
      "http://localhost:80",
      "http://localhost:3000",
      "http://localhost:5174",
    },
    AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
    AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
    AllowCredentials: true,
  }))

  router.GET("/healthcheck", handlers.HealthCheck)

  api := router.Group("/api")
  {
    // Courses
    api.POST("/courses", cfg.CourseHandler.CreateCourse)
    api.GET("/courses/:courseID", cfg.CourseHandler.GetCourse)

    // Lectures
    api.POST("/courses/:courseID/lectures", cfg.LectureHandler.UploadLecture)
    api.GET("/lectures/:lectureID", cfg.LectureHandler.GetLecture)

    // Pipeline
    api.POST("/lectures/:lectureID/pipeline", cfg.PipelineHandler.TriggerPipeline)
    api.POST("/lectures/:lectureID/stages/:stage", cfg.PipelineHandler.RunStage)
    api.GET("/lectures/:lectureID/pipeline", cfg.PipelineHandler.GetPipelineStatus)
    api.GET("/lectures/:lectureID/events", cfg.PipelineHandler.StreamEvents)
  }

  return router
}
