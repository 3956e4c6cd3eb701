package main

import (
  "context"
  "fmt"
  "os"

  "github.com/studydeck/backend/internal/db"
  "github.com/studydeck/backend/internal/handlers"
  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/pinecone"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/server"
  "github.com/studydeck/backend/internal/services"
  "github.com/studydeck/backend/internal/sse"
  "github.com/studydeck/backend/internal/utils"
)

func main() {
  // Logger
  logMode := os.Getenv("LOG_MODE")
  if logMode == "" {
    logMode = "development"
  }
  log, err := logger.New(logMode)
  if err != nil {
    fmt.Printf("Failed to init logger: %v\n", err)
    os.Exit(1)
  }
  defer log.Sync()

  // Postgres
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Error("Postgres init failed", "error", err)
    os.Exit(1)
  }
  if err = postgresService.AutoMigrateAll(); err != nil {
    log.Warn("Postgres auto migration failed", "error", err)
  }
  thePG := postgresService.DB()

  // Repos
  log.Info("Setting up Repos from main...")
  courseRepo := repos.NewCourseRepo(thePG, log)
  lectureRepo := repos.NewLectureRepo(thePG, log)
  pipelineRunRepo := repos.NewPipelineRunRepo(thePG, log)

  // SSE
  log.Info("Setting up SSE hub now...")
  sseHub := sse.NewSSEHub(log)

  // Services
  log.Info("Setting up Services from main...")
  bucketService, err := services.NewBucketService(log)
  if err != nil {
    log.Error("Could not init BucketService", "error", err)
    os.Exit(1)
  }
  openaiClient, err := services.NewOpenAIClient(log)
  if err != nil {
    log.Error("Could not init OpenAIClient", "error", err)
    os.Exit(1)
  }
  pineconeClient, err := pinecone.New(log, pinecone.Config{})
  if err != nil {
    log.Error("Could not init PineconeClient", "error", err)
    os.Exit(1)
  }
  vectorStore, err := pinecone.NewVectorStore(log, pineconeClient)
  if err != nil {
    log.Error("Could not init VectorStore", "error", err)
    os.Exit(1)
  }

  slideRenderer := services.NewSlideRenderer(log)
  analyzer := services.NewBatchAnalyzer(log, openaiClient, services.AnalyzerConfigFromEnv(log))
  condenser := services.NewCondenser(log, openaiClient)

  runner := services.NewStageRunner(log, lectureRepo)
  stages := []services.Stage{
    services.NewAnalysisStage(log, lectureRepo, bucketService, slideRenderer, analyzer, condenser),
    services.NewFlashcardsStage(log, lectureRepo, openaiClient),
    services.NewQuizStage(log, lectureRepo, openaiClient),
    services.NewIndexingStage(log, lectureRepo, openaiClient, vectorStore),
  }
  pipelineService := services.NewPipelineService(
    log,
    runner,
    stages,
    lectureRepo,
    pipelineRunRepo,
    sseHub,
    services.WorkerConfigFromEnv(log),
  )
  pipelineService.StartWorker(context.Background())

  // Handlers
  log.Info("Setting up handlers from main...")
  courseHandler := handlers.NewCourseHandler(log, courseRepo, lectureRepo)
  lectureHandler := handlers.NewLectureHandler(log, lectureRepo, bucketService)
  pipelineHandler := handlers.NewPipelineHandler(log, pipelineService, lectureRepo, pipelineRunRepo, sseHub)

  // Router
  log.Info("Setting up router from main...")
  router := server.NewRouter(server.RouterConfig{
    CourseHandler:   courseHandler,
    LectureHandler:  lectureHandler,
    PipelineHandler: pipelineHandler,
  })

  port := utils.GetEnv("PORT", "8080", log)
  fmt.Printf("Server listening on :%s\n", port)
  if err := router.Run(":" + port); err != nil {
    log.Warn("Server failed", "error", err)
  }
}
