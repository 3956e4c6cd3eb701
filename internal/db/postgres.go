package db

import (
  "fmt"
  "gorm.io/driver/postgres"
  "gorm.io/gorm"
  "github.com/studydeck/backend/internal/types"
  "github.com/studydeck/backend/internal/utils"
  "github.com/studydeck/backend/internal/logger"
)

type PostgresService struct {
  db *gorm.DB
  log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
  serviceLog := log.With("service", "PostgresService")

  log.Info("Loading environment variables...")
  postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
  postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
  postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
  postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
  postgresName := utils.GetEnv("POSTGRES_NAME", "studydeck", log)
  log.Debug("Environment variables loaded")

  dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

  log.Info("Connecting to Postgres...")
  db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
    DisableForeignKeyConstraintWhenMigrating: true,
  })
  if err != nil {
    log.Error("Failed to connect to Postgres", "error", err)
    return nil, fmt.Errorf("Failed to connect to Postgres: %w", err)
  }

  if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
    log.Error("Failed to enable uuid-ossp extension", "error", err)
    return nil, fmt.Errorf("Failed to enable uuid-ossp extension: %w", err)
  }
  log.Info("uuid-ossp extension enabled")

  return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
  s.log.Info("Auto migrating postgres tables...")
  err := s.db.AutoMigrate(
    &types.Course{},
    &types.Lecture{},
    &types.PipelineRun{},
  )
  if err != nil {
    s.log.Error("Auto migration failed for postgres tables", "error", err)
    return err
  }
  s.log.Info("Configuring foreign key relationships for postgres tables...")
  if err := s.db.Exec(`
    ALTER TABLE "lecture"
    ADD CONSTRAINT "fk_lecture_course_id"
    FOREIGN KEY ("course_id")
    REFERENCES "course"("id")
    ON DELETE CASCADE
  `).Error; err != nil {
    s.log.Warn("Failed to add fk_lecture_course_id (may already exist)", "error", err)
  }
  if err := s.db.Exec(`
    ALTER TABLE "pipeline_run"
    ADD CONSTRAINT "fk_pipeline_run_lecture_id"
    FOREIGN KEY ("lecture_id")
    REFERENCES "lecture"("id")
    ON DELETE CASCADE
  `).Error; err != nil {
    s.log.Warn("Failed to add fk_pipeline_run_lecture_id (may already exist)", "error", err)
  }
  s.log.Info("Postgres migration complete")
  return nil
}

func (s *PostgresService) DB() *gorm.DB {
  return s.db
}
