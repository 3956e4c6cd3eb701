package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studydeck/backend/internal/repos/testutil"
	"github.com/studydeck/backend/internal/types"
)

func TestPipelineRunRepoClaim(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	course := testutil.SeedCourse(t, ctx, tx, "claims")
	lec := testutil.SeedLecture(t, ctx, tx, course.ID, "lecture-claim")

	run := &types.PipelineRun{
		ID:        uuid.New(),
		LectureID: lec.ID,
		Status:    "queued",
		Stage:     types.StageAnalysis,
	}
	if _, err := repo.Create(ctx, tx, []*types.PipelineRun{run}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	latest, err := repo.GetLatestByLectureID(ctx, tx, lec.ID)
	if err != nil || latest == nil || latest.ID != run.ID {
		t.Fatalf("GetLatestByLectureID: err=%v latest=%+v", err, latest)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != run.ID {
		t.Fatalf("expected to claim the queued run, got %+v", claimed)
	}

	rows, err := repo.GetByIDs(ctx, tx, []uuid.UUID{run.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}
	if rows[0].Status != "running" || rows[0].Attempts != 1 {
		t.Fatalf("expected running with 1 attempt, got %+v", rows[0])
	}
	if rows[0].HeartbeatAt == nil || rows[0].LockedAt == nil {
		t.Fatalf("expected lock and heartbeat timestamps set")
	}

	// A freshly running run is not claimable again.
	again, err := repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextRunnable: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claimable run, got %+v", again)
	}
}

func TestPipelineRunRepoRetryAndStaleClaims(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	course := testutil.SeedCourse(t, ctx, tx, "retries")
	lec := testutil.SeedLecture(t, ctx, tx, course.ID, "lecture-retry")

	recentErr := time.Now().Add(-5 * time.Second)
	failed := &types.PipelineRun{
		ID:          uuid.New(),
		LectureID:   lec.ID,
		Status:      "failed",
		Stage:       types.StageQuiz,
		Attempts:    1,
		Error:       "quiz levels failed",
		LastErrorAt: &recentErr,
	}
	if _, err := repo.Create(ctx, tx, []*types.PipelineRun{failed}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The failure is too recent for the retry delay.
	claimed, err := repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claim before retry delay, got %+v", claimed)
	}

	// Age the failure past the delay; now it's claimable.
	oldErr := time.Now().Add(-time.Minute)
	if err := repo.UpdateFields(ctx, tx, failed.ID, map[string]interface{}{"last_error_at": oldErr}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	claimed, err = repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable after aging: %v", err)
	}
	if claimed == nil || claimed.ID != failed.ID {
		t.Fatalf("expected to claim aged failed run, got %+v", claimed)
	}

	// Attempts exhausted runs are never reclaimed.
	if err := repo.UpdateFields(ctx, tx, failed.ID, map[string]interface{}{
		"status":        "failed",
		"attempts":      5,
		"last_error_at": oldErr,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	claimed, err = repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable exhausted: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claim for exhausted run, got %+v", claimed)
	}

	// A running run with a stale heartbeat is taken over.
	stale := time.Now().Add(-10 * time.Minute)
	if err := repo.UpdateFields(ctx, tx, failed.ID, map[string]interface{}{
		"status":       "running",
		"attempts":     1,
		"heartbeat_at": stale,
	}); err != nil {
		t.Fatalf("UpdateFields stale: %v", err)
	}
	claimed, err = repo.ClaimNextRunnable(ctx, tx, 5, 30*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable stale: %v", err)
	}
	if claimed == nil || claimed.ID != failed.ID {
		t.Fatalf("expected stale running run takeover, got %+v", claimed)
	}

	if err := repo.Heartbeat(ctx, tx, failed.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rows, err := repo.GetByIDs(ctx, tx, []uuid.UUID{failed.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}
	if rows[0].HeartbeatAt == nil || !rows[0].HeartbeatAt.After(stale) {
		t.Fatalf("expected heartbeat advanced, got %+v", rows[0].HeartbeatAt)
	}
}
