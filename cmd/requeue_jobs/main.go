package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/veilhealth/veil-backend/internal/db"
	djobs "github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/jobs"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/repos"
)

// Operator tool: put failed jobs back in the queue with a fresh retry
// budget. Workers pick them up on their next tick.
func main() {
	jobID := flag.String("job", "", "requeue a single failed job by id")
	limit := flag.Int("limit", 50, "maximum failed jobs to requeue")
	dryRun := flag.Bool("dry-run", false, "list what would be requeued without changing anything")
	flag.Parse()

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

	dbService, err := db.NewService(log)
	if err != nil {
		log.Fatal("Database init failed", "error", err)
	}
	defer dbService.Close()

	gormDB := dbService.DB()
	store := jobs.NewStore(
		gormDB,
		repos.NewDeidJobRepo(gormDB, log, dbService.Driver() == db.DriverPostgres),
		repos.NewPHIEntityRepo(gormDB, log),
	)

	ctx := context.Background()
	if *jobID != "" {
		id, err := uuid.Parse(*jobID)
		if err != nil {
			log.Fatal("Bad --job value", "error", err)
		}
		requeueOne(ctx, log, store, id, *dryRun)
		return
	}

	failed, total, err := store.ListJobs(ctx, djobs.StatusFailed, 1, *limit)
	if err != nil {
		log.Fatal("Could not list failed jobs", "error", err)
	}
	log.Info("Failed jobs found", "total", total, "selected", len(failed))
	for _, j := range failed {
		requeueOne(ctx, log, store, j.ID, *dryRun)
	}
}

func requeueOne(ctx context.Context, log *logger.Logger, store jobs.Store, id uuid.UUID, dryRun bool) {
	if dryRun {
		log.Info("Would requeue", "job_id", id)
		return
	}
	if err := store.RequeueFailed(ctx, id); err != nil {
		log.Warn("Requeue failed", "job_id", id, "error", err)
		return
	}
	log.Info("Requeued", "job_id", id)
}
