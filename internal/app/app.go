package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/veilhealth/veil-backend/internal/clients/gcp"
	redisclient "github.com/veilhealth/veil-backend/internal/clients/redis"
	"github.com/veilhealth/veil-backend/internal/db"
	"github.com/veilhealth/veil-backend/internal/handlers"
	"github.com/veilhealth/veil-backend/internal/jobs"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/repos"
	"github.com/veilhealth/veil-backend/internal/server"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/storage"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// App wires the whole service. Both binaries build the same App; the
// API binary serves Router, the worker binary runs Worker.
type App struct {
	Log      *logger.Logger
	DB       *db.Service
	Buckets  *storage.Pair
	Store    jobs.Store
	Pipeline *services.DeidentificationService
	Worker   *jobs.Worker
	Router   *gin.Engine

	bus          redisclient.JobEventBus
	closers      []io.Closer
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "veil",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     os.Getenv("APP_VERSION"),
	})

	dbService, err := db.NewService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	gormDB := dbService.DB()

	buckets, err := storage.NewPairFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	jobRepo := repos.NewDeidJobRepo(gormDB, log, dbService.Driver() == db.DriverPostgres)
	entityRepo := repos.NewPHIEntityRepo(gormDB, log)
	store := jobs.NewStore(gormDB, jobRepo, entityRepo)

	app := &App{
		Log:          log,
		DB:           dbService,
		Buckets:      buckets,
		Store:        store,
		otelShutdown: otelShutdown,
	}

	var bus redisclient.JobEventBus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		bus, err = redisclient.NewJobEventBus(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init job event bus: %w", err)
		}
		app.closers = append(app.closers, bus)
	}
	app.bus = bus

	ocr, err := app.buildOCRProvider(log)
	if err != nil {
		app.Close()
		return nil, err
	}
	phi, err := app.buildPHIProvider(log)
	if err != nil {
		app.Close()
		return nil, err
	}

	policy, err := services.LoadMaskingPolicy(log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load masking policy: %w", err)
	}
	masker, err := services.NewImageMasker(log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init masker: %w", err)
	}

	pipeline := services.NewDeidentificationService(
		log,
		services.NewDocumentProcessor(log),
		ocr,
		services.NewPHIDetectionService(log, phi, policy),
		services.NewEntityMatcher(log),
		masker,
	)
	app.Pipeline = pipeline

	runner := jobs.NewRunner(log, store, buckets, pipeline, bus)
	app.Worker = jobs.NewWorker(log, store, runner, bus)

	deidHandler := handlers.NewDeidHandler(log, store, buckets, bus, ocr.Name(), phi.Name())
	app.Router = server.NewRouter(server.RouterConfig{
		Log:         log,
		DeidHandler: deidHandler,
	})

	log.Info("App wired",
		"db_driver", dbService.Driver(),
		"ocr_provider", ocr.Name(),
		"phi_provider", phi.Name(),
		"events", bus != nil,
	)
	return app, nil
}

func (a *App) buildOCRProvider(log *logger.Logger) (services.OCRProvider, error) {
	name := strings.ToLower(utils.GetEnv("OCR_PROVIDER", "mock", log))
	switch name {
	case "mock":
		return services.NewMockOCRProvider(log), nil
	case "documentai":
		p, err := gcp.NewDocumentAIOCR(log)
		if err != nil {
			return nil, fmt.Errorf("init documentai: %w", err)
		}
		a.closers = append(a.closers, p)
		return p, nil
	case "vision":
		p, err := gcp.NewVisionOCR(log)
		if err != nil {
			return nil, fmt.Errorf("init vision: %w", err)
		}
		a.closers = append(a.closers, p)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown OCR_PROVIDER %q", name)
	}
}

func (a *App) buildPHIProvider(log *logger.Logger) (services.PHIProvider, error) {
	name := strings.ToLower(utils.GetEnv("PHI_PROVIDER", "mock", log))
	switch name {
	case "mock":
		return services.NewMockPHIProvider(log), nil
	case "dlp":
		p, err := gcp.NewDLPPHI(log)
		if err != nil {
			return nil, fmt.Errorf("init dlp: %w", err)
		}
		a.closers = append(a.closers, p)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown PHI_PROVIDER %q", name)
	}
}

// Close tears down in reverse dependency order. Safe to call on a
// partially built App.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.Warn("Close failed", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("Database close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
