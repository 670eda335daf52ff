package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/veilhealth/veil-backend/internal/domain/jobs"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Service struct {
	db     *gorm.DB
	driver string
	log    *logger.Logger
}

// NewService connects to the configured database. Postgres is the
// production driver; sqlite exists for single-worker local runs and
// skips the row-locking claim path (see repos.DeidJobRepo).
func NewService(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := strings.ToLower(utils.GetEnv("DB_DRIVER", DriverPostgres, log))
	switch driver {
	case DriverPostgres:
		return newPostgres(serviceLog, log)
	case DriverSQLite:
		return newSQLite(serviceLog, log)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", driver)
	}
}

func newPostgres(serviceLog, log *logger.Logger) (*Service, error) {
	dsn := utils.GetEnv("DATABASE_URL", "", log)
	if dsn == "" {
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "veil", log)
		sslmode := utils.GetEnv("POSTGRES_SSLMODE", "disable", log)
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
	}

	log.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &Service{db: gdb, driver: DriverPostgres, log: serviceLog}, nil
}

func newSQLite(serviceLog, log *logger.Logger) (*Service, error) {
	path := utils.GetEnv("SQLITE_PATH", "veil.db", log)
	log.Warn("Using sqlite driver; intended for local single-worker runs only", "path", path)
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to open sqlite database", "error", err, "path", path)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &Service{db: gdb, driver: DriverSQLite, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&jobs.DeidJob{},
		&jobs.PHIEntityRecord{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if s.driver != DriverPostgres {
		return nil
	}
	s.log.Info("Configuring foreign key relationships...")
	if err := s.db.Exec(`
		ALTER TABLE "phi_entity"
		DROP CONSTRAINT IF EXISTS "fk_phi_entity_job_id"
	`).Error; err != nil {
		return fmt.Errorf("failed to drop fk_phi_entity_job_id: %w", err)
	}
	if err := s.db.Exec(`
		ALTER TABLE "phi_entity"
		ADD CONSTRAINT "fk_phi_entity_job_id"
		FOREIGN KEY ("job_id")
		REFERENCES "deid_job"("id")
		ON DELETE CASCADE
	`).Error; err != nil {
		return fmt.Errorf("failed to add fk_phi_entity_job_id: %w", err)
	}
	return nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

func (s *Service) Driver() string {
	return s.driver
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
