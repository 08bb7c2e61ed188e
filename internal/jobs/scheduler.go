package jobs

import (
	"fmt"
	"log"

	"CommitrakCRM/internal/logger"
	"CommitrakCRM/internal/serviceiface"

	"github.com/jackc/pgx/v5/pgxpool"
)

type CronService struct {
	config map[string]interface{}
	db     *pgxpool.Pool
}

func NewCronService(cfg map[string]interface{}, db *pgxpool.Pool) serviceiface.Service {
	return &CronService{
		config: cfg,
		db:     db,
	}
}

func (s *CronService) Name() string {
	return "cron"
}

func (s *CronService) Start() error {
	log.Println("Starting cron service...")

	if s.db == nil {
		log.Println("Cron service idle: no database pool configured")
		return nil
	}

	sweepConfig := NewDefaultArchiveSweepConfig()
	if s.config != nil {
		if schedule, ok := s.config["archive_schedule"].(string); ok && schedule != "" {
			sweepConfig.Schedule = schedule
		}
		if tz, ok := s.config["timezone"].(string); ok && tz != "" {
			sweepConfig.TimeZone = tz
		}
		if days, ok := s.config["retention_days"].(int); ok && days > 0 {
			sweepConfig.RetentionDays = days
		}
		if batchSize, ok := s.config["batch_size"].(int); ok && batchSize > 0 {
			sweepConfig.BatchSize = batchSize
		}
	}

	if err := RunArchiveSweeper(sweepConfig, s.db); err != nil {
		return fmt.Errorf("failed to start archive sweeper: %v", err)
	}

	logger.GlobalLogger.LogAudit("Cron service started with archive sweeper")
	log.Println("Cron service started — Archive Sweeper scheduled")
	return nil
}

func (s *CronService) Stop() error {
	log.Println("Cron service stopped.")
	return nil
}
