package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"CommitrakCRM/internal/config"
	"CommitrakCRM/internal/logger"
)

// ArchiveSweepConfig controls the nightly batch archival job.
type ArchiveSweepConfig struct {
	Schedule      string
	TimeZone      string
	RetentionDays int
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
}

func NewDefaultArchiveSweepConfig() *ArchiveSweepConfig {
	return &ArchiveSweepConfig{
		Schedule:      config.DefaultArchiveSchedule,
		TimeZone:      config.DefaultTimeZone,
		RetentionDays: config.DefaultRetentionDays,
		BatchSize:     config.ArchiveBatchSize,
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
	}
}

// RetryWithBackoff retries fn with doubling delay between attempts.
func RetryWithBackoff(maxRetries int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %v", maxRetries+1, lastErr)
}

// RunArchiveSweeper schedules the job that moves long-finalized batches to
// archived and frees their fingerprints so corrected statements for the same
// period can be re-imported.
func RunArchiveSweeper(cfg *ArchiveSweepConfig, db *pgxpool.Pool) error {
	if cfg.Schedule == "" {
		cfg.Schedule = config.DefaultArchiveSchedule
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = config.DefaultTimeZone
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = config.DefaultRetentionDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.ArchiveBatchSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid timezone for archive sweeper: %v", err)
	}

	c := cron.New(cron.WithLocation(loc))
	_, err = c.AddFunc(cfg.Schedule, func() {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("Running batch archive sweep at %s", time.Now().In(loc)))
		sweepErr := RetryWithBackoff(cfg.MaxRetries, cfg.RetryDelay, func() error {
			return sweepFinalizedBatches(context.Background(), db, cfg.RetentionDays, cfg.BatchSize)
		})
		if sweepErr != nil {
			logger.GlobalLogger.LogAudit(fmt.Sprintf("Batch archive sweep failed: %v", sweepErr))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule archive sweep: %v", err)
	}

	c.Start()
	logger.GlobalLogger.LogAudit("Batch archive sweep scheduled for " + cfg.Schedule + " (" + cfg.TimeZone + ")")
	return nil
}

// sweepFinalizedBatches archives one page of batches finalized more than the
// retention window ago. Status moves via compare-and-swap so a concurrent
// manual archive never double-processes a batch.
func sweepFinalizedBatches(ctx context.Context, db *pgxpool.Pool, retentionDays, batchSize int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	rows, err := db.Query(ctx, `
		SELECT id FROM recon_batches
		WHERE status = 'finalized' AND finalized_at < $1
		ORDER BY finalized_at
		LIMIT $2`, cutoff, batchSize)
	if err != nil {
		return fmt.Errorf("list finalized batches: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	archived := 0
	for _, id := range ids {
		tag, err := db.Exec(ctx, `
			UPDATE recon_batches SET status = 'archived', archived_at = $2
			WHERE id = $1 AND status = 'finalized'`, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("archive batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := db.Exec(ctx, `DELETE FROM recon_fingerprints WHERE batch_id = $1`, id); err != nil {
			return fmt.Errorf("release fingerprints: %w", err)
		}
		archived++
	}
	if archived > 0 {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("Archive sweep moved %d batches past the %d-day retention window", archived, retentionDays))
	}
	return nil
}
