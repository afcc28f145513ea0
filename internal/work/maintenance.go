package work

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/stoker/internal/database"
	"github.com/aristath/stoker/internal/queue"
)

// DatabaseHealthInterface defines the database surface used by health checks
type DatabaseHealthInterface interface {
	HealthCheck(ctx context.Context) error
	GetStats() (*database.Stats, error)
}

// StatusCounterInterface defines the queue count surface used by health checks
type StatusCounterInterface interface {
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

// BackupServiceInterface defines the cloud backup service surface
type BackupServiceInterface interface {
	UploadBackup(ctx context.Context) (key string, sizeBytes int64, err error)
}

// MaintenanceDeps contains all dependencies for the self-contained handlers
type MaintenanceDeps struct {
	DB   DatabaseHealthInterface
	Repo StatusCounterInterface

	// Backup is nil when object storage is not configured; the backup_queue
	// handler then fails with a clear error instead of a nil dereference.
	Backup BackupServiceInterface
}

// healthReport is the health_check job result.
type healthReport struct {
	Integrity    string         `json:"integrity"`
	Counts       map[string]int `json:"counts"`
	SizeBytes    int64          `json:"db_size_bytes"`
	WALSizeBytes int64          `json:"wal_size_bytes"`
	CheckedAt    time.Time      `json:"checked_at"`
}

// backupReport is the backup_queue job result.
type backupReport struct {
	Key        string    `json:"key"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// RegisterMaintenanceHandlers registers the self-contained job types that
// operate on the worker's own database rather than a downstream service.
func RegisterMaintenanceHandlers(registry *Registry, deps *MaintenanceDeps) {
	// health_check - Ping plus full integrity check of the queue database
	registry.Register(queue.JobTypeHealthCheck, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if err := deps.DB.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("database health check failed: %w", err)
		}

		counts, err := deps.Repo.CountByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}

		report := healthReport{
			Integrity: "ok",
			Counts:    make(map[string]int, len(counts)),
			CheckedAt: time.Now().UTC(),
		}
		for status, n := range counts {
			report.Counts[string(status)] = n
		}

		// Size figures are informational; a stat failure does not fail the job
		if stats, err := deps.DB.GetStats(); err == nil {
			report.SizeBytes = stats.SizeBytes
			report.WALSizeBytes = stats.WALSizeBytes
		}

		return json.Marshal(report)
	})

	// backup_queue - Snapshot the queue database and upload it to object storage
	registry.Register(queue.JobTypeBackupQueue, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Backup == nil {
			return nil, fmt.Errorf("queue backup is not configured (set the R2_* variables)")
		}

		key, size, err := deps.Backup.UploadBackup(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to upload queue backup: %w", err)
		}

		return json.Marshal(backupReport{
			Key:        key,
			SizeBytes:  size,
			UploadedAt: time.Now().UTC(),
		})
	})
}
