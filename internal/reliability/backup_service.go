package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// backupPrefix is the object key prefix for queue backups.
const backupPrefix = "queue-backup-"

// backupTimeFormat is the timestamp embedded in backup keys.
const backupTimeFormat = "2006-01-02-150405"

// minBackupsToKeep is the floor rotation never deletes below.
const minBackupsToKeep = 3

// DatabaseSnapshotter writes a consistent snapshot of the live database.
type DatabaseSnapshotter interface {
	BackupTo(ctx context.Context, destPath string) error
}

// ObjectStore is the object storage surface the backup service uses.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// BackupInfo describes one backup stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots the queue database and manages its cloud copies.
type BackupService struct {
	store         ObjectStore
	db            DatabaseSnapshotter
	dataDir       string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates a backup service.
// retentionDays zero keeps backups forever (rotation still enforces nothing).
func NewBackupService(store ObjectStore, db DatabaseSnapshotter, dataDir string, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		db:            db,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// UploadBackup snapshots the queue database, compresses it, and uploads it.
// Returns the object key and compressed size. Rotation runs afterwards;
// rotation failures are logged but do not fail the backup.
func (s *BackupService) UploadBackup(ctx context.Context) (string, int64, error) {
	s.log.Info().Msg("Starting queue backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	snapshotPath := filepath.Join(stagingDir, "queue.db")
	if err := s.db.BackupTo(ctx, snapshotPath); err != nil {
		return "", 0, fmt.Errorf("failed to snapshot queue database: %w", err)
	}

	checksum, err := s.calculateChecksum(snapshotPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	key := backupPrefix + time.Now().UTC().Format(backupTimeFormat) + ".db.gz"
	archivePath := filepath.Join(stagingDir, key)
	if err := s.compressFile(snapshotPath, archivePath); err != nil {
		return "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, key, archiveFile, archiveInfo.Size()); err != nil {
		return "", 0, fmt.Errorf("failed to upload backup: %w", err)
	}

	if err := s.RotateOldBackups(ctx, s.retentionDays); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	s.log.Info().
		Dur("duration", time.Since(startTime)).
		Str("key", key).
		Str("checksum", checksum).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Queue backup completed")

	return key, archiveInfo.Size(), nil
}

// ListBackups lists all queue backups in the bucket, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now().UTC()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		filename := *obj.Key
		if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".db.gz") {
			continue
		}

		timestampStr := strings.TrimPrefix(filename, backupPrefix)
		timestampStr = strings.TrimSuffix(timestampStr, ".db.gz")

		timestamp, err := time.Parse(backupTimeFormat, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Failed to parse timestamp from filename")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period.
// Keeps a minimum of 3 backups regardless of age; retentionDays zero keeps
// everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups for rotation: %w", err)
	}

	if len(backups) <= minBackupsToKeep {
		return nil
	}

	var cutoffTime time.Time
	if retentionDays > 0 {
		cutoffTime = time.Now().UTC().AddDate(0, 0, -retentionDays)
	}

	deletedCount := 0
	for i, backup := range backups {
		// The newest backups are never rotated out
		if i < minBackupsToKeep {
			continue
		}
		if retentionDays == 0 {
			continue
		}

		if backup.Timestamp.Before(cutoffTime) {
			if err := s.store.Delete(ctx, backup.Filename); err != nil {
				s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
				continue
			}

			s.log.Info().
				Str("filename", backup.Filename).
				Time("timestamp", backup.Timestamp).
				Msg("Deleted old backup")
			deletedCount++
		}
	}

	if deletedCount > 0 {
		s.log.Info().
			Int("deleted", deletedCount).
			Int("remaining", len(backups)-deletedCount).
			Msg("Backup rotation completed")
	}

	return nil
}

// calculateChecksum calculates the SHA256 checksum of a file.
func (s *BackupService) calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// compressFile gzips src into dst.
func (s *BackupService) compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}

	return gz.Close()
}
