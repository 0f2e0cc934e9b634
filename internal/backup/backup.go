// Package backup snapshots the deployer database and keeps rotated archives of it in an
// S3-compatible bucket.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/database"
)

const (
	archivePrefix   = "deployer-backup-"
	archiveSuffix   = ".tar.gz"
	timestampLayout = "2006-01-02-150405"
	metadataFile    = "backup-metadata.json"

	// the newest archives always survive rotation
	minBackupsToKeep = 3
)

// ObjectStore is the subset of the S3 client used for backups
type ObjectStore interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Metadata is stored next to the snapshot inside every archive
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// Info describes an archive stored in the bucket
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service creates, lists and rotates database backups
type Service struct {
	db         *database.DB
	store      ObjectStore
	uploader   *manager.Uploader
	bucket     string
	prefix     string
	stagingDir string
	now        func() time.Time
	log        zerolog.Logger
}

// NewService creates a backup service writing archives under prefix in bucket.
// Snapshots are staged in a temporary directory below stagingDir.
func NewService(db *database.DB, store ObjectStore, bucket, prefix, stagingDir string, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		store:      store,
		uploader:   manager.NewUploader(store),
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		stagingDir: stagingDir,
		now:        time.Now,
		log:        log.With().Str("service", "backup").Str("bucket", bucket).Logger(),
	}
}

func (s *Service) key(name string) string {
	return path.Join(s.prefix, name)
}

// CreateAndUpload snapshots the database, archives it with its metadata and uploads
// the archive. It returns the object key.
func (s *Service) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting database backup")
	startTime := s.now()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(s.stagingDir, "backup-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshotName := s.db.Name() + ".db"
	snapshotPath := filepath.Join(staging, snapshotName)

	// VACUUM INTO writes a consistent copy without blocking writers for long
	if _, err := s.db.Conn().ExecContext(ctx, "VACUUM INTO ?", snapshotPath); err != nil {
		return "", fmt.Errorf("failed to snapshot %s: %w", s.db.Name(), err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := calculateChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	metadata := Metadata{
		Timestamp: startTime.UTC(),
		Database:  s.db.Name(),
		Filename:  snapshotName,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	if err := writeMetadata(filepath.Join(staging, metadataFile), metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + startTime.UTC().Format(timestampLayout) + archiveSuffix
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, staging, []string{snapshotName, metadataFile}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	key := s.key(archiveName)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        archive,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}

	s.log.Info().
		Str("key", key).
		Int64("snapshot_bytes", info.Size()).
		Dur("duration_ms", s.now().Sub(startTime)).
		Msg("Database backup uploaded")

	return key, nil
}

// List returns the archives in the bucket, newest first. Objects whose names do not
// carry a backup timestamp are ignored.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	paginator := s3.NewListObjectsV2Paginator(s.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(archivePrefix)),
	})

	now := s.now()
	var backups []Info
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
				continue
			}

			stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
			timestamp, err := time.Parse(timestampLayout, stamp)
			if err != nil {
				s.log.Warn().Str("key", key).Msg("Failed to parse timestamp from backup name")
				continue
			}

			backups = append(backups, Info{
				Key:       key,
				Timestamp: timestamp,
				SizeBytes: aws.ToInt64(obj.Size),
				AgeHours:  int64(now.Sub(timestamp).Hours()),
			})
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than retentionDays, always keeping the newest three.
// A zero retention keeps everything. It returns the number of deleted archives.
func (s *Service) Rotate(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	backups, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsToKeep {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, backup := range backups[minBackupsToKeep:] {
		if !backup.Timestamp.Before(cutoff) {
			continue
		}

		_, err := s.store.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(backup.Key),
		})
		if err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return deleted, nil
}

func calculateChecksum(filePath string) (string, error) {
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

func writeMetadata(filePath string, metadata Metadata) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, names []string) (err error) {
	archive, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := archive.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(archive)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		if err := addFile(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, filePath, name string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}
