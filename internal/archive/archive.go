// Package archive ships solved task artifacts to S3: the deliverable, the
// accepted flag, and the captured logs. Archiving is strictly best-effort;
// a failed upload never touches a verdict.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/flagrace/internal/sandbox"
	"github.com/me/flagrace/internal/taskdir"
)

// Uploader is the S3 upload collaborator, satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver uploads one solved task's artifacts under a common key prefix.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	dirs     *taskdir.Manager
	logger   *slog.Logger
}

// New creates an Archiver on an existing uploader.
func New(uploader Uploader, bucket, prefix string, dirs *taskdir.Manager, logger *slog.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		dirs:     dirs,
		logger:   logger.With("component", "archive"),
	}
}

// NewS3Uploader builds a manager.Uploader from the ambient AWS credential
// chain.
func NewS3Uploader(ctx context.Context, region string) (*manager.Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return manager.NewUploader(s3.NewFromConfig(cfg)), nil
}

// ArchiveTask uploads everything worth keeping from a solved task directory.
// Missing files are skipped; upload failures are collected and returned
// joined so the caller can log them in one place.
func (a *Archiver) ArchiveTask(ctx context.Context, taskID int) error {
	dir := a.dirs.Dir(taskID)
	files := []string{
		filepath.Join(sandbox.WriteupDir, sandbox.WriteupFile),
		taskdir.SolvedFlagFile,
		filepath.Join(taskdir.WrongFlagsDir, "summary.txt"),
	}
	logDir := filepath.Join(dir, taskdir.LogsDir, taskdir.LatestDir)
	if entries, err := os.ReadDir(logDir); err == nil {
		for _, e := range entries {
			files = append(files, filepath.Join(taskdir.LogsDir, taskdir.LatestDir, e.Name()))
		}
	}

	var errs []error
	uploaded := 0
	for _, rel := range files {
		if err := a.uploadFile(ctx, taskID, dir, rel); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		uploaded++
	}

	a.logger.Info("archived task", "task", taskID, "bucket", a.bucket, "files", uploaded, "failed", len(errs))
	return errors.Join(errs...)
}

func (a *Archiver) uploadFile(ctx context.Context, taskID int, dir, rel string) error {
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(a.prefix, strconv.Itoa(taskID), filepath.ToSlash(rel))
	if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Debug("uploaded artifact", "task", taskID, "key", key)
	return nil
}
