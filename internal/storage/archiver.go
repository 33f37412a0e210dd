package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/metrics"
)

type ArchiverConfig struct {
	Bucket    string
	KeyPrefix string
	// Timeout bounds a single book upload.
	Timeout time.Duration
	Logger  *logrus.Logger
}

// Archiver copies completed books to object storage. It never changes task
// state; failures are logged and counted only.
type Archiver struct {
	cfg     ArchiverConfig
	storage Service
}

func NewArchiver(cfg ArchiverConfig, storage Service) *Archiver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Archiver{cfg: cfg, storage: storage}
}

// Prefix returns the key prefix a task's files are stored under.
func (a *Archiver) Prefix(task domain.Task) string {
	return objectKey(a.cfg.KeyPrefix, fmt.Sprintf("%s/%s", task.BookID, task.ID))
}

func (a *Archiver) TaskCompleted(ctx context.Context, task domain.Task) {
	logger := a.cfg.Logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"book_id": task.BookID,
	})

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	logger.Infof("archive started from %s", task.SavePath)
	dest, err := a.storage.UploadDirectory(ctx, task.SavePath, UploadOptions{
		Bucket:    a.cfg.Bucket,
		KeyPrefix: a.Prefix(task),
		ProgressCallback: func(done, total int64) {
			if total <= 0 {
				return
			}
			logger.Debugf("archive progress: %.1f%% (%s/%s)", float64(done)*100/float64(total), formatBytes(done), formatBytes(total))
		},
	})
	if err != nil {
		metrics.ArchiveUploadsTotal.WithLabelValues("error").Inc()
		logger.Errorf("archive failed: %v", err)
		return
	}
	metrics.ArchiveUploadsTotal.WithLabelValues("ok").Inc()
	logger.Infof("archived to %s", dest)
}

// Objects lists archived objects below prefix, relative to the configured key prefix.
func (a *Archiver) Objects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return a.storage.ListObjects(ctx, a.cfg.Bucket, objectKey(a.cfg.KeyPrefix, prefix))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
