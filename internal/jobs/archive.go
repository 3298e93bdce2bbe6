package jobs

import (
	"context"
	"log/slog"
	"time"

	s3blob "solpilot/internal/blob/s3"
)

// ArchiveJob exports closed-position history older than the retention window
// to cold storage and prunes it from the primary store.
type ArchiveJob struct {
	archiver      *s3blob.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewArchiveJob creates the job with the given retention window in days.
func NewArchiveJob(archiver *s3blob.Archiver, retentionDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_job")),
	}
}

func (j *ArchiveJob) Name() string { return "archive" }

func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	count, err := j.archiver.ArchiveClosedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		j.logger.Info("closed positions archived",
			slog.Int64("count", count),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

var _ Job = (*ArchiveJob)(nil)
