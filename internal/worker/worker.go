// Package worker archives stored clips to S3 in the background.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/screenclip/backend/internal/clips"
	"github.com/screenclip/backend/internal/models"
	"github.com/screenclip/backend/pkg/blob"
	"github.com/screenclip/backend/pkg/queue"
	"github.com/screenclip/backend/pkg/storage"
)

// ArchiveProcessor processes clip archive jobs: read the local payload,
// upload to S3, record the archive location.
type ArchiveProcessor struct {
	clipRepo *clips.Repository
	blobs    *blob.Store
	s3       *storage.S3
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewArchiveProcessor creates a clip archive processor.
func NewArchiveProcessor(clipRepo *clips.Repository, blobs *blob.Store, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{clipRepo: clipRepo, blobs: blobs, s3: s3, queue: q, logger: logger}
}

// Process executes one clip archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeClipArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ClipArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	clip, err := p.clipRepo.GetByID(ctx, payload.ClipID)
	if err != nil || clip == nil {
		return fmt.Errorf("clip not found: %s", payload.ClipID)
	}
	if clip.Status == models.ClipStatusArchived {
		p.logger.Info("clip already archived", zap.String("clip_id", clip.ID.String()))
		return nil
	}

	body, size, err := p.blobs.Open(clip.ID.String())
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer body.Close()

	key := storage.ClipKey(clip.ID.String())
	archiveURL, err := p.s3.Upload(ctx, key, clip.ContentType, body, size)
	if err != nil {
		if dbErr := p.clipRepo.UpdateStatus(ctx, clip.ID, models.ClipStatusArchiveFailed); dbErr != nil {
			p.logger.Error("mark clip archive failed", zap.Error(dbErr), zap.String("clip_id", clip.ID.String()))
		}
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.clipRepo.UpdateArchiveResult(ctx, clip.ID, archiveURL, key); err != nil {
		p.logger.Error("update clip archive result failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("clip archived", zap.String("clip_id", clip.ID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
