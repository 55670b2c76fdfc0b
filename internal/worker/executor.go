package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/repository/image"
)

// repository is the slice of the record store the executor needs: guarded,
// idempotent state transitions keyed by image_id.
type repository interface {
	SetProcessing(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string, meta model.Metadata, thumbs map[string]string, elapsed float64) error
	MarkFailed(ctx context.Context, id, errMsg string, elapsed float64) error
	BumpRetry(ctx context.Context, id, errMsg string, maxRetries int) (int, error)
}

// pipeline exposes the stage functions composed by the executor.
type pipeline interface {
	Thumbnails(ctx context.Context, path, id string) (map[string]string, error)
	Metadata(ctx context.Context, path string) (model.Metadata, error)
	Exif(ctx context.Context, path string) map[string]any
	Caption(ctx context.Context, path string) (string, error)
	Preview(ctx context.Context, path, id, caption string) (string, error)
}

// queue re-enqueues a job after a backoff delay has elapsed.
type queue interface {
	EnqueueAfter(ctx context.Context, delay time.Duration, task model.Task) error
}

// Policy is the job-level retry policy. MaxRetries bounds the number of
// retry attempts; the delay before attempt n is BaseDelay * 2^n, capped at
// MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Executor consumes one job at a time and drives the record through the
// pending → processing → success/failed state machine. Any number of
// executors may run concurrently against the shared queue; every record
// write is an atomic keyed update, so a duplicate delivery degrades to
// wasted work rather than corruption.
type Executor struct {
	repo     repository
	pipeline pipeline
	queue    queue
	policy   Policy
}

// New creates an Executor with the given collaborators and retry policy.
func New(repo repository, p pipeline, q queue, policy Policy) *Executor {
	return &Executor{repo: repo, pipeline: p, queue: q, policy: policy}
}

// Execute runs one processing attempt for the given task.
//
// On success of all stages it writes the full result in one atomic update.
// On any stage error it consumes a retry attempt and re-enqueues the job
// with exponential backoff, or marks the record permanently failed once the
// attempt cap is reached. All stage errors are retried uniformly; there is
// no transient/permanent distinction.
//
// A late or duplicate delivery for a record that already reached a terminal
// state degrades to a no-op: the guarded writes refuse it and Execute
// returns nil.
func (e *Executor) Execute(ctx context.Context, task model.Task) error {
	start := time.Now()

	if err := e.repo.SetProcessing(ctx, task.ImageID); err != nil {
		return fmt.Errorf("failed to set processing status: %w", err)
	}

	zlog.Logger.Info().
		Str("image_id", task.ImageID).
		Str("source_path", task.SourcePath).
		Msg("processing image")

	meta, thumbs, err := e.runStages(ctx, task)
	if err != nil {
		return e.handleFailure(ctx, task, err, elapsedSince(start))
	}

	if err := e.repo.MarkSuccess(ctx, task.ImageID, meta, thumbs, elapsedSince(start)); err != nil {
		if errors.Is(err, image.ErrAlreadyTerminal) {
			zlog.Logger.Info().
				Str("image_id", task.ImageID).
				Msg("duplicate delivery for a terminal record, skipping")

			return nil
		}

		return fmt.Errorf("failed to mark success: %w", err)
	}

	zlog.Logger.Info().
		Str("image_id", task.ImageID).
		Float64("elapsed_seconds", elapsedSince(start)).
		Msg("successfully processed image")

	return nil
}

// runStages executes the four pipeline stages in sequence and assembles the
// merged metadata bundle.
func (e *Executor) runStages(ctx context.Context, task model.Task) (model.Metadata, map[string]string, error) {
	thumbs, err := e.pipeline.Thumbnails(ctx, task.SourcePath, task.ImageID)
	if err != nil {
		return model.Metadata{}, nil, fmt.Errorf("thumbnail generation failed: %w", err)
	}

	meta, err := e.pipeline.Metadata(ctx, task.SourcePath)
	if err != nil {
		return model.Metadata{}, nil, fmt.Errorf("metadata extraction failed: %w", err)
	}

	// EXIF extraction never fails the job; absence degrades to an empty set.
	meta.Exif = e.pipeline.Exif(ctx, task.SourcePath)

	caption, err := e.pipeline.Caption(ctx, task.SourcePath)
	if err != nil {
		return model.Metadata{}, nil, fmt.Errorf("captioning failed: %w", err)
	}
	meta.Caption = caption

	preview, err := e.pipeline.Preview(ctx, task.SourcePath, task.ImageID, caption)
	if err != nil {
		return model.Metadata{}, nil, fmt.Errorf("preview rendering failed: %w", err)
	}
	if preview != "" {
		thumbs[model.SizePreview] = preview
	}

	return meta, thumbs, nil
}

// handleFailure consumes one retry attempt or, when the cap is reached,
// marks the record permanently failed. The retry bump and the final-failure
// write are both single guarded updates keyed by image_id.
func (e *Executor) handleFailure(ctx context.Context, task model.Task, stageErr error, elapsed float64) error {
	zlog.Logger.Err(stageErr).
		Str("image_id", task.ImageID).
		Msg("failed to process image")

	count, err := e.repo.BumpRetry(ctx, task.ImageID, "Retrying: "+stageErr.Error(), e.policy.MaxRetries)
	if err != nil {
		if errors.Is(err, image.ErrRetriesExhausted) {
			if mfErr := e.repo.MarkFailed(ctx, task.ImageID, stageErr.Error(), elapsed); mfErr != nil {
				// The record was already terminal when this delivery
				// arrived; nothing left to record.
				if errors.Is(mfErr, image.ErrAlreadyTerminal) {
					zlog.Logger.Info().
						Str("image_id", task.ImageID).
						Msg("duplicate delivery for a terminal record, skipping")

					return nil
				}

				return fmt.Errorf("failed to mark image as failed: %w", mfErr)
			}

			zlog.Logger.Warn().
				Str("image_id", task.ImageID).
				Int("max_retries", e.policy.MaxRetries).
				Msg("retries exhausted, image marked as failed")

			return nil
		}

		return fmt.Errorf("failed to bump retry count: %w", err)
	}

	delay := e.backoff(count)

	if err := e.queue.EnqueueAfter(ctx, delay, task); err != nil {
		return fmt.Errorf("failed to re-enqueue task: %w", err)
	}

	zlog.Logger.Info().
		Str("image_id", task.ImageID).
		Int("retry_count", count).
		Dur("delay", delay).
		Msg("re-enqueued image for retry")

	return nil
}

// backoff computes the delay before the next attempt: BaseDelay * 2^count,
// capped at MaxDelay.
func (e *Executor) backoff(count int) time.Duration {
	d := time.Duration(float64(e.policy.BaseDelay) * math.Pow(2, float64(count)))
	if e.policy.MaxDelay > 0 && d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}

	return d
}

func elapsedSince(start time.Time) float64 {
	return math.Round(time.Since(start).Seconds()*100) / 100
}
