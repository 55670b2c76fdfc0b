package image

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

var (
	ErrImageNotFound    = errors.New("image not found")
	ErrDuplicateImage   = errors.New("image already exists")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAlreadyTerminal  = errors.New("image already reached a terminal state")
	ErrImageNotTerminal = errors.New("image is still being processed")
)

const uniqueViolation = "23505"

// Stats is an aggregated point-in-time snapshot over all image records.
type Stats struct {
	Total             int
	Failed            int
	Successful        int
	AvgProcessingTime float64
}

// Repository provides CRUD operations and state transitions for image
// records. All worker-side transitions are single guarded UPDATE statements
// so concurrent duplicate deliveries cannot corrupt a record or leave a
// terminal state.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateImage inserts a new image record. This is the only insert path;
// every later change is an update. A duplicate image_id is rejected by the
// primary key and reported as ErrDuplicateImage.
func (r *Repository) CreateImage(ctx context.Context, img model.Image) error {
	query := `
		INSERT INTO images (
			image_id, original_name, status, metadata, thumbnail_paths,
			created_at, processed_at, processing_time_seconds, error, retry_count
		)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7, $8, 0)
	`

	metaJSON, err := json.Marshal(img.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	thumbsJSON, err := json.Marshal(img.ThumbnailPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal thumbnail paths: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx, query,
		img.ImageID, img.OriginalName, img.Status, metaJSON, thumbsJSON,
		img.ProcessedAt, img.ProcessingTimeSeconds, img.Error,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateImage
		}

		return fmt.Errorf("create: failed to save image: %w", err)
	}

	return nil
}

// GetImage retrieves an image record by its ID.
func (r *Repository) GetImage(ctx context.Context, id string) (model.Image, error) {
	query := `
		SELECT image_id, original_name, status, metadata, thumbnail_paths,
		       created_at, processed_at, processing_time_seconds, error, retry_count
		FROM images
		WHERE image_id = $1
	`

	img, err := scanImage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	return img, nil
}

// ListImages returns records ordered newest-first.
func (r *Repository) ListImages(ctx context.Context, limit, offset int) ([]model.Image, error) {
	query := `
		SELECT image_id, original_name, status, metadata, thumbnail_paths,
		       created_at, processed_at, processing_time_seconds, error, retry_count
		FROM images
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query images: %w", err)
	}
	defer rows.Close()

	var images []model.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan image: %w", err)
		}
		images = append(images, img)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: rows error: %w", err)
	}

	return images, nil
}

// SetProcessing marks the record as in flight. The transition is idempotent
// (a duplicate delivery re-applies it harmlessly) and never leaves a
// terminal state.
func (r *Repository) SetProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE images
		SET status = $2
		WHERE image_id = $1 AND status NOT IN ($3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, id, model.StatusProcessing, model.StatusSuccess, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("set processing: %w", err)
	}

	return nil
}

// MarkSuccess atomically writes the full result of a successful attempt:
// status, merged metadata bundle, thumbnail paths, processed_at and
// processing_time_seconds together, and clears the error field. A record
// already in a terminal state is reported as ErrAlreadyTerminal so a
// duplicate delivery can be told apart from a missing record.
func (r *Repository) MarkSuccess(ctx context.Context, id string, meta model.Metadata, thumbs map[string]string, elapsed float64) error {
	query := `
		UPDATE images
		SET status = $2, metadata = $3, thumbnail_paths = $4,
		    processed_at = now(), processing_time_seconds = $5, error = NULL
		WHERE image_id = $1 AND status NOT IN ($6, $7)
	`

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("mark success: failed to marshal metadata: %w", err)
	}

	thumbsJSON, err := json.Marshal(thumbs)
	if err != nil {
		return fmt.Errorf("mark success: failed to marshal thumbnail paths: %w", err)
	}

	res, err := r.db.ExecContext(
		ctx, query,
		id, model.StatusSuccess, metaJSON, thumbsJSON, elapsed,
		model.StatusSuccess, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return r.resolveGuardMiss(ctx, id)
	}

	return nil
}

// MarkFailed atomically records a permanent failure with its final error
// message, processed_at and processing_time_seconds set together. Like
// MarkSuccess, an already-terminal record yields ErrAlreadyTerminal.
func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string, elapsed float64) error {
	query := `
		UPDATE images
		SET status = $2, processed_at = now(), processing_time_seconds = $3, error = $4
		WHERE image_id = $1 AND status NOT IN ($5, $6)
	`

	res, err := r.db.ExecContext(
		ctx, query,
		id, model.StatusFailed, elapsed, errMsg,
		model.StatusSuccess, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return r.resolveGuardMiss(ctx, id)
	}

	return nil
}

// resolveGuardMiss explains a guarded terminal-state update that matched no
// rows: the record is either gone or already terminal.
func (r *Repository) resolveGuardMiss(ctx context.Context, id string) error {
	img, err := r.GetImage(ctx, id)
	if err != nil {
		return err
	}

	if img.Terminal() {
		return ErrAlreadyTerminal
	}

	return ErrImageNotFound
}

// BumpRetry consumes one retry attempt: it keeps the record in processing,
// stores the "Retrying: ..." breadcrumb and increments retry_count, all in
// one statement so two workers racing on the same job cannot consume the
// same attempt twice. It returns the count after the increment, or
// ErrRetriesExhausted when the cap is already reached.
func (r *Repository) BumpRetry(ctx context.Context, id, errMsg string, maxRetries int) (int, error) {
	query := `
		UPDATE images
		SET status = $2, error = $3, retry_count = retry_count + 1
		WHERE image_id = $1 AND retry_count < $4 AND status NOT IN ($5, $6)
		RETURNING retry_count
	`

	var count int
	err := r.db.QueryRowContext(
		ctx, query,
		id, model.StatusProcessing, errMsg, maxRetries,
		model.StatusSuccess, model.StatusFailed,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrRetriesExhausted
		}

		return 0, fmt.Errorf("bump retry: %w", err)
	}

	return count, nil
}

// DeleteImage deletes a record, but only once it has reached a terminal
// state. Deleting an in-flight record would let a late retry resurrect
// files after their removal.
func (r *Repository) DeleteImage(ctx context.Context, id string) error {
	query := `
		DELETE FROM images
		WHERE image_id = $1 AND status IN ($2, $3)
	`

	res, err := r.db.ExecContext(ctx, query, id, model.StatusSuccess, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		// Distinguish a missing record from one still in flight.
		if _, err := r.GetImage(ctx, id); err != nil {
			return err
		}
		return ErrImageNotTerminal
	}

	return nil
}

// Stats aggregates totals, failure count and the mean processing time over
// records that have one. Reads only committed fields, so no locking.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $1),
		       COUNT(*) FILTER (WHERE status = $2),
		       COALESCE(AVG(processing_time_seconds), 0)
		FROM images
	`

	var s Stats
	err := r.db.QueryRowContext(ctx, query, model.StatusFailed, model.StatusSuccess).
		Scan(&s.Total, &s.Failed, &s.Successful, &s.AvgProcessingTime)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	return s, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (model.Image, error) {
	var (
		img        model.Image
		metaBytes  []byte
		thumbBytes []byte
		processed  sql.NullTime
		elapsed    sql.NullFloat64
		errMsg     sql.NullString
	)

	err := row.Scan(
		&img.ImageID, &img.OriginalName, &img.Status, &metaBytes, &thumbBytes,
		&img.CreatedAt, &processed, &elapsed, &errMsg, &img.RetryCount,
	)
	if err != nil {
		return model.Image{}, err
	}

	if err := json.Unmarshal(metaBytes, &img.Metadata); err != nil {
		return model.Image{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(thumbBytes, &img.ThumbnailPaths); err != nil {
		return model.Image{}, fmt.Errorf("failed to unmarshal thumbnail paths: %w", err)
	}

	if processed.Valid {
		img.ProcessedAt = &processed.Time
	}
	if elapsed.Valid {
		img.ProcessingTimeSeconds = &elapsed.Float64
	}
	if errMsg.Valid {
		img.Error = &errMsg.String
	}

	return img, nil
}
