package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	imagerepo "github.com/aliskhannn/image-pipeline/internal/repository/image"
	"github.com/aliskhannn/image-pipeline/internal/storage/file"
)

var (
	ErrInvalidFormat     = errors.New("invalid file format")
	ErrCorruptImage      = errors.New("file is corrupted or not a valid image")
	ErrInvalidSize       = errors.New("invalid thumbnail size")
	ErrThumbnailNotReady = errors.New("thumbnails not available")
)

// allowedExtensions is the upload allow-list, matched case-insensitively.
var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
}

// repository defines the record store operations the service relies on.
type repository interface {
	CreateImage(ctx context.Context, img model.Image) error
	GetImage(ctx context.Context, id string) (model.Image, error)
	ListImages(ctx context.Context, limit, offset int) ([]model.Image, error)
	DeleteImage(ctx context.Context, id string) error
	Stats(ctx context.Context) (imagerepo.Stats, error)
}

// fileStorage defines the interface for storing and removing files.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// producer defines the interface for enqueueing tasks into the job queue.
type producer interface {
	Enqueue(ctx context.Context, task model.Task) error
}

// StatsSummary is the formatted, user-facing statistics projection.
type StatsSummary struct {
	Total                        int     `json:"total"`
	Failed                       int     `json:"failed"`
	SuccessRate                  string  `json:"success_rate"`
	AverageProcessingTimeSeconds float64 `json:"average_processing_time_seconds"`
}

// Service provides the dispatcher and query boundary for image records.
// Upload never blocks on processing: it validates, persists, records and
// enqueues, then returns the generated id immediately.
type Service struct {
	repo        repository
	fileStorage fileStorage
	producer    producer
}

// NewService creates a new Service with the given collaborators.
func NewService(r repository, fs fileStorage, p producer) *Service {
	return &Service{repo: r, fileStorage: fs, producer: p}
}

// Upload validates and persists an uploaded image and enqueues it for
// asynchronous processing. Permanently invalid inputs (bad extension,
// corrupt payload) produce a terminal failed record and never a job.
func (s *Service) Upload(ctx context.Context, filename string, src io.Reader) (string, error) {
	ext := extension(filename)
	if !allowedExtensions[ext] {
		id := model.NewImageID()
		msg := fmt.Sprintf("Invalid file format: .%s. Supported formats: JPG, PNG", ext)

		s.createFailedRecord(ctx, id, filename, msg)

		return "", fmt.Errorf("%w: .%s", ErrInvalidFormat, ext)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("upload: failed to read file: %w", err)
	}

	// Persist first: a crash after this point leaves at worst an orphan
	// file, never a record pointing at a missing file.
	id := model.NewImageID()
	name := fmt.Sprintf("%s.%s", id, ext)

	dst, err := s.fileStorage.Save(ctx, file.SubdirOriginals, name, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload: failed to save file: %w", err)
	}

	zlog.Logger.Info().Str("filename", filename).Str("path", dst).Msg("saved uploaded file")

	// Structural check: the payload must decode as an image.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		if delErr := s.fileStorage.Delete(ctx, dst); delErr != nil {
			zlog.Logger.Err(delErr).Str("path", dst).Msg("failed to delete corrupt upload")
		}

		s.createFailedRecord(ctx, id, filename, "File is corrupted or not a valid image.")

		return "", ErrCorruptImage
	}

	img := model.Image{
		ImageID:        id,
		OriginalName:   filename,
		Status:         model.StatusPending,
		ThumbnailPaths: map[string]string{},
	}

	if err := s.repo.CreateImage(ctx, img); err != nil {
		return "", fmt.Errorf("upload: failed to create record: %w", err)
	}

	task := model.Task{ImageID: id, SourcePath: dst}
	if err := s.producer.Enqueue(ctx, task); err != nil {
		// The pending record is left behind; a reconciliation sweep may
		// pick it up later.
		return "", fmt.Errorf("upload: failed to enqueue task: %w", err)
	}

	return id, nil
}

// GetImage retrieves a single record by id.
func (s *Service) GetImage(ctx context.Context, id string) (model.Image, error) {
	return s.repo.GetImage(ctx, id)
}

// ListImages returns one page of records, newest first.
func (s *Service) ListImages(ctx context.Context, page, limit int) ([]model.Image, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	return s.repo.ListImages(ctx, limit, (page-1)*limit)
}

// Thumbnail streams the thumbnail file with the given size tag. Thumbnails
// exist only for successfully processed images.
func (s *Service) Thumbnail(ctx context.Context, id, size string) (io.ReadCloser, error) {
	if size != model.SizeSmall && size != model.SizeMedium {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}

	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return nil, err
	}

	if img.Status != model.StatusSuccess {
		return nil, fmt.Errorf("%w: image status is %s", ErrThumbnailNotReady, img.Status)
	}

	path, ok := img.ThumbnailPaths[size]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: no %s thumbnail recorded", ErrThumbnailNotReady, size)
	}

	return s.fileStorage.Load(ctx, path)
}

// DeleteImage removes the record, the original file and every derived file.
// The record store refuses to delete a non-terminal record, so a retry
// still in flight cannot resurrect files after their removal.
func (s *Service) DeleteImage(ctx context.Context, id string) error {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return err
	}

	// The terminal-state fence lives in the store; deleting the record
	// first means files are only removed once no retry can rewrite them.
	if err := s.repo.DeleteImage(ctx, id); err != nil {
		return err
	}

	original := fmt.Sprintf("%s/%s.%s", file.SubdirOriginals, id, extension(img.OriginalName))
	if err := s.fileStorage.Delete(ctx, original); err != nil {
		zlog.Logger.Err(err).Str("path", original).Msg("failed to delete original file")
	}

	for size, path := range img.ThumbnailPaths {
		if path == "" {
			continue
		}
		if err := s.fileStorage.Delete(ctx, path); err != nil {
			zlog.Logger.Err(err).Str("size", size).Str("path", path).Msg("failed to delete thumbnail")
		}
	}

	zlog.Logger.Info().Str("image_id", id).Msg("deleted image")

	return nil
}

// Stats returns the formatted processing statistics snapshot.
func (s *Service) Stats(ctx context.Context) (StatsSummary, error) {
	agg, err := s.repo.Stats(ctx)
	if err != nil {
		return StatsSummary{}, err
	}

	successRate := "0.00%"
	if agg.Total > 0 {
		successRate = fmt.Sprintf("%.2f%%", float64(agg.Successful)/float64(agg.Total)*100)
	}

	return StatsSummary{
		Total:                        agg.Total,
		Failed:                       agg.Failed,
		SuccessRate:                  successRate,
		AverageProcessingTimeSeconds: round2(agg.AvgProcessingTime),
	}, nil
}

// createFailedRecord writes a terminal failed record for an upload rejected
// before any job existed. Record-store errors are logged, not surfaced: the
// caller already has a validation error to report.
func (s *Service) createFailedRecord(ctx context.Context, id, filename, msg string) {
	now := time.Now().UTC()
	zero := 0.0

	img := model.Image{
		ImageID:               id,
		OriginalName:          filename,
		Status:                model.StatusFailed,
		ThumbnailPaths:        map[string]string{},
		ProcessedAt:           &now,
		ProcessingTimeSeconds: &zero,
		Error:                 &msg,
	}

	if err := s.repo.CreateImage(ctx, img); err != nil {
		zlog.Logger.Err(err).Str("image_id", id).Msg("failed to record rejected upload")
	}
}

func extension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}

	return strings.ToLower(filename[idx+1:])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
