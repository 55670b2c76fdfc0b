package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Image processing statuses. A record starts as pending, moves to
// processing when a worker picks it up, and ends in success or failed.
// Success and failed are terminal; a retry stays in processing.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Thumbnail size tags produced for every successfully processed image.
const (
	SizeSmall   = "small"
	SizeMedium  = "medium"
	SizePreview = "preview"
)

// Image represents one uploaded image and its processing state.
// There is exactly one record per ImageID; the dispatcher creates it and
// only the worker mutates it afterwards.
type Image struct {
	ImageID               string            `json:"image_id"`
	OriginalName          string            `json:"original_name"`
	Status                string            `json:"status"`
	Metadata              Metadata          `json:"metadata"`
	ThumbnailPaths        map[string]string `json:"thumbnail_paths"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessedAt           *time.Time        `json:"processed_at"`
	ProcessingTimeSeconds *float64          `json:"processing_time_seconds"`
	Error                 *string           `json:"error"`
	RetryCount            int               `json:"retry_count"`
}

// Terminal reports whether the record reached a final state.
func (i Image) Terminal() bool {
	return i.Status == StatusSuccess || i.Status == StatusFailed
}

// Metadata is the derived bundle written on success: structural fields,
// the EXIF tag mapping, and the generated caption.
type Metadata struct {
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Format    string         `json:"format,omitempty"`
	SizeBytes int64          `json:"size_bytes,omitempty"`
	Datetime  string         `json:"datetime,omitempty"`
	Exif      map[string]any `json:"exif,omitempty"`
	Caption   string         `json:"caption,omitempty"`
}

// Task is the queue message carrying one unit of work.
type Task struct {
	ImageID    string `json:"image_id"`
	SourcePath string `json:"source_path"`
}

// NewImageID generates a short unique image identifier like "img_a1b2c3d4".
func NewImageID() string {
	id := uuid.New()
	return fmt.Sprintf("img_%s", hex.EncodeToString(id[:4]))
}
