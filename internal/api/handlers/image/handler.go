package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/api/respond"
	"github.com/aliskhannn/image-pipeline/internal/model"
	imagerepo "github.com/aliskhannn/image-pipeline/internal/repository/image"
	imagesvc "github.com/aliskhannn/image-pipeline/internal/service/image"
)

// service defines the interface for image-related operations.
type service interface {
	Upload(ctx context.Context, filename string, src io.Reader) (string, error)
	GetImage(ctx context.Context, id string) (model.Image, error)
	ListImages(ctx context.Context, page, limit int) ([]model.Image, error)
	Thumbnail(ctx context.Context, id, size string) (io.ReadCloser, error)
	DeleteImage(ctx context.Context, id string) error
	Stats(ctx context.Context) (imagesvc.StatsSummary, error)
}

// Handler provides HTTP handlers for image-related endpoints.
// It depends on a service interface to perform the business logic.
type Handler struct {
	service service
	baseURL string
}

// NewHandler creates a new Handler with the given service. The base URL is
// used to build absolute thumbnail links in responses.
func NewHandler(s service, baseURL string) *Handler {
	return &Handler{service: s, baseURL: baseURL}
}

// UploadResponse acknowledges an accepted upload; processing is async.
type UploadResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// ImageResponse is the record projection returned by the query endpoints.
// Empty and null fields are omitted; thumbnail URLs appear only on success.
type ImageResponse struct {
	Status string    `json:"status"`
	Data   ImageData `json:"data"`
	Error  *string   `json:"error,omitempty"`
}

// ImageData carries the record fields of an ImageResponse.
type ImageData struct {
	ImageID      string            `json:"image_id"`
	OriginalName string            `json:"original_name"`
	ProcessedAt  string            `json:"processed_at,omitempty"`
	Metadata     model.Metadata    `json:"metadata"`
	Thumbnails   map[string]string `json:"thumbnails"`
}

// Upload handles the HTTP request for uploading an image. It saves the
// uploaded file via the service, which queues background processing, and
// responds 202 with the generated image id.
func (h *Handler) Upload(c *ginext.Context) {
	// Parse the multipart form with a 10MB max memory limit.
	if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to retrieve the uploaded file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	id, err := h.service.Upload(c.Request.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, imagesvc.ErrInvalidFormat) || errors.Is(err, imagesvc.ErrCorruptImage) {
			respond.Fail(c, http.StatusUnprocessableEntity, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to accept the upload")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to accept the upload"))
		return
	}

	respond.Accepted(c, UploadResponse{
		Status:  "accepted",
		Message: "Image uploaded and queued for processing",
		Data:    map[string]any{"image_id": id},
	})
}

// List returns one page of image records, newest first.
func (h *Handler) List(c *ginext.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	images, err := h.service.ListImages(c.Request.Context(), page, limit)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to list images")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to list images"))
		return
	}

	out := make([]ImageResponse, 0, len(images))
	for _, img := range images {
		out = append(out, h.buildImageResponse(img))
	}

	respond.OK(c, out)
}

// Get returns the record for one image, including metadata and thumbnail
// URLs once processing succeeded.
func (h *Handler) Get(c *ginext.Context) {
	id := c.Param("id")

	img, err := h.service.GetImage(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get image"))
		return
	}

	respond.OK(c, h.buildImageResponse(img))
}

// GetThumbnail serves the thumbnail file for a given image and size tag.
func (h *Handler) GetThumbnail(c *ginext.Context) {
	id := c.Param("id")
	size := c.Param("size")

	reader, err := h.service.Thumbnail(c.Request.Context(), id, size)
	if err != nil {
		switch {
		case errors.Is(err, imagesvc.ErrInvalidSize):
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid thumbnail size, use 'small' or 'medium'"))
		case errors.Is(err, imagerepo.ErrImageNotFound):
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
		case errors.Is(err, imagesvc.ErrThumbnailNotReady):
			respond.Fail(c, http.StatusNotFound, err)
		default:
			zlog.Logger.Err(err).Msg("failed to get thumbnail")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get thumbnail"))
		}
		return
	}
	defer reader.Close()

	respond.JPEG(c, http.StatusOK, reader)
}

// Delete removes an image record with its original and derived files.
// Deleting is refused while the record is still being processed.
func (h *Handler) Delete(c *ginext.Context) {
	id := c.Param("id")

	if err := h.service.DeleteImage(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, imagerepo.ErrImageNotFound):
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
		case errors.Is(err, imagerepo.ErrImageNotTerminal):
			respond.Fail(c, http.StatusConflict, err)
		default:
			zlog.Logger.Err(err).Msg("failed to delete image")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to delete image"))
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// Stats returns system-wide processing statistics.
func (h *Handler) Stats(c *ginext.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to compute stats")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to compute stats"))
		return
	}

	respond.OK(c, stats)
}

// Health is a liveness probe.
func (h *Handler) Health(c *ginext.Context) {
	respond.OK(c, map[string]string{"status": "ok"})
}

// buildImageResponse projects a record into the response shape. Thumbnail
// URLs are included only when processing succeeded.
func (h *Handler) buildImageResponse(img model.Image) ImageResponse {
	data := ImageData{
		ImageID:      img.ImageID,
		OriginalName: img.OriginalName,
		Metadata:     img.Metadata,
		Thumbnails:   map[string]string{},
	}

	if img.ProcessedAt != nil {
		data.ProcessedAt = img.ProcessedAt.UTC().Format(time.RFC3339)
	}

	if img.Status == model.StatusSuccess {
		for size := range img.ThumbnailPaths {
			if size == model.SizeSmall || size == model.SizeMedium {
				data.Thumbnails[size] = fmt.Sprintf("%s/api/images/%s/thumbnails/%s", h.baseURL, img.ImageID, size)
			}
		}
	}

	return ImageResponse{
		Status: img.Status,
		Data:   data,
		Error:  img.Error,
	}
}
