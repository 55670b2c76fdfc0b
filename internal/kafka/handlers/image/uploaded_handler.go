package image

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

// executor defines the interface for running one processing attempt.
type executor interface {
	Execute(ctx context.Context, task model.Task) error
}

// UploadedHandler handles queue messages for uploaded images.
// It decodes the task and hands it to the worker executor.
type UploadedHandler struct {
	executor executor
}

// NewUploadedHandler creates a new handler with the given executor.
func NewUploadedHandler(e executor) *UploadedHandler {
	return &UploadedHandler{executor: e}
}

// Handle processes one queue message containing an image task.
func (h *UploadedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var task model.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return fmt.Errorf("unmarshal task: %w", err)
	}

	if task.ImageID == "" || task.SourcePath == "" {
		return fmt.Errorf("invalid task message: %s", msg.Value)
	}

	if err := h.executor.Execute(ctx, task); err != nil {
		return fmt.Errorf("execute task: %w", err)
	}

	zlog.Logger.Info().Str("image_id", task.ImageID).Msg("task handled")

	return nil
}
