package captioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Captioner generates text captions for images by calling an external
// inference service over HTTP. It is created once at startup and handed to
// the worker pipeline; the client is safe for concurrent use.
type Captioner struct {
	url    string
	client *http.Client
}

// New creates a Captioner for the given inference endpoint. The timeout
// bounds a single caption call; on expiry the call fails and the job-level
// retry policy takes over.
func New(url string, timeout time.Duration) *Captioner {
	return &Captioner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type captionResponse struct {
	Caption string `json:"caption"`
}

// Caption sends the image bytes to the inference service and returns the
// generated caption. Any transport or model error is returned to the
// caller, which treats it as a retryable stage failure.
func (c *Captioner) Caption(ctx context.Context, image io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, image)
	if err != nil {
		return "", fmt.Errorf("caption: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("caption: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("caption: model returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("caption: failed to decode response: %w", err)
	}

	return out.Caption, nil
}
