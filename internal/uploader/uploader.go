package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"milestone-service/pkg/metrics"
)

// UploadError is an attachment transport or storage failure.
type UploadError struct {
	Cause error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload failed: %v", e.Cause) }
func (e *UploadError) Unwrap() error { return e.Cause }

// Client uploads a binary resource to the uploads endpoint and returns its
// stable URL. The local handle is passed through as a source reference (data
// URI or staging path); the endpoint owns the actual blob storage.
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewClient(endpoint string, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With(zap.String("component", "uploader")),
	}
}

// Upload sends localRef and returns the persisted URL.
func (c *Client) Upload(ctx context.Context, localRef string) (string, error) {
	start := time.Now()

	url, err := c.upload(ctx, localRef)
	if err != nil {
		metrics.RecordUploadLatency("failed", time.Since(start))
		c.logger.Error("attachment upload failed", zap.Error(err))
		return "", &UploadError{Cause: err}
	}

	metrics.RecordUploadLatency("success", time.Since(start))
	return url, nil
}

func (c *Client) upload(ctx context.Context, localRef string) (string, error) {
	body, err := json.Marshal(map[string]string{"uri": localRef})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("uploads endpoint returned status %d: %s", res.StatusCode, raw)
	}

	var file struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if file.URL == "" {
		return "", fmt.Errorf("uploads endpoint returned empty url")
	}
	return file.URL, nil
}
