package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vocalshift/audio-pipeline-service/internal/storage"
)

// ErrTooSmall marks an input artifact below the minimum byte threshold. It is
// a fast-fail on corrupt input, never retried.
var ErrTooSmall = errors.New("input artifact too small")

// silentAudioURL is a one-second silent clip used by warm-up pings.
const silentAudioURL = "https://github.com/anars/blank-audio/raw/master/1-second-of-silence.mp3"

// Client invokes the external vocal separation service with bounded retries
// and persists the resulting artifact to durable storage.
type Client struct {
	config     Config
	httpClient *http.Client
	store      *storage.Store
	logger     *slog.Logger
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains separation client configuration
type Config struct {
	Endpoint      string
	APIToken      string
	ModelVersion  string
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxConcurrent int
	MinInputBytes int
}

// Result describes the stored output artifact of a separation run.
type Result struct {
	Filename string
	Path     string
	Size     int64
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new separation API client.
func NewClient(config Config, store *storage.Store, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIToken == "" {
		return nil, fmt.Errorf("API token cannot be empty")
	}

	if config.ModelVersion == "" {
		return nil, fmt.Errorf("model version cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.MinInputBytes <= 0 {
		config.MinInputBytes = 1024
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		store:      store,
		logger:     logger,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Separate runs the input artifact through the external separation service
// and stores the resulting vocals track. Inputs below the minimum size are
// rejected immediately; every other failure is retried with a fixed delay up
// to the attempt budget, then surfaced wrapping the last error.
func (c *Client) Separate(ctx context.Context, inputPath string) (*Result, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read input artifact: %w", err)
	}
	if len(data) < c.config.MinInputBytes {
		return nil, fmt.Errorf("%w: %d bytes, possibly corrupted", ErrTooSmall, len(data))
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		c.logger.Debug("Separation attempt",
			slog.String("input", inputPath),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxAttempts),
		)

		result, err := c.doSeparate(ctx, filepath.Base(inputPath), data)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err
		c.logger.Warn("Separation attempt failed",
			slog.String("input", inputPath),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("separation failed after %d attempts: %w", c.config.MaxAttempts, lastErr)
}

// Ping runs the model against a silent reference clip to keep it warm. The
// output is discarded.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	_, err := c.runPrediction(ctx, silentAudioURL)
	return err
}

// doSeparate performs one full attempt: upload, predict, download, persist.
func (c *Client) doSeparate(ctx context.Context, filename string, data []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	fileURL, err := c.uploadInput(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}

	vocalsURL, err := c.runPrediction(ctx, fileURL)
	if err != nil {
		return nil, err
	}

	return c.downloadResult(ctx, vocalsURL)
}

// uploadInput pushes the artifact to the service's file hosting and returns
// the hosted URL to feed the model.
func (c *Client) uploadInput(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("content", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	var uploadResp struct {
		URLs struct {
			Get string `json:"get"`
		} `json:"urls"`
	}
	if err := json.Unmarshal(body, &uploadResp); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if uploadResp.URLs.Get == "" {
		return "", fmt.Errorf("no file URL in upload response")
	}

	return uploadResp.URLs.Get, nil
}

// runPrediction runs the separation model against the hosted audio URL and
// extracts the vocals URL from the response. The service may answer with a
// bare string or an object carrying a "vocals" field; anything else is an
// unusable shape.
func (c *Client) runPrediction(ctx context.Context, audioURL string) (string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"version": c.config.ModelVersion,
		"input":   map[string]string{"audio": audioURL},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint+"/predictions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	var predictionResp struct {
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &predictionResp); err != nil {
		return "", fmt.Errorf("failed to parse prediction response: %w", err)
	}
	if predictionResp.Error != "" {
		return "", fmt.Errorf("prediction failed: %s", predictionResp.Error)
	}

	return extractVocalsURL(predictionResp.Output)
}

// extractVocalsURL accepts either a plain string URL or an object with a
// "vocals" field.
func extractVocalsURL(output json.RawMessage) (string, error) {
	if len(output) == 0 {
		return "", fmt.Errorf("no output in prediction response")
	}

	var direct string
	if err := json.Unmarshal(output, &direct); err == nil {
		if direct == "" {
			return "", fmt.Errorf("empty vocals URL in prediction response")
		}
		return direct, nil
	}

	var structured struct {
		Vocals string `json:"vocals"`
	}
	if err := json.Unmarshal(output, &structured); err == nil && structured.Vocals != "" {
		return structured.Vocals, nil
	}

	return "", fmt.Errorf("unexpected prediction output shape: %s", string(output))
}

// downloadResult fetches the vocals artifact and persists it under a fresh
// collision-resistant name.
func (c *Client) downloadResult(ctx context.Context, vocalsURL string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", vocalsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to download vocals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download vocals: HTTP %d", resp.StatusCode)
	}

	filename, path, size, err := c.store.SaveStream(resp.Body, "mp3")
	if err != nil {
		return nil, fmt.Errorf("persist vocals: %w", err)
	}

	c.logger.Info("Separation artifact stored",
		slog.String("filename", filename),
		slog.Int64("size_bytes", size),
	)

	return &Result{Filename: filename, Path: path, Size: size}, nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
