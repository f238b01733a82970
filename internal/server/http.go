package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalshift/audio-pipeline-service/internal/account"
	"github.com/vocalshift/audio-pipeline-service/internal/config"
	"github.com/vocalshift/audio-pipeline-service/internal/jobs"
	"github.com/vocalshift/audio-pipeline-service/internal/metrics"
	"github.com/vocalshift/audio-pipeline-service/internal/pipeline"
	"github.com/vocalshift/audio-pipeline-service/internal/quota"
	"github.com/vocalshift/audio-pipeline-service/internal/storage"
	"github.com/vocalshift/audio-pipeline-service/internal/transform"
	"github.com/vocalshift/audio-pipeline-service/internal/usage"
	"github.com/vocalshift/audio-pipeline-service/internal/warmer"
)

// maxUploadBytes bounds multipart parsing for chunk uploads.
const maxUploadBytes = 64 << 20

// HTTPServer provides the chunk submission and monitoring API
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	controller *pipeline.Controller
	accounts   *account.Store
	recorder   *usage.Recorder
	jobsTable  *jobs.Table
	separation *transform.Client
	warm       *warmer.Warmer
	files      *storage.Store
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, controller *pipeline.Controller, accounts *account.Store,
	recorder *usage.Recorder, jobsTable *jobs.Table, separation *transform.Client,
	warm *warmer.Warmer, files *storage.Store, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		accounts:   accounts,
		recorder:   recorder,
		jobsTable:  jobsTable,
		separation: separation,
		warm:       warm,
		files:      files,
		metrics:    m,
		startTime:  time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Chunk submission and polling endpoints
	mux.HandleFunc("/upload_chunk", h.withMetrics("/upload_chunk", h.handleUploadChunk))
	mux.HandleFunc("/chunk_status/", h.withMetrics("/chunk_status/{key}", h.handleChunkStatus))

	// Account usage endpoint
	mux.HandleFunc("/usage", h.withMetrics("/usage", h.handleUsage))

	// Processed artifacts are served straight from the storage directory
	mux.Handle("/uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(h.files.Dir()))))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleUploadChunk implements the POST /upload_chunk endpoint. The chunk
// audio arrives as the multipart "file" part; chunk_index, duration,
// source_url, mode and threshold come as form fields and the optional
// account context as the X-Account-ID header.
func (h *HTTPServer) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil || chunkIndex < 0 {
		writeError(w, http.StatusBadRequest, "chunk_index must be a non-negative integer")
		return
	}

	duration := 0.0
	if v := r.FormValue("duration"); v != "" {
		duration, err = strconv.ParseFloat(v, 64)
		if err != nil || duration < 0 {
			writeError(w, http.StatusBadRequest, "duration must be a non-negative number of seconds")
			return
		}
	}

	req := pipeline.SubmitRequest{
		SourceID:        r.FormValue("source_url"),
		ChunkIndex:      chunkIndex,
		DurationSeconds: duration,
		Mode:            r.FormValue("mode"),
		Threshold:       r.FormValue("threshold"),
		AccountID:       r.Header.Get("X-Account-ID"),
	}

	if file, header, ferr := r.FormFile("file"); ferr == nil {
		defer file.Close()

		ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
		if ext == "" {
			ext = "wav"
		}
		path, size, serr := h.files.SaveUpload(file, ext)
		if serr != nil {
			writeError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		req.ArtifactPath = path
		req.ArtifactSize = size
	}

	resp, err := h.controller.Submit(r.Context(), req)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeSubmitError maps admission failures onto HTTP statuses. A quota
// rejection carries the balance so clients can render an upgrade prompt.
func (h *HTTPServer) writeSubmitError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "quota exceeded",
			"requested_minutes": exceeded.Requested,
			"minutes_remaining": exceeded.Remaining,
			"minutes_total":     exceeded.Total,
		})
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "unknown account")
	case errors.Is(err, pipeline.ErrNoArtifact):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Chunk submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "chunk submission failed")
	}
}

// handleChunkStatus implements the GET /chunk_status/{key} endpoint
func (h *HTTPServer) handleChunkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Path[len("/chunk_status/"):]
	if key == "" {
		writeError(w, http.StatusBadRequest, "chunk key required")
		return
	}

	rec, err := h.controller.Poll(key)
	if err != nil {
		// Expired and never-existed keys are indistinguishable; clients
		// resubmit either way.
		writeError(w, http.StatusNotFound, "chunk not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// handleUsage implements the GET /usage endpoint
func (h *HTTPServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := r.Header.Get("X-Account-ID")
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "X-Account-ID header required")
		return
	}

	acc, err := h.accounts.FindAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		writeError(w, http.StatusInternalServerError, "account lookup failed")
		return
	}

	summary, err := h.recorder.Summarize(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}

	response := map[string]interface{}{
		"account_id":        acc.ID,
		"plan":              acc.Plan,
		"minutes_remaining": acc.MinutesRemaining,
		"minutes_total":     acc.MinutesTotal,
		"unlimited":         acc.Unlimited(),
		"usage":             summary,
		"timestamp":         time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	separationStats := h.separation.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "audio-pipeline-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"jobs": map[string]interface{}{
				"status":       "running",
				"active_count": h.jobsTable.Len(),
			},
			"separation": map[string]interface{}{
				"status":          "running",
				"total_requests":  separationStats.TotalRequests,
				"success_rate":    separationStats.SuccessRate,
				"active_requests": separationStats.ActiveRequests,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":            h.config.HTTP.Port,
			"address":         h.config.HTTP.Address,
			"public_base_url": h.config.HTTP.PublicBaseURL,
		},
		"separation": map[string]interface{}{
			"endpoint":        h.config.Separation.Endpoint,
			"model_version":   h.config.Separation.ModelVersion,
			"timeout":         h.config.Separation.Timeout,
			"max_attempts":    h.config.Separation.MaxAttempts,
			"max_concurrent":  h.config.Separation.MaxConcurrent,
			"min_input_bytes": h.config.Separation.MinInputBytes,
			// Note: API token is intentionally omitted for security
		},
		"cache": map[string]interface{}{
			"enabled": h.config.Cache.URL != "",
			"ttl":     h.config.Cache.TTLSeconds,
		},
		"jobs": map[string]interface{}{
			"max_age":        h.config.Jobs.MaxAge,
			"sweep_interval": h.config.Jobs.SweepInterval,
		},
		"quota": map[string]interface{}{
			"reset_cron": h.config.Quota.ResetCron,
		},
		"warmup": map[string]interface{}{
			"enabled":          h.config.Warmup.Enabled,
			"interval":         h.config.Warmup.Interval,
			"sleep_start_hour": h.config.Warmup.SleepStartHour,
			"sleep_end_hour":   h.config.Warmup.SleepEndHour,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"jobs": map[string]interface{}{
			"active_count": h.jobsTable.Len(),
		},
		"separation": h.separation.GetStats(),
	}
	if h.warm != nil {
		stats["warmup"] = h.warm.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Audio Pipeline Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"POST /upload_chunk":       "Submit an audio chunk for separation",
			"GET /chunk_status/{key}":  "Poll a submitted chunk's status",
			"GET /usage":               "Account balance and usage summary",
			"GET /uploads/{file}":      "Download a processed artifact",
			"GET /health":              "Service health check",
			"GET /config":              "Get service configuration",
			"GET /stats":               "Get service statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
