// Package pipeline implements the admission and dispatch controller that ties
// quota enforcement, result caching and background separation together.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalshift/audio-pipeline-service/internal/cache"
	"github.com/vocalshift/audio-pipeline-service/internal/jobs"
	"github.com/vocalshift/audio-pipeline-service/internal/metrics"
	"github.com/vocalshift/audio-pipeline-service/internal/quota"
	"github.com/vocalshift/audio-pipeline-service/internal/storage"
	"github.com/vocalshift/audio-pipeline-service/internal/transform"
	"github.com/vocalshift/audio-pipeline-service/internal/usage"
)

var (
	// ErrNoArtifact is returned when a submission carries neither an
	// uploaded artifact nor a source locator to synthesize one from.
	ErrNoArtifact = errors.New("no artifact uploaded and no source locator provided")
	// ErrNotFound is returned by Poll for unknown or expired job keys.
	ErrNotFound = errors.New("job not found")
)

// Separator is the slice of the separation client the controller needs.
type Separator interface {
	Separate(ctx context.Context, inputPath string) (*transform.Result, error)
}

// SubmitRequest is one chunk submission after HTTP-level parsing.
type SubmitRequest struct {
	// ArtifactPath is the already-saved uploaded file; empty when the client
	// sent only a source locator.
	ArtifactPath    string
	ArtifactSize    int64
	SourceID        string
	ChunkIndex      int
	DurationSeconds float64
	Mode            string
	Threshold       string
	// AccountID is empty for anonymous, unmetered use.
	AccountID string
}

// Usage reports balance figures back to the submitting client.
type Usage struct {
	MinutesUsed      float64 `json:"minutes_used"`
	MinutesRemaining float64 `json:"minutes_remaining"`
	MinutesTotal     float64 `json:"minutes_total"`
}

// SubmitResponse is the synchronous outcome of a submission: either a job key
// to poll, or an immediate result served from cache.
type SubmitResponse struct {
	State      jobs.State `json:"status"`
	JobKey     string     `json:"chunk_key,omitempty"`
	ChunkIndex int        `json:"chunk_index"`
	ResultURL  string     `json:"url,omitempty"`
	Cached     bool       `json:"cached"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// Config contains controller configuration.
type Config struct {
	PublicBaseURL string
	CacheTTL      time.Duration
}

// Deps are the collaborating components.
type Deps struct {
	Logger    *slog.Logger
	Ledger    *quota.Ledger
	Recorder  *usage.Recorder
	Cache     *cache.Cache
	Jobs      *jobs.Table
	Separator Separator
	Storage   *storage.Store
	Metrics   *metrics.Metrics
}

// Controller is the admission and dispatch entry point: it validates the
// upload, reserves quota atomically, consults the result cache and hands off
// to a background separation task without blocking the caller.
type Controller struct {
	config Config
	deps   Deps

	// Tracks in-flight background jobs for shutdown and tests.
	wg sync.WaitGroup
}

// NewController creates the admission and dispatch controller.
func NewController(config Config, deps Deps) *Controller {
	return &Controller{config: config, deps: deps}
}

// Fingerprint derives the stable cache key for a unit of work from the
// parameters that fully determine its output.
func Fingerprint(sourceID string, chunkIndex int, mode, threshold string) string {
	raw := fmt.Sprintf("%s:%d:%s:%s", sourceID, chunkIndex, mode, threshold)
	sum := md5.Sum([]byte(raw))
	return "proc:" + hex.EncodeToString(sum[:])
}

// Submit runs the synchronous admission path: validate, reserve quota, check
// the cache, create the job record and dispatch. It returns as soon as the
// record exists; the separation outcome is observable only through Poll.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	artifactPath := req.ArtifactPath
	if artifactPath == "" {
		if req.SourceID == "" {
			c.deps.Metrics.RecordRejection()
			return nil, ErrNoArtifact
		}
		// Locator-only submission: synthesize a placeholder so downstream
		// logic always operates on a real file.
		path, err := c.deps.Storage.WritePlaceholder()
		if err != nil {
			return nil, fmt.Errorf("synthesize placeholder artifact: %w", err)
		}
		artifactPath = path
		c.deps.Logger.Warn("No artifact uploaded, synthesized placeholder",
			slog.String("source_id", req.SourceID),
			slog.Int("chunk_index", req.ChunkIndex),
		)
	}

	c.deps.Metrics.RecordSubmission(req.DurationSeconds, req.ArtifactSize)

	minutes := req.DurationSeconds / 60

	var reservation *quota.Reservation
	if req.AccountID != "" {
		res, err := c.deps.Ledger.Reserve(ctx, req.AccountID, minutes)
		if err != nil {
			// The submission ends here either way; the uploaded artifact has
			// no further use.
			c.deps.Storage.Delete(artifactPath)
			if errors.Is(err, quota.ErrQuotaExceeded) {
				c.deps.Metrics.RecordQuotaRejection()
			}
			return nil, err
		}
		reservation = res
		if res.Minutes > 0 {
			c.deps.Metrics.RecordQuotaReservation(res.Minutes)
		}
	}

	fingerprint := Fingerprint(req.SourceID, req.ChunkIndex, req.Mode, req.Threshold)

	if entry, hit := c.deps.Cache.Get(ctx, fingerprint); hit {
		c.deps.Metrics.RecordCacheLookup(true)
		return c.serveCached(ctx, req, reservation, entry), nil
	}
	c.deps.Metrics.RecordCacheLookup(false)

	jobKey := fmt.Sprintf("%d_%s", req.ChunkIndex, uuid.New().String()[:8])
	c.deps.Jobs.Create(jobKey, jobs.Record{
		State:      jobs.StateProcessing,
		Progress:   10,
		ChunkIndex: req.ChunkIndex,
	})
	c.deps.Metrics.RecordJobCreated()

	c.deps.Logger.Info("Chunk admitted",
		slog.String("job_key", jobKey),
		slog.Int("chunk_index", req.ChunkIndex),
		slog.Float64("duration_minutes", minutes),
		slog.String("account_id", req.AccountID),
	)

	// Dispatch without awaiting: the caller gets the job key now, the
	// outcome lands in the job table.
	c.wg.Add(1)
	go c.runJob(jobKey, artifactPath, fingerprint, req, minutes)

	return &SubmitResponse{
		State:      jobs.StateProcessing,
		JobKey:     jobKey,
		ChunkIndex: req.ChunkIndex,
		Usage:      usageFromReservation(reservation, 0),
	}, nil
}

// serveCached answers a submission directly from the result cache. The
// minutes for this chunk were already reserved in the synchronous path; no
// additional charge happens, and the usage event records zero minutes.
func (c *Controller) serveCached(ctx context.Context, req SubmitRequest, reservation *quota.Reservation, entry *cache.Entry) *SubmitResponse {
	c.deps.Logger.Info("Cache hit, serving stored result",
		slog.String("source_id", req.SourceID),
		slog.Int("chunk_index", req.ChunkIndex),
	)

	if req.AccountID != "" {
		if err := c.deps.Recorder.Append(ctx, usage.Event{
			AccountID:  req.AccountID,
			SourceID:   req.SourceID,
			ChunkIndex: req.ChunkIndex,
			Minutes:    0,
			Cached:     true,
		}); err != nil {
			c.deps.Logger.Error("Failed to append cached usage event",
				slog.String("account_id", req.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}

	return &SubmitResponse{
		State:      jobs.StateReady,
		ChunkIndex: req.ChunkIndex,
		ResultURL:  entry.URL,
		Cached:     true,
		Usage:      usageFromReservation(reservation, 0),
	}
}

// runJob is the background execution path. The quota was already deducted at
// submission time; a failure here does not refund it.
func (c *Controller) runJob(jobKey, artifactPath, fingerprint string, req SubmitRequest, minutes float64) {
	defer c.wg.Done()

	// Detached from the originating request on purpose: the caller has
	// already been answered.
	ctx := context.Background()

	progress := 30
	c.deps.Jobs.Update(jobKey, jobs.Patch{Progress: &progress})
	c.deps.Metrics.RecordSeparationRequest()

	startTime := time.Now()
	result, err := c.deps.Separator.Separate(ctx, artifactPath)
	if err != nil {
		c.failJob(jobKey, artifactPath, err)
		return
	}

	resultURL := storage.PublicURL(c.config.PublicBaseURL, result.Filename)

	if req.AccountID != "" {
		if err := c.deps.Recorder.Append(ctx, usage.Event{
			AccountID:  req.AccountID,
			SourceID:   req.SourceID,
			ChunkIndex: req.ChunkIndex,
			Minutes:    minutes,
			Cached:     false,
		}); err != nil {
			c.deps.Logger.Error("Failed to append usage event",
				slog.String("job_key", jobKey),
				slog.String("error", err.Error()),
			)
		}
	}

	c.deps.Cache.Put(ctx, fingerprint, &cache.Entry{
		ChunkIndex: req.ChunkIndex,
		Filename:   result.Filename,
		URL:        resultURL,
		Size:       result.Size,
		Minutes:    minutes,
		CreatedAt:  time.Now().UTC(),
	}, c.config.CacheTTL)

	ready := jobs.StateReady
	done := 100
	c.deps.Jobs.Update(jobKey, jobs.Patch{
		State:     &ready,
		Progress:  &done,
		ResultURL: &resultURL,
	})
	c.deps.Metrics.RecordJobCompleted(time.Since(startTime).Seconds())

	c.deps.Logger.Info("Chunk processing completed",
		slog.String("job_key", jobKey),
		slog.String("result_url", resultURL),
		slog.Float64("duration", time.Since(startTime).Seconds()),
	)

	c.deps.Storage.Delete(artifactPath)
}

func (c *Controller) failJob(jobKey, artifactPath string, cause error) {
	errState := jobs.StateError
	detail := cause.Error()
	c.deps.Jobs.Update(jobKey, jobs.Patch{State: &errState, Error: &detail})
	c.deps.Metrics.RecordJobFailed()

	c.deps.Logger.Error("Chunk processing failed",
		slog.String("job_key", jobKey),
		slog.String("error", detail),
	)

	c.deps.Storage.Delete(artifactPath)
}

// Poll returns the current status record for a job key. An unknown key may
// mean the record expired from the sweep or never existed; callers cannot
// distinguish these and should resubmit.
func (c *Controller) Poll(jobKey string) (jobs.Record, error) {
	rec, ok := c.deps.Jobs.Get(jobKey)
	if !ok {
		return jobs.Record{}, ErrNotFound
	}
	return rec, nil
}

// Wait blocks until all in-flight background jobs have finished. Used during
// shutdown and by tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func usageFromReservation(res *quota.Reservation, used float64) *Usage {
	if res == nil {
		return nil
	}
	if used == 0 {
		used = res.Minutes
	}
	return &Usage{
		MinutesUsed:      used,
		MinutesRemaining: res.Remaining,
		MinutesTotal:     res.Total,
	}
}
