package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vocalshift/audio-pipeline-service/internal/account"
	"github.com/vocalshift/audio-pipeline-service/internal/cache"
	"github.com/vocalshift/audio-pipeline-service/internal/jobs"
	"github.com/vocalshift/audio-pipeline-service/internal/metrics"
	"github.com/vocalshift/audio-pipeline-service/internal/quota"
	"github.com/vocalshift/audio-pipeline-service/internal/storage"
	"github.com/vocalshift/audio-pipeline-service/internal/transform"
	"github.com/vocalshift/audio-pipeline-service/internal/usage"
)

// Registered once per test binary; prometheus panics on duplicate collectors.
var testMetrics = metrics.NewMetrics()

type fakeSeparator struct {
	store *storage.Store

	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSeparator) Separate(ctx context.Context, inputPath string) (*transform.Result, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	filename, path, size, serr := f.store.SaveStream(strings.NewReader("separated vocals"), "mp3")
	if serr != nil {
		return nil, serr
	}
	return &transform.Result{Filename: filename, Path: path, Size: size}, nil
}

func (f *fakeSeparator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	ctrl      *Controller
	accounts  *account.Store
	recorder  *usage.Recorder
	table     *jobs.Table
	files     *storage.Store
	separator *fakeSeparator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts, err := account.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open account store: %v", err)
	}
	t.Cleanup(func() { accounts.Close() })

	mr := miniredis.RunT(t)
	resultCache, err := cache.New(context.Background(), "redis://"+mr.Addr(), logger)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { resultCache.Close() })

	table := jobs.NewTable(logger, 10*time.Minute, time.Minute)
	t.Cleanup(table.Stop)

	files, err := storage.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	separator := &fakeSeparator{store: files}
	recorder := usage.NewRecorder(accounts.DB())

	ctrl := NewController(
		Config{PublicBaseURL: "http://localhost:8080", CacheTTL: 24 * time.Hour},
		Deps{
			Logger:    logger,
			Ledger:    quota.NewLedger(accounts, logger),
			Recorder:  recorder,
			Cache:     resultCache,
			Jobs:      table,
			Separator: separator,
			Storage:   files,
			Metrics:   testMetrics,
		},
	)

	return &testEnv{
		ctrl:      ctrl,
		accounts:  accounts,
		recorder:  recorder,
		table:     table,
		files:     files,
		separator: separator,
	}
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.wav")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestSubmitAndPollReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.accounts.CreateAccount(ctx, "acc-1", "a@example.com", "starter"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	artifact := writeArtifact(t, "audio bytes")
	resp, err := env.ctrl.Submit(ctx, SubmitRequest{
		ArtifactPath:    artifact,
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      3,
		DurationSeconds: 600,
		Mode:            "vocals",
		Threshold:       "0.5",
		AccountID:       "acc-1",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if resp.State != jobs.StateProcessing {
		t.Errorf("expected state %q, got %q", jobs.StateProcessing, resp.State)
	}
	if !strings.HasPrefix(resp.JobKey, "3_") || len(resp.JobKey) != len("3_")+8 {
		t.Errorf("unexpected job key shape: %q", resp.JobKey)
	}
	if resp.Usage == nil {
		t.Fatal("expected usage payload for metered account")
	}
	if resp.Usage.MinutesUsed != 10 {
		t.Errorf("expected 10 minutes used, got %f", resp.Usage.MinutesUsed)
	}
	if resp.Usage.MinutesRemaining != 90 {
		t.Errorf("expected 90 minutes remaining, got %f", resp.Usage.MinutesRemaining)
	}

	env.ctrl.Wait()

	rec, err := env.ctrl.Poll(resp.JobKey)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.State != jobs.StateReady {
		t.Fatalf("expected state %q, got %q (error: %s)", jobs.StateReady, rec.State, rec.Error)
	}
	if rec.Progress != 100 {
		t.Errorf("expected progress 100, got %d", rec.Progress)
	}
	if !strings.Contains(rec.ResultURL, "/uploads/") {
		t.Errorf("expected public result URL, got %q", rec.ResultURL)
	}

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("expected input artifact to be deleted after completion")
	}

	summary, err := env.recorder.Summarize(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.TotalMinutes != 10 || summary.ChunkCount != 1 || summary.CachedCount != 0 {
		t.Errorf("unexpected usage summary: %+v", summary)
	}
}

func TestResubmitServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.accounts.CreateAccount(ctx, "acc-1", "a@example.com", "starter"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	req := SubmitRequest{
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      0,
		DurationSeconds: 600,
		Mode:            "vocals",
		Threshold:       "0.5",
		AccountID:       "acc-1",
	}

	req.ArtifactPath = writeArtifact(t, "first upload")
	first, err := env.ctrl.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	env.ctrl.Wait()

	finished, err := env.ctrl.Poll(first.JobKey)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	req.ArtifactPath = writeArtifact(t, "second upload")
	second, err := env.ctrl.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}

	if !second.Cached {
		t.Fatal("expected second submission to be served from cache")
	}
	if second.State != jobs.StateReady {
		t.Errorf("expected state %q, got %q", jobs.StateReady, second.State)
	}
	if second.JobKey != "" {
		t.Errorf("cache hit should not create a job, got key %q", second.JobKey)
	}
	if second.ResultURL != finished.ResultURL {
		t.Errorf("cached URL %q does not match original %q", second.ResultURL, finished.ResultURL)
	}
	if got := env.separator.callCount(); got != 1 {
		t.Errorf("expected 1 separation call, got %d", got)
	}

	// The reservation happens before the cache lookup, so the second
	// submission is charged too; only the usage event records zero minutes.
	acc, err := env.accounts.FindAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("FindAccount failed: %v", err)
	}
	if acc.MinutesRemaining != 80 {
		t.Errorf("expected 80 minutes remaining, got %f", acc.MinutesRemaining)
	}

	summary, err := env.recorder.Summarize(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.ChunkCount != 2 || summary.CachedCount != 1 {
		t.Errorf("unexpected usage summary: %+v", summary)
	}
	if summary.TotalMinutes != 10 {
		t.Errorf("cached event must record zero minutes, summary: %+v", summary)
	}
}

func TestSubmitTransformFailureKeepsDeduction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.accounts.CreateAccount(ctx, "acc-1", "a@example.com", "starter"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	env.separator.err = errors.New("separation backend unavailable")

	artifact := writeArtifact(t, "audio bytes")
	resp, err := env.ctrl.Submit(ctx, SubmitRequest{
		ArtifactPath:    artifact,
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      0,
		DurationSeconds: 600,
		AccountID:       "acc-1",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	env.ctrl.Wait()

	rec, err := env.ctrl.Poll(resp.JobKey)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.State != jobs.StateError {
		t.Fatalf("expected state %q, got %q", jobs.StateError, rec.State)
	}
	if rec.Error == "" {
		t.Error("expected error detail on failed job")
	}

	// Deducted minutes stay deducted.
	acc, err := env.accounts.FindAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("FindAccount failed: %v", err)
	}
	if acc.MinutesRemaining != 90 {
		t.Errorf("expected 90 minutes remaining after failure, got %f", acc.MinutesRemaining)
	}

	summary, err := env.recorder.Summarize(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.ChunkCount != 0 {
		t.Errorf("failed job must not append a usage event, summary: %+v", summary)
	}

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("expected input artifact to be deleted after failure")
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.accounts.CreateAccount(ctx, "acc-free", "f@example.com", "free"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	artifact := writeArtifact(t, "audio bytes")
	_, err := env.ctrl.Submit(ctx, SubmitRequest{
		ArtifactPath:    artifact,
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      0,
		DurationSeconds: 1200,
		AccountID:       "acc-free",
	})
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded error, got %v", err)
	}

	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *quota.ExceededError, got %T", err)
	}
	if exceeded.Requested != 20 || exceeded.Remaining != 10 {
		t.Errorf("unexpected rejection payload: %+v", exceeded)
	}

	if _, statErr := os.Stat(artifact); !os.IsNotExist(statErr) {
		t.Error("expected artifact to be deleted on rejection")
	}
	if got := env.separator.callCount(); got != 0 {
		t.Errorf("rejected submission must not reach separation, got %d calls", got)
	}
}

func TestSubmitAnonymousSkipsQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.ctrl.Submit(ctx, SubmitRequest{
		ArtifactPath:    writeArtifact(t, "audio bytes"),
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      0,
		DurationSeconds: 600,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Usage != nil {
		t.Error("anonymous submission should not carry a usage payload")
	}

	env.ctrl.Wait()

	rec, err := env.ctrl.Poll(resp.JobKey)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.State != jobs.StateReady {
		t.Errorf("expected state %q, got %q", jobs.StateReady, rec.State)
	}
}

func TestSubmitWithoutArtifactOrLocator(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ctrl.Submit(context.Background(), SubmitRequest{ChunkIndex: 0})
	if !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact, got %v", err)
	}
}

func TestSubmitLocatorOnlySynthesizesPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.ctrl.Submit(ctx, SubmitRequest{
		SourceID:        "https://example.com/video/1",
		ChunkIndex:      2,
		DurationSeconds: 60,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.State != jobs.StateProcessing {
		t.Fatalf("expected state %q, got %q", jobs.StateProcessing, resp.State)
	}

	env.ctrl.Wait()

	rec, err := env.ctrl.Poll(resp.JobKey)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.State != jobs.StateReady {
		t.Errorf("expected state %q, got %q", jobs.StateReady, rec.State)
	}
}

func TestPollUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ctrl.Poll("0_deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("https://example.com/v/1", 0, "vocals", "0.5")

	if !strings.HasPrefix(base, "proc:") {
		t.Errorf("fingerprint missing prefix: %q", base)
	}
	if base != Fingerprint("https://example.com/v/1", 0, "vocals", "0.5") {
		t.Error("fingerprint is not stable for identical inputs")
	}

	variants := []string{
		Fingerprint("https://example.com/v/2", 0, "vocals", "0.5"),
		Fingerprint("https://example.com/v/1", 1, "vocals", "0.5"),
		Fingerprint("https://example.com/v/1", 0, "karaoke", "0.5"),
		Fingerprint("https://example.com/v/1", 0, "vocals", "0.7"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collides with base fingerprint", i)
		}
	}
}
