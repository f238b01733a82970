// Package jobs provides the in-memory job status table polled by clients
// while a chunk is processed in the background. The table is process-local
// and deliberately lossy: records older than the maximum age are swept
// regardless of state, and a restart forgets everything in flight. Clients
// treat a missing job key as "resubmit".
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a job record.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	return s == StateReady || s == StateError
}

// Record is one job's status as seen by pollers.
type Record struct {
	State      State     `json:"status"`
	Progress   int       `json:"progress"`
	ChunkIndex int       `json:"chunk_index"`
	ResultURL  string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Patch is a partial update merged into an existing record. Nil fields are
// left untouched.
type Patch struct {
	State     *State
	Progress  *int
	ResultURL *string
	Error     *string
}

// Table is the concurrent job-key → status mapping with periodic eviction.
type Table struct {
	records map[string]*Record
	mu      sync.RWMutex
	logger  *slog.Logger
	maxAge  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTable creates a job table and starts its sweep routine. Records whose
// UpdatedAt is older than maxAge are deleted every sweepInterval.
func NewTable(logger *slog.Logger, maxAge, sweepInterval time.Duration) *Table {
	ctx, cancel := context.WithCancel(context.Background())

	tbl := &Table{
		records: make(map[string]*Record),
		logger:  logger,
		maxAge:  maxAge,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go tbl.startSweepRoutine(sweepInterval)

	return tbl
}

// Create inserts the record under key, stamping UpdatedAt.
func (t *Table) Create(key string, rec Record) {
	rec.UpdatedAt = time.Now()

	t.mu.Lock()
	t.records[key] = &rec
	t.mu.Unlock()
}

// Update merges patch into the existing record and refreshes UpdatedAt. A
// missing key is treated as create-with-given-fields; that only happens when
// a record was swept mid-flight, so it is logged rather than hidden.
func (t *Table) Update(key string, patch Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[key]
	if !exists {
		t.logger.Warn("Update for unknown job key, creating record",
			slog.String("job_key", key),
		)
		rec = &Record{}
		t.records[key] = rec
	}

	if patch.State != nil {
		rec.State = *patch.State
	}
	if patch.Progress != nil {
		rec.Progress = *patch.Progress
	}
	if patch.ResultURL != nil {
		rec.ResultURL = *patch.ResultURL
	}
	if patch.Error != nil {
		rec.Error = *patch.Error
	}
	rec.UpdatedAt = time.Now()
}

// Get returns a copy of the record for key.
func (t *Table) Get(key string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, exists := t.records[key]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of live records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Stop halts the sweep routine and waits for it to exit.
func (t *Table) Stop() {
	t.cancel()
	<-t.done
}

// startSweepRoutine runs in a separate goroutine to evict stale records.
func (t *Table) startSweepRoutine(interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("Job table sweep routine started",
		slog.Duration("max_age", t.maxAge),
		slog.Duration("sweep_interval", interval),
	)

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("Job table sweep routine stopping")
			return

		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// sweep deletes every record older than maxAge, terminal or not. A terminal
// result that was never polled inside the age window is lost; callers are
// expected to resubmit.
func (t *Table) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleaned := 0
	for key, rec := range t.records {
		if now.Sub(rec.UpdatedAt) > t.maxAge {
			delete(t.records, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		t.logger.Info("Swept stale job records",
			slog.Int("swept_count", cleaned),
			slog.Int("remaining", len(t.records)),
		)
	}
}
