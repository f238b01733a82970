// Package warmer keeps the separation backend's model loaded by pinging it
// with a short silent clip on a fixed interval. Cold starts on the backend
// add tens of seconds to the first real request; periodic pings outside the
// low-traffic window avoid that for daytime users while letting the backend
// scale to zero overnight.
package warmer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger is the slice of the separation client the warmer needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config contains warmer configuration.
type Config struct {
	Interval time.Duration
	// Pings are skipped when the current UTC hour is inside
	// [SleepStartHour, SleepEndHour).
	SleepStartHour int
	SleepEndHour   int
}

// Warmer periodically pings the separation backend to keep it warm.
type Warmer struct {
	config Config
	pinger Pinger
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	pingsSent   uint64
	pingsFailed uint64
	skipped     uint64
	lastPingAt  time.Time
}

// Stats reports warmer counters for the stats endpoint.
type Stats struct {
	PingsSent   uint64    `json:"pings_sent"`
	PingsFailed uint64    `json:"pings_failed"`
	Skipped     uint64    `json:"skipped"`
	LastPingAt  time.Time `json:"last_ping_at"`
}

// New creates a warmer and starts its ping loop.
func New(config Config, pinger Pinger, logger *slog.Logger) *Warmer {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Warmer{
		config: config,
		pinger: pinger,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run()

	logger.Info("Warm-up pinger started",
		slog.Float64("interval_seconds", config.Interval.Seconds()),
		slog.Int("sleep_start_hour", config.SleepStartHour),
		slog.Int("sleep_end_hour", config.SleepEndHour),
	)

	return w
}

func (w *Warmer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick(time.Now().UTC())
		}
	}
}

func (w *Warmer) tick(now time.Time) {
	if w.inSleepWindow(now.Hour()) {
		w.mu.Lock()
		w.skipped++
		w.mu.Unlock()
		return
	}

	err := w.pinger.Ping(w.ctx)

	w.mu.Lock()
	w.pingsSent++
	w.lastPingAt = now
	if err != nil {
		w.pingsFailed++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("Warm-up ping failed", slog.String("error", err.Error()))
	} else {
		w.logger.Debug("Warm-up ping sent")
	}
}

// inSleepWindow reports whether hour (UTC) falls in the configured quiet
// window. A window wrapping midnight (start > end) is supported.
func (w *Warmer) inSleepWindow(hour int) bool {
	start, end := w.config.SleepStartHour, w.config.SleepEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// GetStats returns a snapshot of warmer counters.
func (w *Warmer) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		PingsSent:   w.pingsSent,
		PingsFailed: w.pingsFailed,
		Skipped:     w.skipped,
		LastPingAt:  w.lastPingAt,
	}
}

// Stop terminates the ping loop and waits for it to exit.
func (w *Warmer) Stop() {
	w.cancel()
	<-w.done
	w.logger.Info("Warm-up pinger stopped")
}
