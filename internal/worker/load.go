package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultHighLoadThreshold is the per-window request count above which the
	// system is considered under high load.
	DefaultHighLoadThreshold = 50
	// DefaultLoadWindow is the counter reset period.
	DefaultLoadWindow = time.Minute
)

// LoadDetector counts requests in a rolling window that a background ticker resets.
type LoadDetector struct {
	threshold int64
	window    time.Duration
	logger    *slog.Logger

	count atomic.Int64

	mu      sync.Mutex
	resetCh chan struct{} // closed and replaced on every reset

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// LoadDetectorConfig configures a LoadDetector.
type LoadDetectorConfig struct {
	Threshold int
	Window    time.Duration
	Logger    *slog.Logger
}

// NewLoadDetector creates a detector. Call Start to begin window resets.
func NewLoadDetector(cfg LoadDetectorConfig) *LoadDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultHighLoadThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLoadWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LoadDetector{
		threshold: int64(cfg.Threshold),
		window:    cfg.Window,
		logger:    cfg.Logger.With("component", "load"),
		resetCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start begins resetting the counter every window.
func (d *LoadDetector) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Stop ends the reset loop.
func (d *LoadDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *LoadDetector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			n := d.reset()
			if n > d.threshold {
				d.logger.Info("high load window ended", "requests", n, "threshold", d.threshold)
			}
		}
	}
}

// reset zeroes the counter, wakes Reserve waiters and returns the old count.
func (d *LoadDetector) reset() int64 {
	n := d.count.Swap(0)
	d.mu.Lock()
	close(d.resetCh)
	d.resetCh = make(chan struct{})
	d.mu.Unlock()
	return n
}

// Register counts one request and returns the new count.
func (d *LoadDetector) Register() int64 { return d.count.Add(1) }

// Count returns the requests seen in the current window.
func (d *LoadDetector) Count() int64 { return d.count.Load() }

// Threshold returns the configured threshold.
func (d *LoadDetector) Threshold() int64 { return d.threshold }

// IsHighLoad reports whether the count exceeds the threshold.
func (d *LoadDetector) IsHighLoad() bool { return d.count.Load() > d.threshold }

// Reserve registers a request if the window still has room, otherwise waits for
// the next window.
func (d *LoadDetector) Reserve(ctx context.Context) error {
	for {
		d.mu.Lock()
		next := d.resetCh
		d.mu.Unlock()

		n := d.count.Load()
		if n < d.threshold {
			if d.count.CompareAndSwap(n, n+1) {
				return nil
			}
			continue
		}

		select {
		case <-next:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return ErrPoolClosed
		}
	}
}
