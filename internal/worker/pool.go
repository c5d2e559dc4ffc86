package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the number of workers when none is configured.
const DefaultPoolSize = 10

var (
	// ErrPoolFull is returned by non-blocking submission under high load.
	ErrPoolFull = errors.New("worker pool full")
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Strategy selects how Submit behaves when the pool is busy.
type Strategy int

const (
	// Blocking waits for a queue slot.
	Blocking Strategy = iota
	// NonBlocking rejects under high load when every worker is busy.
	NonBlocking
	// RateLimited waits for room in the load window, then enqueues.
	RateLimited
)

func (s Strategy) String() string {
	switch s {
	case Blocking:
		return "blocking"
	case NonBlocking:
		return "non_blocking"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ParseStrategy accepts the String forms, case-insensitively, with - or _.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "blocking":
		return Blocking, nil
	case "non_blocking", "nonblocking":
		return NonBlocking, nil
	case "rate_limited", "ratelimited":
		return RateLimited, nil
	}
	return Blocking, fmt.Errorf("unknown strategy %q", s)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Size      int
	QueueSize int
	Logger    *slog.Logger
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size          int   `json:"size"`
	Active        int   `json:"active"`
	Queued        int   `json:"queued"`
	QueueCapacity int   `json:"queueCapacity"`
	Tracked       int   `json:"tracked"`
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Rejected      int64 `json:"rejected"`
	Cancelled     int64 `json:"cancelled"`
	LoadCount     int64 `json:"loadCount"`
	HighLoad      bool  `json:"highLoad"`
}

// Pool runs tasks on a fixed set of workers fed by a Queue.
type Pool struct {
	size   int
	queue  *Queue
	load   *LoadDetector
	logger *slog.Logger

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64

	mu      sync.Mutex
	tasks   map[string]*Task
	started bool
	closed  bool

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool. load may be shared with other components; the pool only
// reads and registers on it.
func NewPool(cfg PoolConfig, load *LoadDetector) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if load == nil {
		load = NewLoadDetector(LoadDetectorConfig{Logger: cfg.Logger})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:    cfg.Size,
		queue:   NewQueue(cfg.QueueSize),
		load:    load,
		logger:  cfg.Logger.With("component", "pool"),
		tasks:   make(map[string]*Task),
		stopCtx: ctx,
		stop:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started", "size", p.size, "queue", p.queue.Cap())
}

// Stop cancels outstanding tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, t := range p.queue.Close() {
		t.Cancel()
		p.untrack(t)
	}
	n := p.CancelAll()
	p.stop()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "cancelled", n)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t, err := p.queue.Take(p.stopCtx)
		if err != nil {
			return
		}
		p.active.Add(1)
		t.run()
		p.active.Add(-1)
		p.completed.Add(1)
		p.untrack(t)
	}
}

// Submit admits fn according to strategy. The returned task inherits ctx, so
// cancelling ctx cancels the task.
func (p *Pool) Submit(ctx context.Context, fn Func, strategy Strategy) (*Task, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	switch strategy {
	case NonBlocking:
		p.load.Register()
		if p.load.IsHighLoad() && p.Active() >= p.size {
			p.rejected.Add(1)
			return nil, ErrPoolFull
		}
	case RateLimited:
		if err := p.load.Reserve(ctx); err != nil {
			return nil, err
		}
	default:
		p.load.Register()
	}

	t := newTask(ctx, fn)
	p.track(t)

	var err error
	if strategy == NonBlocking {
		err = p.queue.Offer(t)
	} else {
		err = p.queue.Put(ctx, t)
	}
	if err != nil {
		p.untrack(t)
		t.Cancel()
		if errors.Is(err, ErrQueueFull) {
			p.rejected.Add(1)
		}
		if errors.Is(err, ErrQueueClosed) {
			err = ErrPoolClosed
		}
		return nil, err
	}

	p.submitted.Add(1)
	return t, nil
}

func (p *Pool) track(t *Task) {
	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()
}

func (p *Pool) untrack(t *Task) {
	p.mu.Lock()
	delete(p.tasks, t.ID)
	p.mu.Unlock()
}

// CancelAll cancels every pending and running task and returns how many were
// interrupted.
func (p *Pool) CancelAll() int {
	p.mu.Lock()
	list := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		list = append(list, t)
	}
	p.mu.Unlock()

	n := 0
	for _, t := range list {
		if t.State().Terminal() {
			continue
		}
		t.Cancel()
		n++
	}
	p.cancelled.Add(int64(n))
	if n > 0 {
		p.logger.Info("cancelled tasks", "count", n)
	}
	return n
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Load returns the shared load detector.
func (p *Pool) Load() *LoadDetector { return p.load }

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	tracked := len(p.tasks)
	p.mu.Unlock()
	return PoolStats{
		Size:          p.size,
		Active:        p.Active(),
		Queued:        p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
		Tracked:       tracked,
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Rejected:      p.rejected.Load(),
		Cancelled:     p.cancelled.Load(),
		LoadCount:     p.load.Count(),
		HighLoad:      p.load.IsHighLoad(),
	}
}
