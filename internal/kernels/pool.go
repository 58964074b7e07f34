package kernels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/readiness"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrQueueFull    = errors.New("queue full")
)

// Task is one unit of opaque work executed by the pool.
type Task func(ctx context.Context) error

type PoolConfig struct {
	Queues       []string
	Workers      int // initial workers per queue
	QueueSize    int
	BeatInterval time.Duration
	Logger       *slog.Logger
}

type queue struct {
	name    string
	tasks   chan Task
	desired int
	cancels []context.CancelFunc
}

// WorkerPool is the worker_pool kernel: named task queues drained by a
// resizable set of workers per queue. Workers only run while the kernel's Run
// loop is active; queued tasks survive restarts.
type WorkerPool struct {
	logger       *slog.Logger
	beatInterval time.Duration

	mu      sync.Mutex
	queues  map[string]*queue
	runCtx  context.Context // nil while not running
	wg      sync.WaitGroup
	gate    chan struct{} // closed while not paused
	paused  bool
	reduced bool

	processed atomic.Uint64
	failed    atomic.Uint64
	lastError atomic.Pointer[string]
}

var (
	_ kernel.Kernel     = (*WorkerPool)(nil)
	_ kernel.Degradable = (*WorkerPool)(nil)
	_ kernel.Pausable   = (*WorkerPool)(nil)
	_ kernel.Reporter   = (*WorkerPool)(nil)
)

func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		logger:       logger.With("kernel", "worker_pool"),
		beatInterval: orInterval(cfg.BeatInterval),
		queues:       make(map[string]*queue, len(cfg.Queues)),
		gate:         make(chan struct{}),
	}
	close(p.gate)
	for _, name := range cfg.Queues {
		p.queues[name] = &queue{name: name, tasks: make(chan Task, cfg.QueueSize), desired: cfg.Workers}
	}
	return p
}

func (p *WorkerPool) Start(ctx context.Context, beat kernel.Beat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reduced = false
	beat()
	return ctx.Err()
}

// StartDegraded runs every queue with a single worker until the next
// restart.
func (p *WorkerPool) StartDegraded(ctx context.Context, beat kernel.Beat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reduced = true
	beat()
	return ctx.Err()
}

func (p *WorkerPool) Run(ctx context.Context, beat kernel.Beat) error {
	p.mu.Lock()
	p.runCtx = ctx
	for _, q := range p.queues {
		n := q.desired
		if p.reduced {
			n = 1
		}
		p.resizeLocked(q, n)
	}
	p.mu.Unlock()

	err := kernel.BeatEvery(ctx, p.beatInterval, beat)

	p.mu.Lock()
	for _, q := range p.queues {
		p.resizeLocked(q, 0)
	}
	p.runCtx = nil
	p.mu.Unlock()
	p.wg.Wait()
	return err
}

// resizeLocked spawns or cancels workers until q has n of them. Caller holds
// p.mu. Outside Run only the desired count is kept.
func (p *WorkerPool) resizeLocked(q *queue, n int) {
	if p.runCtx == nil {
		return
	}
	for len(q.cancels) < n {
		wctx, cancel := context.WithCancel(p.runCtx)
		q.cancels = append(q.cancels, cancel)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(wctx, q)
		}()
	}
	for len(q.cancels) > n {
		last := len(q.cancels) - 1
		q.cancels[last]()
		q.cancels = q.cancels[:last]
	}
}

func (p *WorkerPool) worker(ctx context.Context, q *queue) {
	for {
		p.mu.Lock()
		gate := p.gate
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-gate:
		}

		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			p.handle(ctx, q.name, task)
		}
	}
}

func (p *WorkerPool) handle(ctx context.Context, queue string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(queue, fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := task(ctx); err != nil {
		p.fail(queue, err)
		return
	}
	p.processed.Add(1)
}

func (p *WorkerPool) fail(queue string, err error) {
	p.failed.Add(1)
	p.processed.Add(1)
	msg := err.Error()
	p.lastError.Store(&msg)
	p.logger.Warn("task failed", "queue", queue, "error", err)
}

// Submit enqueues task without blocking.
func (p *WorkerPool) Submit(queue string, task Task) error {
	p.mu.Lock()
	q, ok := p.queues[queue]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, queue)
	}
}

// Workers returns the configured worker count for queue.
func (p *WorkerPool) Workers(queue string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[queue]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return q.desired, nil
}

// SetWorkers resizes queue to n workers, applying immediately while running.
func (p *WorkerPool) SetWorkers(queue string, n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	q.desired = n
	if !p.reduced {
		p.resizeLocked(q, n)
	}
	return nil
}

// Queues returns the queue names in sorted order.
func (p *WorkerPool) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Pause stops workers from taking new tasks; running tasks finish.
func (p *WorkerPool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.gate = make(chan struct{})
}

func (p *WorkerPool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.gate)
}

func (p *WorkerPool) Load() kernel.Load {
	p.mu.Lock()
	depth := 0
	for _, q := range p.queues {
		depth += len(q.tasks)
	}
	p.mu.Unlock()
	return kernel.Load{QueueDepth: depth, Processed: p.processed.Load()}
}

// PoolStatus summarizes the pool for operators.
type PoolStatus struct {
	Queues    map[string]int `json:"queues"` // queue -> workers
	Pending   int            `json:"pending"`
	Processed uint64         `json:"processed"`
	Failed    uint64         `json:"failed"`
	Paused    bool           `json:"paused"`
	LastError string         `json:"last_error,omitempty"`
}

func (p *WorkerPool) Status() PoolStatus {
	p.mu.Lock()
	st := PoolStatus{Queues: make(map[string]int, len(p.queues)), Paused: p.paused}
	for name, q := range p.queues {
		st.Queues[name] = q.desired
		st.Pending += len(q.tasks)
	}
	p.mu.Unlock()
	st.Processed = p.processed.Load()
	st.Failed = p.failed.Load()
	if ptr := p.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

func (p *WorkerPool) SelfTest() readiness.SelfTest {
	return readiness.All(readiness.Condition("workers", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.runCtx == nil {
			return false
		}
		for _, q := range p.queues {
			if len(q.cancels) == 0 {
				return false
			}
		}
		return true
	}, "queues without workers"))
}

func orInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}
