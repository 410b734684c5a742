package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
)

var (
	// ErrClosed is returned by Send after Shutdown.
	ErrClosed = errors.New("dispatcher is shut down")

	// ErrQueueFull is returned by Send when no queue slot is free. The job
	// stays recorded as pending and is picked up by the next Recover.
	ErrQueueFull = errors.New("job queue is full")
)

// Config configures a Dispatcher.
type Config struct {
	// Workers is the number of concurrent jobs.
	// Default: 4
	Workers int

	// MaxRetries is how many times a failed job is retried.
	// Default: 2
	MaxRetries int

	// Backoff is multiplied by the attempt number between retries.
	// Default: 1s
	Backoff time.Duration

	// QueueSize bounds jobs accepted but not yet picked up.
	// Default: 256
	QueueSize int

	// SerializePerUser runs at most one job per (namespace, userId) at a time.
	SerializePerUser bool
}

// DefaultConfig retries twice and serializes jobs per user.
var DefaultConfig = Config{
	Workers:          4,
	MaxRetries:       2,
	Backoff:          time.Second,
	QueueSize:        256,
	SerializePerUser: true,
}

// Dispatcher accepts events, persists them as jobs and runs them on a
// fixed pool of workers with bounded retries.
type Dispatcher struct {
	proc   *Processor
	store  Store
	cfg    Config
	lanes  *lanes
	logger *slog.Logger

	queue  chan string
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ memory.Enqueuer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start to begin processing.
func NewDispatcher(proc *Processor, store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		proc:   proc,
		store:  store,
		cfg:    cfg,
		lanes:  newLanes(),
		logger: logger.With("component", "dispatcher"),
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers. Jobs run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for id := range d.queue {
				d.run(ctx, id)
			}
		}()
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "maxRetries", d.cfg.MaxRetries)
}

// Send records ev as a new job and queues it. It returns the job id.
// Send never waits for queue space; see ErrQueueFull.
func (d *Dispatcher) Send(ctx context.Context, ev Event) (string, error) {
	rec := &Record{ID: uuid.NewString(), Event: ev, State: StateReceived}
	if err := d.store.Create(ctx, rec); err != nil {
		return "", err
	}
	if err := d.offer(rec.ID); err != nil {
		if errors.Is(err, ErrQueueFull) {
			d.logger.Warn("queue full, job left pending", "job", rec.ID, "scope", ev.Scope().String())
		}
		return rec.ID, err
	}
	return rec.ID, nil
}

// Enqueue implements memory.Enqueuer.
func (d *Dispatcher) Enqueue(ctx context.Context, scope memory.Scope, messages []core.Message) (string, error) {
	return d.Send(ctx, NewProcessEvent(scope, messages))
}

// offer queues id without waiting for a free slot.
func (d *Dispatcher) offer(id string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// enqueue waits for a free slot until ctx ends.
func (d *Dispatcher) enqueue(ctx context.Context, id string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover re-queues every job that had not finished, e.g. after a restart.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for i, rec := range pending {
		if err := d.enqueue(ctx, rec.ID); err != nil {
			return i, err
		}
	}
	if len(pending) > 0 {
		d.logger.Info("recovered pending jobs", "count", len(pending))
	}
	return len(pending), nil
}

// Process creates a job for ev and runs it on the calling goroutine,
// retries included. It returns the finished record.
func (d *Dispatcher) Process(ctx context.Context, ev Event) (*Record, error) {
	rec := &Record{ID: uuid.NewString(), Event: ev, State: StateReceived}
	if err := d.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	if !d.cfg.SerializePerUser {
		d.execute(ctx, rec)
		return d.store.Get(ctx, rec.ID)
	}
	key := memory.MembershipKey(ev.Scope())
	if err := d.lanes.Wait(ctx, key); err != nil {
		return nil, err
	}
	d.drain(ctx, key, rec)
	return d.store.Get(ctx, rec.ID)
}

// Shutdown stops accepting jobs and waits for queued ones to drain or ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes a queued job. With SerializePerUser, a job whose user already
// has one in flight is parked and later run by that job's worker.
func (d *Dispatcher) run(ctx context.Context, id string) {
	rec := d.load(ctx, id)
	if rec == nil {
		return
	}
	if !d.cfg.SerializePerUser {
		d.execute(ctx, rec)
		return
	}
	key := memory.MembershipKey(rec.Event.Scope())
	if !d.lanes.Acquire(key, id) {
		d.logger.Debug("user busy, job parked", "job", id, "scope", rec.Event.Scope().String())
		return
	}
	d.drain(ctx, key, rec)
}

// drain runs rec and then every job parked behind key, holding key throughout.
func (d *Dispatcher) drain(ctx context.Context, key string, rec *Record) {
	for {
		if rec != nil {
			d.execute(ctx, rec)
		}
		next, ok := d.lanes.Release(key)
		if !ok {
			return
		}
		rec = d.load(ctx, next)
	}
}

// load returns the job record, or nil when it is unreadable or finished.
func (d *Dispatcher) load(ctx context.Context, id string) *Record {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Error("load job", "job", id, "error", err)
		return nil
	}
	if rec.State.Terminal() {
		return nil
	}
	return rec
}

func (d *Dispatcher) execute(ctx context.Context, rec *Record) {
	id := rec.ID
	log := d.logger.With("job", id, "scope", rec.Event.Scope().String())

	maxAttempts := 1 + d.cfg.MaxRetries
	for rec.Attempts < maxAttempts {
		rec.Attempts++
		if err := d.store.SetState(ctx, id, rec.State, rec.Attempts); err != nil {
			log.Error("record attempt", "error", err)
			return
		}

		res, err := d.proc.Run(ctx, rec)
		if err == nil {
			if err := d.store.Finish(ctx, id, res.State(), res, ""); err != nil {
				log.Error("finish job", "error", err)
			}
			return
		}

		permanent := IsPermanent(err)
		log.Warn("job attempt failed", "attempt", rec.Attempts, "permanent", permanent, "error", err)
		if permanent || rec.Attempts >= maxAttempts || ctx.Err() != nil {
			if ferr := d.store.Finish(context.WithoutCancel(ctx), id, StateFailed, nil, err.Error()); ferr != nil {
				log.Error("finish job", "error", ferr)
			}
			return
		}

		select {
		case <-time.After(d.cfg.Backoff * time.Duration(rec.Attempts)):
		case <-ctx.Done():
			_ = d.store.Finish(context.WithoutCancel(ctx), id, StateFailed, nil, fmt.Sprintf("canceled: %v", err))
			return
		}
	}

	// attempts were exhausted before this run, e.g. a crash during the last one
	_ = d.store.Finish(ctx, id, StateFailed, nil, "retry budget exhausted")
}
