package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/juno-intents/shielded-pool/internal/metrics"
)

// Executor performs one job. Its error text is stored on the failed job.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Archiver stores terminal jobs before they are swept.
type Archiver interface {
	ArchiveJob(ctx context.Context, j Job) error
}

// KindError lets executors attach a failure category.
type KindError interface {
	error
	Kind() string
}

type Config struct {
	Retention  time.Duration
	MaxPending int

	Archive Archiver
	Metrics *metrics.Metrics

	Now   func() time.Time
	NewID func() string
}

type Queue struct {
	cfg       Config
	log       *slog.Logger
	executors map[Type]Executor

	mu      sync.Mutex
	jobs    map[string]*Job
	pending []string
	// active maps a proof fingerprint to its pending or processing job.
	active map[string]string

	wake    chan struct{}
	running atomic.Bool
}

func New(cfg Config, executors map[Type]Executor, log *slog.Logger) (*Queue, error) {
	if len(executors) == 0 {
		return nil, fmt.Errorf("%w: no executors", ErrInvalidConfig)
	}
	for t, e := range executors {
		if e == nil {
			return nil, fmt.Errorf("%w: nil executor for %s", ErrInvalidConfig, t)
		}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Queue{
		cfg:       cfg,
		log:       log,
		executors: executors,
		jobs:      make(map[string]*Job),
		active:    make(map[string]string),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Submit enqueues req. created is false when an identical proof is already
// pending or processing, in which case that job is returned.
func (q *Queue) Submit(req Request) (job Job, created bool, err error) {
	if req == nil {
		return Job{}, false, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	t := req.JobType()
	if _, ok := q.executors[t]; !ok {
		return Job{}, false, fmt.Errorf("%w: unsupported type %q", ErrInvalidRequest, t)
	}
	hash := Fingerprint(req)

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.active[hash]; ok {
		return q.jobs[id].clone(), false, nil
	}
	if q.cfg.MaxPending > 0 && len(q.pending) >= q.cfg.MaxPending {
		return Job{}, false, ErrQueueFull
	}
	j := &Job{
		ID:        q.cfg.NewID(),
		Type:      t,
		Status:    StatusPending,
		ProofHash: hash,
		Request:   req,
		CreatedAt: q.cfg.Now().UTC(),
	}
	q.jobs[j.ID] = j
	q.active[hash] = j.ID
	q.pending = append(q.pending, j.ID)
	q.cfg.Metrics.QueueDepth(len(q.pending))
	q.log.Info("job queued", "job_id", j.ID, "type", t, "proof_hash", hash)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j.clone(), true, nil
}

// Status is a pure read.
func (q *Queue) Status(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total: len(q.jobs),
		ByStatus: map[Status]int{
			StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0,
		},
		ByType:  map[Type]int{TypeWithdraw: 0, TypeSwap: 0},
		Running: q.running.Load(),
	}
	for _, j := range q.jobs {
		s.ByStatus[j.Status]++
		s.ByType[j.Type]++
	}
	return s
}

// Pending is the number of jobs waiting for the worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports whether the worker loop is active.
func (q *Queue) Running() bool { return q.running.Load() }

// Run is the single worker. It returns when ctx is done; a job already
// started runs to completion first, since a broadcast transaction cannot be
// recalled.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("jobqueue: worker already running")
	}
	defer q.running.Store(false)

	for {
		id, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		q.process(context.WithoutCancel(ctx), id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next pops the oldest pending job and marks it processing.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	j := q.jobs[id]
	now := q.cfg.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	q.cfg.Metrics.QueueDepth(len(q.pending))
	return id, true
}

func (q *Queue) process(ctx context.Context, id string) {
	q.mu.Lock()
	j := q.jobs[id]
	req, typ := j.Request, j.Type
	q.mu.Unlock()

	q.log.Info("job processing", "job_id", id, "type", typ)
	res, err := q.execute(ctx, typ, req)

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now().UTC()
	j.FinishedAt = &now
	if err != nil {
		j.Status = StatusFailed
		j.Error = err.Error()
		var ke KindError
		if errors.As(err, &ke) {
			j.ErrorKind = ke.Kind()
		}
		q.log.Error("job failed", "job_id", id, "type", typ, "kind", j.ErrorKind, "err", err)
	} else {
		j.Status = StatusCompleted
		j.Result = &res
		q.log.Info("job completed", "job_id", id, "type", typ, "signature", res.Signature)
	}
	delete(q.active, j.ProofHash)
	took := time.Duration(0)
	if j.StartedAt != nil {
		took = now.Sub(*j.StartedAt)
	}
	q.cfg.Metrics.JobFinished(string(typ), string(j.Status), took)
}

func (q *Queue) execute(ctx context.Context, typ Type, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: executor panic: %v", r)
		}
	}()
	return q.executors[typ].Execute(ctx, req)
}

// Sweep archives and drops terminal jobs finished more than Retention ago.
// A job whose archive write fails is kept for the next sweep.
func (q *Queue) Sweep(ctx context.Context) int {
	cutoff := q.cfg.Now().Add(-q.cfg.Retention)

	q.mu.Lock()
	var expired []Job
	for _, j := range q.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			expired = append(expired, j.clone())
		}
	}
	q.mu.Unlock()

	removed := 0
	for _, j := range expired {
		if q.cfg.Archive != nil {
			if err := q.cfg.Archive.ArchiveJob(ctx, j); err != nil {
				q.log.Warn("archive job", "job_id", j.ID, "err", err)
				continue
			}
		}
		q.mu.Lock()
		delete(q.jobs, j.ID)
		q.mu.Unlock()
		removed++
	}
	if removed > 0 {
		q.cfg.Metrics.Swept(removed)
		q.log.Info("swept terminal jobs", "removed", removed)
	}
	return removed
}

// StartSweeper runs Sweep on a cron schedule such as "@every 1m". The
// returned func stops it.
func (q *Queue) StartSweeper(ctx context.Context, schedule string) (func(), error) {
	c := cron.New()
	if err := c.AddFunc(schedule, func() { q.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("%w: sweep schedule %q: %v", ErrInvalidConfig, schedule, err)
	}
	c.Start()
	return c.Stop, nil
}
