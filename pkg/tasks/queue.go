package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("task queue is closed")

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`
}

// Handler processes the payload of one task kind.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Observer is notified of every finished attempt. result is one of
// "success", "retry" or "dead_letter".
type Observer interface {
	TaskAttempt(kind, result string, d time.Duration)
}

// Config configures a Queue.
type Config struct {
	Workers        int
	Buffer         int
	HandlerTimeout time.Duration
	Retry          RetryConfig
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Buffer:         256,
		HandlerTimeout: 30 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Queue is an in-process worker pool with delayed retries.
type Queue struct {
	config   Config
	policy   *RetryPolicy
	dead     DeadLetterSink
	log      logrus.FieldLogger
	observer Observer

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*pendingRetry
	closed   bool

	ch     chan *Task
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

type pendingRetry struct {
	task  *Task
	timer *time.Timer
}

// Option configures a Queue.
type Option func(*Queue)

// WithObserver reports attempt outcomes to o.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// NewQueue creates a queue. Tasks that cannot be completed are written to
// dead; a nil sink keeps them in memory.
func NewQueue(config Config, dead DeadLetterSink, log logrus.FieldLogger, opts ...Option) *Queue {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}
	if dead == nil {
		dead = NewMemoryDeadLetters()
	}
	if log == nil {
		log = logrus.New()
	}
	q := &Queue{
		config:   config,
		policy:   NewRetryPolicy(config.Retry),
		dead:     dead,
		log:      log.WithField("component", "tasks"),
		handlers: make(map[string]Handler),
		pending:  make(map[string]*pendingRetry),
		ch:       make(chan *Task, config.Buffer),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a task kind. It must be called before Start.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue marshals payload to JSON and schedules it for the handler
// registered for kind. It blocks while the buffer is full until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s task: %w", kind, err)
	}
	t := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.push(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Queue) push(ctx context.Context, t *Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. They run until ctx is canceled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.log.WithField("workers", q.config.Workers).Info("task queue started")
}

// Stop refuses new tasks, waits for running handlers and moves tasks that
// are still buffered or waiting for a retry to the dead-letter sink.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	waiting := make([]*Task, 0, len(q.pending))
	for id, p := range q.pending {
		if p.timer.Stop() {
			waiting = append(waiting, p.task)
		}
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

drain:
	for {
		select {
		case t := <-q.ch:
			waiting = append(waiting, t)
		default:
			break drain
		}
	}

	var errs []error
	for _, t := range waiting {
		if t.LastError == "" {
			t.LastError = "queue stopped"
		}
		if err := q.deadLetter(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Replay re-enqueues up to limit dead-lettered tasks with a fresh attempt
// budget and removes them from the sink. It returns the number replayed.
func (q *Queue) Replay(ctx context.Context, limit int) (int, error) {
	tasks, err := q.dead.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	replayed := 0
	for _, t := range tasks {
		t.Attempts = 0
		t.FailedAt = nil
		if err := q.push(ctx, t); err != nil {
			return replayed, err
		}
		if err := q.dead.Delete(ctx, t.ID); err != nil {
			return replayed, fmt.Errorf("failed to delete dead letter %s: %w", t.ID, err)
		}
		replayed++
	}
	if replayed > 0 {
		q.log.WithField("count", replayed).Info("replayed dead-lettered tasks")
	}
	return replayed, nil
}

// DeadLetters returns the sink tasks are moved to.
func (q *Queue) DeadLetters() DeadLetterSink {
	return q.dead
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.ch:
			q.run(ctx, t)
		}
	}
}

func (q *Queue) run(ctx context.Context, t *Task) {
	q.mu.Lock()
	h, ok := q.handlers[t.Kind]
	q.mu.Unlock()

	log := q.log.WithFields(logrus.Fields{"task_id": t.ID, "kind": t.Kind})
	if !ok {
		t.LastError = "no handler registered"
		q.finish(ctx, t, "dead_letter", 0)
		return
	}

	t.Attempts++
	start := q.now()
	err := q.invoke(ctx, h, t)
	elapsed := q.now().Sub(start)

	if err == nil {
		q.observe(t.Kind, "success", elapsed)
		return
	}
	t.LastError = err.Error()

	if !q.policy.ShouldRetry(t.Attempts, err) {
		log.WithError(err).WithField("attempts", t.Attempts).Warn("task failed, moving to dead letters")
		q.finish(ctx, t, "dead_letter", elapsed)
		return
	}

	delay := q.policy.NextRetryDelay(t.Attempts)
	log.WithError(err).WithFields(logrus.Fields{"attempts": t.Attempts, "retry_in": delay}).Info("task failed, retrying")
	q.observe(t.Kind, "retry", elapsed)
	q.schedule(t, delay)
}

func (q *Queue) invoke(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("task_id", t.ID).Errorf("task handler panic: %v\n%s", r, debug.Stack())
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, q.config.HandlerTimeout)
	defer cancel()
	return h(ctx, t.Payload)
}

func (q *Queue) schedule(t *Task, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.finish(context.Background(), t, "dead_letter", 0)
		return
	}
	p := &pendingRetry{task: t}
	p.timer = time.AfterFunc(delay, func() { q.requeue(t) })
	q.pending[t.ID] = p
	q.mu.Unlock()
}

// requeue runs on the retry timer. The send happens under the lock and
// never blocks, so it is ordered against Stop: either Stop drains the task
// or requeue sees the queue closed and dead-letters it. A full buffer
// pushes the retry back by the initial delay.
func (q *Queue) requeue(t *Task) {
	q.mu.Lock()
	delete(q.pending, t.ID)
	if q.closed {
		q.mu.Unlock()
		q.finish(context.Background(), t, "dead_letter", 0)
		return
	}
	select {
	case q.ch <- t:
		q.mu.Unlock()
		return
	default:
	}
	p := &pendingRetry{task: t}
	p.timer = time.AfterFunc(q.policy.NextRetryDelay(0), func() { q.requeue(t) })
	q.pending[t.ID] = p
	q.mu.Unlock()
	q.log.WithField("task_id", t.ID).Debug("task buffer full, retry deferred")
}

func (q *Queue) finish(ctx context.Context, t *Task, result string, elapsed time.Duration) {
	q.observe(t.Kind, result, elapsed)
	if err := q.deadLetter(ctx, t); err != nil {
		q.log.WithError(err).WithField("task_id", t.ID).Error("failed to dead-letter task")
	}
}

func (q *Queue) deadLetter(ctx context.Context, t *Task) error {
	now := q.now().UTC()
	t.FailedAt = &now
	// The worker context may already be canceled during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return q.dead.Put(ctx, t)
}

func (q *Queue) observe(kind, result string, d time.Duration) {
	if q.observer != nil {
		q.observer.TaskAttempt(kind, result, d)
	}
}
