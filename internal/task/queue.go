package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler executes one task type. It receives the task payload and returns
// the result to store, or an error that fails the record.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Defaults mirror the external extraction service's rate ceiling.
const (
	DefaultMaxConcurrent = 3
	DefaultTaskTTL       = time.Hour

	// Bounded queue pop so the worker loop can observe cancellation.
	popTimeout = time.Second
)

// Options configures a Queue.
type Options struct {
	RedisURL      string
	MaxConcurrent int
	TaskTTL       time.Duration
}

// Stats is the queue's observable state.
type Stats struct {
	Connected     bool  `json:"connected"`
	QueueLength   int64 `json:"queue_length"`
	InFlight      int   `json:"processing"`
	MaxConcurrent int   `json:"max_concurrent"`
}

// Queue accepts work items and dispatches them through the durable store
// when one is connected, or executes them immediately in-process when not.
// Both modes expose the same enqueue/get contract; the direct mode is a
// deliberate availability trade-off, preferring ungoverned progress over
// refusing work while the limiter's store is down.
type Queue struct {
	opts Options

	mu       sync.Mutex
	store    store
	redis    *redis.Client
	inFlight int
	handlers map[Type]Handler

	fallbackMu sync.Mutex
	fallback   map[string]fallbackRecord
}

type fallbackRecord struct {
	task    *Task
	expires time.Time
}

func NewQueue(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = DefaultTaskTTL
	}
	return &Queue{
		opts:     opts,
		handlers: make(map[Type]Handler),
		fallback: make(map[string]fallbackRecord),
	}
}

// Connect dials the durable store. Failure leaves the queue in direct
// execution mode; enqueue keeps working either way.
func (q *Queue) Connect(ctx context.Context) error {
	redisOpts, err := redis.ParseURL(q.opts.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis unreachable: %w", err)
	}

	q.mu.Lock()
	q.redis = client
	q.store = &redisStore{client: client}
	q.mu.Unlock()

	log.Printf("Task queue connected to %s", q.opts.RedisURL)
	return nil
}

// Disconnect closes the durable store; the queue falls back to direct
// execution for subsequent enqueues.
func (q *Queue) Disconnect() {
	q.mu.Lock()
	client := q.redis
	q.redis = nil
	q.store = nil
	q.mu.Unlock()

	if client != nil {
		client.Close()
		log.Printf("Task queue disconnected")
	}
}

// Connected reports whether a durable store is attached.
func (q *Queue) Connected() bool {
	return q.currentStore() != nil
}

// RegisterHandler binds a handler to a task type. Must be called before the
// worker pool starts or the first fallback enqueue of that type.
func (q *Queue) RegisterHandler(t Type, h Handler) {
	q.mu.Lock()
	q.handlers[t] = h
	q.mu.Unlock()
	log.Printf("Task handler registered: %s", t)
}

// Enqueue accepts one work item and returns its id immediately. With a
// durable store the record is persisted pending and its id pushed for the
// worker pool; without one the handler runs asynchronously in-process.
func (q *Queue) Enqueue(ctx context.Context, t Type, payload json.RawMessage) (string, error) {
	tk := newTask(t, payload)

	if st := q.currentStore(); st != nil {
		if err := st.putTask(ctx, tk, q.opts.TaskTTL); err != nil {
			log.Printf("Task %s: durable store write failed, executing directly: %v", tk.ID, err)
		} else if err := st.pushQueue(ctx, tk.ID); err != nil {
			log.Printf("Task %s: queue push failed, executing directly: %v", tk.ID, err)
		} else {
			log.Printf("Task %s enqueued (%s)", tk.ID, tk.Type)
			return tk.ID, nil
		}
	}

	q.storeFallback(tk)
	go q.executeDirect(tk)
	return tk.ID, nil
}

// GetTask looks up a record by id. Returns (nil, nil) once the record has
// expired or never existed.
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	if st := q.currentStore(); st != nil {
		t, err := st.getTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return q.getFallback(id), nil
}

// GetResult returns the stored result of a completed task, or nil.
func (q *Queue) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	t, err := q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.Status != StatusCompleted {
		return nil, nil
	}
	return t.Result, nil
}

// Stats reports queue depth and in-flight work.
func (q *Queue) Stats(ctx context.Context) Stats {
	q.mu.Lock()
	st := q.store
	inFlight := q.inFlight
	q.mu.Unlock()

	s := Stats{
		Connected:     st != nil,
		InFlight:      inFlight,
		MaxConcurrent: q.opts.MaxConcurrent,
	}
	if st != nil {
		if n, err := st.queueLen(ctx); err == nil {
			s.QueueLength = n
		}
	}
	return s
}

// StartWorker runs the dispatch loop until ctx is cancelled. It pulls task
// ids from the durable queue, respecting the concurrency ceiling, and
// schedules each task's execution without blocking on its completion.
// In-flight tasks drain best-effort after cancellation.
func (q *Queue) StartWorker(ctx context.Context) {
	st := q.currentStore()
	if st == nil {
		log.Printf("Worker pool not started: durable store not connected")
		return
	}
	log.Printf("Worker pool started (max concurrent: %d)", q.opts.MaxConcurrent)

	for {
		if ctx.Err() != nil {
			log.Printf("Worker pool stopped")
			return
		}

		q.mu.Lock()
		busy := q.inFlight >= q.opts.MaxConcurrent
		q.mu.Unlock()
		if busy {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		id, err := st.popQueue(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("Worker pool stopped")
				return
			}
			log.Printf("Worker pool: queue pop failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if id == "" {
			continue
		}

		t, err := st.getTask(ctx, id)
		if err != nil {
			log.Printf("Worker pool: task %s lookup failed: %v", id, err)
			continue
		}
		if t == nil {
			// Expired before pickup.
			log.Printf("Worker pool: task %s expired before processing", id)
			continue
		}

		q.mu.Lock()
		q.inFlight++
		q.mu.Unlock()
		go q.process(st, t)
	}
}

// process executes one task and writes its status back, decrementing the
// in-flight count on any outcome. It runs detached from the worker loop's
// context so shutdown drains rather than aborts.
func (q *Queue) process(st store, t *Task) {
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	ctx := context.Background()
	h := q.handler(t.Type)
	if h == nil {
		t.Status = StatusFailed
		t.Error = fmt.Sprintf("no handler registered for task type %q", t.Type)
		q.writeBack(ctx, st, t)
		return
	}

	t.Status = StatusProcessing
	q.writeBack(ctx, st, t)
	log.Printf("Task %s processing (%s)", t.ID, t.Type)

	result, err := h(ctx, t.Payload)
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
		log.Printf("Task %s failed: %v", t.ID, err)
	} else {
		t.Status = StatusCompleted
		t.Result = result
		log.Printf("Task %s completed", t.ID)
	}
	q.writeBack(ctx, st, t)
}

// executeDirect is the no-store path: run the handler immediately and keep
// the record in the process-local map so GetTask/GetResult behave the same.
func (q *Queue) executeDirect(t *Task) {
	ctx := context.Background()
	h := q.handler(t.Type)
	if h == nil {
		t.Status = StatusFailed
		t.Error = fmt.Sprintf("no handler registered for task type %q", t.Type)
		q.updateFallback(t)
		return
	}

	t.Status = StatusProcessing
	q.updateFallback(t)
	log.Printf("Task %s executing directly (%s)", t.ID, t.Type)

	result, err := h(ctx, t.Payload)
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
		log.Printf("Task %s failed: %v", t.ID, err)
	} else {
		t.Status = StatusCompleted
		t.Result = result
	}
	q.updateFallback(t)
}

func (q *Queue) currentStore() store {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store
}

func (q *Queue) handler(t Type) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[t]
}

func (q *Queue) writeBack(ctx context.Context, st store, t *Task) {
	t.UpdatedAt = time.Now().UTC()
	if err := st.putTask(ctx, t, q.opts.TaskTTL); err != nil {
		log.Printf("Task %s: status write failed: %v", t.ID, err)
	}
}

// storeFallback snapshots the record so readers never observe a task the
// direct executor is still mutating.
func (q *Queue) storeFallback(t *Task) {
	snapshot := *t
	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()
	q.fallback[t.ID] = fallbackRecord{task: &snapshot, expires: time.Now().Add(q.opts.TaskTTL)}
}

func (q *Queue) updateFallback(t *Task) {
	t.UpdatedAt = time.Now().UTC()
	q.storeFallback(t)
}

func (q *Queue) getFallback(id string) *Task {
	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()
	rec, ok := q.fallback[id]
	if !ok {
		return nil
	}
	if time.Now().After(rec.expires) {
		delete(q.fallback, id)
		return nil
	}
	return rec.task
}
