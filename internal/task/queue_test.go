package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory store implementation so the dispatch loop can be
// exercised without Redis.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]memRecord
	queue []string
}

type memRecord struct {
	task    Task
	expires time.Time
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]memRecord)}
}

func (m *memStore) putTask(_ context.Context, t *Task, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = memRecord{task: *t, expires: time.Now().Add(ttl)}
	return nil
}

func (m *memStore) getTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok || time.Now().After(rec.expires) {
		return nil, nil
	}
	t := rec.task
	return &t, nil
}

func (m *memStore) pushQueue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, id)
	return nil
}

func (m *memStore) popQueue(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			id := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (m *memStore) queueLen(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

func attach(q *Queue, st store) {
	q.mu.Lock()
	q.store = st
	q.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskStatus(t *testing.T, q *Queue, id string) Status {
	t.Helper()
	tk, err := q.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	if tk == nil {
		return ""
	}
	return tk.Status
}

func TestFallbackEnqueueExecutesExactlyOnce(t *testing.T) {
	q := NewQueue(Options{})
	var calls atomic.Int64
	q.RegisterHandler(TypeTextExtract, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	})

	id, err := q.Enqueue(context.Background(), TypeTextExtract, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Enqueue returned invalid id %q: %v", id, err)
	}

	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusCompleted }, "completion")

	if got := calls.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want exactly 1", got)
	}
	res, err := q.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if string(res) != `{"ok":true}` {
		t.Errorf("GetResult = %s", res)
	}
}

func TestFallbackNoHandlerFailsRecord(t *testing.T) {
	q := NewQueue(Options{})

	id, err := q.Enqueue(context.Background(), TypeImageRecognize, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusFailed }, "failure")

	tk, _ := q.GetTask(context.Background(), id)
	if tk.Error == "" {
		t.Error("failed record carries no error description")
	}
}

func TestFallbackHandlerErrorFailsRecord(t *testing.T) {
	q := NewQueue(Options{})
	q.RegisterHandler(TypeTextExtract, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream said no")
	})

	id, _ := q.Enqueue(context.Background(), TypeTextExtract, nil)
	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusFailed }, "failure")

	tk, _ := q.GetTask(context.Background(), id)
	if tk.Error != "upstream said no" {
		t.Errorf("Error = %q", tk.Error)
	}
	if res, _ := q.GetResult(context.Background(), id); res != nil {
		t.Errorf("failed task returned a result: %s", res)
	}
}

func TestFallbackRecordExpires(t *testing.T) {
	q := NewQueue(Options{TaskTTL: 30 * time.Millisecond})
	q.RegisterHandler(TypeTextExtract, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})

	id, _ := q.Enqueue(context.Background(), TypeTextExtract, nil)
	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusCompleted }, "completion")

	time.Sleep(80 * time.Millisecond)
	tk, err := q.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk != nil {
		t.Error("record still retrievable after TTL")
	}
}

func TestWorkerHonorsConcurrencyCeiling(t *testing.T) {
	const ceiling = 2

	q := NewQueue(Options{MaxConcurrent: ceiling})
	attach(q, newMemStore())

	release := make(chan struct{})
	var running atomic.Int64
	var peak atomic.Int64
	q.RegisterHandler(TypeTextExtract, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	})

	ids := make([]string, 0, ceiling+1)
	for i := 0; i < ceiling+1; i++ {
		id, err := q.Enqueue(context.Background(), TypeTextExtract, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		q.StartWorker(ctx)
	}()

	waitFor(t, func() bool { return running.Load() == ceiling }, "ceiling reached")

	// Hold the ceiling for a while; the third task must stay queued.
	for i := 0; i < 20; i++ {
		if got := q.Stats(ctx).InFlight; got > ceiling {
			t.Fatalf("InFlight = %d exceeds ceiling %d", got, ceiling)
		}
		time.Sleep(5 * time.Millisecond)
	}

	processing := 0
	for _, id := range ids {
		if taskStatus(t, q, id) == StatusProcessing {
			processing++
		}
	}
	if processing != ceiling {
		t.Errorf("tasks in processing = %d, want %d", processing, ceiling)
	}

	close(release)
	waitFor(t, func() bool {
		for _, id := range ids {
			if taskStatus(t, q, id) != StatusCompleted {
				return false
			}
		}
		return true
	}, "all tasks completed")

	if got := peak.Load(); got > ceiling {
		t.Errorf("peak concurrent handlers = %d, want <= %d", got, ceiling)
	}

	cancel()
	<-workerDone
}

func TestWorkerFailsUnknownTaskType(t *testing.T) {
	q := NewQueue(Options{})
	attach(q, newMemStore())

	id, _ := q.Enqueue(context.Background(), Type("mystery"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.StartWorker(ctx)

	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusFailed }, "failure")

	tk, _ := q.GetTask(context.Background(), id)
	if want := fmt.Sprintf("no handler registered for task type %q", "mystery"); tk.Error != want {
		t.Errorf("Error = %q, want %q", tk.Error, want)
	}
}

func TestWorkerDiscardsExpiredQueueEntries(t *testing.T) {
	q := NewQueue(Options{})
	ms := newMemStore()
	attach(q, ms)

	q.RegisterHandler(TypeTextExtract, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})

	// A queue entry whose record expired before pickup is discarded.
	ms.pushQueue(context.Background(), "ghost-task")
	id, _ := q.Enqueue(context.Background(), TypeTextExtract, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.StartWorker(ctx)

	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusCompleted }, "completion")

	if n, _ := ms.queueLen(context.Background()); n != 0 {
		t.Errorf("queue length = %d after drain, want 0", n)
	}
}

func TestWorkerDrainsInFlightOnShutdown(t *testing.T) {
	q := NewQueue(Options{})
	attach(q, newMemStore())

	release := make(chan struct{})
	q.RegisterHandler(TypeTextExtract, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`"late"`), nil
	})

	id, _ := q.Enqueue(context.Background(), TypeTextExtract, nil)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		q.StartWorker(ctx)
	}()

	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusProcessing }, "pickup")

	cancel()
	<-workerDone

	// The in-flight handler finishes and still writes its result back.
	close(release)
	waitFor(t, func() bool { return taskStatus(t, q, id) == StatusCompleted }, "drain")
}

func TestStatsDisconnected(t *testing.T) {
	q := NewQueue(Options{MaxConcurrent: 5})

	s := q.Stats(context.Background())
	if s.Connected {
		t.Error("Stats reports connected without a store")
	}
	if s.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", s.MaxConcurrent)
	}
	if s.QueueLength != 0 || s.InFlight != 0 {
		t.Errorf("idle stats = %+v", s)
	}
}

func TestStatsQueueDepth(t *testing.T) {
	q := NewQueue(Options{})
	attach(q, newMemStore())

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), TypeTextExtract, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	s := q.Stats(context.Background())
	if !s.Connected {
		t.Error("Stats reports disconnected with a store attached")
	}
	if s.QueueLength != 3 {
		t.Errorf("QueueLength = %d, want 3", s.QueueLength)
	}
}
