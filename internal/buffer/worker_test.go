package buffer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/deeprecall/recall-sync/internal/durable"
)

// fakeEndpoint records delivered batches and answers per-mutation verdicts.
type fakeEndpoint struct {
	mu sync.Mutex
	// reject maps mutation IDs to a rejection message.
	reject map[string]string
	// fail, when set, fails whole batches (connection-level error).
	fail error
	// batches records every delivered batch in order.
	batches [][]durable.WriteChange
	// applied counts deliveries per mutation ID.
	applied map[string]int
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		reject:  make(map[string]string),
		applied: make(map[string]int),
	}
}

func (f *fakeEndpoint) WriteBatch(ctx context.Context, changes []durable.WriteChange) ([]durable.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.batches = append(f.batches, changes)
	results := make([]durable.WriteResult, len(changes))
	for i, c := range changes {
		f.applied[c.MutationID]++
		if msg, ok := f.reject[c.MutationID]; ok {
			results[i] = durable.WriteResult{MutationID: c.MutationID, Err: msg}
			continue
		}
		results[i] = durable.WriteResult{MutationID: c.MutationID, OK: true}
	}
	return results, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// TestFlush_AcksDelivered tests the happy path: delivered entries leave the
// queue.
func TestFlush_AcksDelivered(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testMutation(t, "entry")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	ep := newFakeEndpoint()
	w := NewWorker(q, ep, WorkerConfig{Logger: quietLogger()})
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	n, _ := q.PendingCount(ctx)
	if n != 0 {
		t.Errorf("%d entries remain after acknowledged flush", n)
	}
	if len(ep.batches) != 1 || len(ep.batches[0]) != 3 {
		t.Errorf("expected one batch of 3, got %d batches", len(ep.batches))
	}
}

// TestFlush_BatchFailureKeepsOrder tests that a connection-level failure
// leaves everything queued in order for the next tick.
func TestFlush_BatchFailureKeepsOrder(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		m := testMutation(t, "entry")
		if err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, m.ID)
	}

	ep := newFakeEndpoint()
	ep.fail = durable.ErrPoolExhausted
	w := NewWorker(q, ep, WorkerConfig{Logger: quietLogger()})

	if err := w.Flush(ctx); err == nil {
		t.Fatal("Flush() succeeded despite endpoint failure")
	}

	entries, _ := q.Peek(ctx, 10)
	if len(entries) != 2 {
		t.Fatalf("entries lost on batch failure: %d remain", len(entries))
	}
	for i, e := range entries {
		if e.MutationID != ids[i] {
			t.Errorf("order changed after failed flush")
		}
		if e.Attempts != 0 {
			t.Errorf("batch-level failure should not consume per-entry attempts")
		}
	}

	// Endpoint recovers; the next tick drains everything.
	ep.mu.Lock()
	ep.fail = nil
	ep.mu.Unlock()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() after recovery failed: %v", err)
	}
	if n, _ := q.PendingCount(ctx); n != 0 {
		t.Errorf("%d entries remain after recovery", n)
	}
}

// TestFlush_PartialRejection tests per-item results: successes ack, the
// rejected entry stays queued and accrues an attempt.
func TestFlush_PartialRejection(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	good := testMutation(t, "good")
	bad := testMutation(t, "bad")
	if err := q.Enqueue(ctx, good); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.Enqueue(ctx, bad); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ep := newFakeEndpoint()
	ep.reject[bad.ID] = "constraint violation"
	w := NewWorker(q, ep, WorkerConfig{Logger: quietLogger()})

	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	entries, _ := q.Peek(ctx, 10)
	if len(entries) != 1 || entries[0].MutationID != bad.ID {
		t.Fatalf("partial rejection kept the wrong entries: %d remain", len(entries))
	}
	if entries[0].Attempts != 1 {
		t.Errorf("rejected entry attempts = %d, want 1", entries[0].Attempts)
	}
}

// TestFlush_DeadLetterReported tests that an entry exceeding the ceiling is
// surfaced on the error channel, not silently dropped.
func TestFlush_DeadLetterReported(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	m := testMutation(t, "doomed")
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ep := newFakeEndpoint()
	ep.reject[m.ID] = "permanently rejected"
	w := NewWorker(q, ep, WorkerConfig{MaxAttempts: 2, Logger: quietLogger()})

	for i := 0; i < 2; i++ {
		if err := w.Flush(ctx); err != nil {
			t.Fatalf("Flush() failed: %v", err)
		}
	}

	select {
	case err := <-w.Errors():
		if err == nil {
			t.Fatal("nil error on the error channel")
		}
	default:
		t.Fatal("dead letter was not reported")
	}

	dead, _ := q.DeadLetters(ctx)
	if len(dead) != 1 {
		t.Fatalf("DeadLetters() = %d entries, want 1", len(dead))
	}
	if n, _ := q.PendingCount(ctx); n != 0 {
		t.Errorf("dead-lettered entry still pending")
	}
}

// TestFlush_IdempotentRedelivery tests that redelivering an entry after an
// ambiguous failure is harmless: the endpoint sees it twice, the queue
// converges once acknowledged.
func TestFlush_IdempotentRedelivery(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	m := testMutation(t, "ambiguous")
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ep := newFakeEndpoint()
	// First delivery succeeds server-side but the ack is lost.
	ep.reject[m.ID] = "timeout"
	w := NewWorker(q, ep, WorkerConfig{Logger: quietLogger()})
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	ep.mu.Lock()
	delete(ep.reject, m.ID)
	ep.mu.Unlock()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("second Flush() failed: %v", err)
	}

	if ep.applied[m.ID] != 2 {
		t.Errorf("delivery count = %d, want 2 (redelivery)", ep.applied[m.ID])
	}
	if n, _ := q.PendingCount(ctx); n != 0 {
		t.Errorf("entry remains after acknowledged redelivery")
	}
}

// TestWorker_StartStop tests the ticker loop drains the queue and Stop is
// idempotent.
func TestWorker_StartStop(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMutation(t, "ticked")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ep := newFakeEndpoint()
	w := NewWorker(q, ep, WorkerConfig{Interval: 10 * time.Millisecond, Logger: quietLogger()})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Error("second Start() succeeded")
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := q.PendingCount(ctx)
		if err != nil {
			t.Fatalf("PendingCount() failed: %v", err)
		}
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ticker loop never drained the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.Stop()
	w.Stop()
}

// TestFlush_BatchSizeCap tests that one flush delivers at most BatchSize
// entries.
func TestFlush_BatchSizeCap(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, testMutation(t, fmt.Sprintf("entry-%d", i))); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	ep := newFakeEndpoint()
	w := NewWorker(q, ep, WorkerConfig{BatchSize: 2, Logger: quietLogger()})
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	if len(ep.batches) != 1 || len(ep.batches[0]) != 2 {
		t.Fatalf("flush ignored BatchSize: delivered %d", len(ep.batches[0]))
	}
	if n, _ := q.PendingCount(ctx); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}
}
