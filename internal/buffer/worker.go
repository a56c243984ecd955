package buffer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/deeprecall/recall-sync/internal/durable"
)

// Endpoint is the durable store's batched write surface. durable.Client
// satisfies it; tests substitute a fake.
type Endpoint interface {
	WriteBatch(ctx context.Context, changes []durable.WriteChange) ([]durable.WriteResult, error)
}

// WorkerConfig configures the flush worker.
type WorkerConfig struct {
	// Interval between flush ticks (default 5s).
	Interval time.Duration
	// BatchSize caps how many entries one flush delivers (default 50).
	BatchSize int
	// MaxAttempts is the retry ceiling before an entry is dead-lettered
	// (default 25).
	MaxAttempts int
	// Logger for worker activity. Nil means stderr default.
	Logger *log.Logger
}

func (c *WorkerConfig) withDefaults() WorkerConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 25
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[flush] ", log.LstdFlags)
	}
	return out
}

// Worker periodically drains the write buffer into the durable store.
//
// Delivery failures never crash the loop: failed entries stay queued in
// order and are retried on the next tick. Connection-level failures (pool
// exhaustion, timeouts) skip the whole tick rather than busy-retrying.
type Worker struct {
	queue    *Queue
	endpoint Endpoint
	cfg      WorkerConfig

	errs   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	// flushMu serializes flushes so an explicit Flush cannot interleave
	// with a ticker flush and reorder deliveries.
	flushMu sync.Mutex
}

// NewWorker creates a flush worker over a queue and a write endpoint.
func NewWorker(queue *Queue, endpoint Endpoint, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:    queue,
		endpoint: endpoint,
		cfg:      cfg.withDefaults(),
		errs:     make(chan error, 16),
	}
}

// Start launches the flush loop. Returns an error if already started.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("flush worker already started")
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	return nil
}

// Stop halts the loop. Any in-flight flush completes before Stop returns,
// so no batch is torn mid-delivery. Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

// Errors exposes delivery problems that exceeded the worker's own retry
// policy: dead-lettered entries and repeated endpoint failures.
func (w *Worker) Errors() <-chan error {
	return w.errs
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Flush with a fresh context: shutdown waits for the
			// in-flight batch instead of cancelling it.
			if err := w.Flush(context.Background()); err != nil {
				w.cfg.Logger.Printf("flush failed: %v (will retry next tick)", err)
			}
		}
	}
}

// Flush drains up to BatchSize pending entries as one batched request.
// Acknowledged entries are removed; rejected entries accrue a failure and
// stay queued in order. Returns an error only for batch-level failures.
func (w *Worker) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	entries, err := w.queue.Peek(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	changes := make([]durable.WriteChange, len(entries))
	for i, e := range entries {
		changes[i] = durable.WriteChange{
			MutationID: e.MutationID,
			Collection: e.Collection,
			Op:         e.Op,
			EntityID:   e.EntityID,
			Payload:    e.Payload,
			DeviceID:   e.DeviceID,
		}
	}

	results, err := w.endpoint.WriteBatch(ctx, changes)
	if err != nil {
		// Nothing was acknowledged. Entries stay queued; distinguish
		// pool exhaustion in the log but treat both the same way.
		if errors.Is(err, durable.ErrPoolExhausted) {
			return fmt.Errorf("durable store busy: %w", err)
		}
		return fmt.Errorf("batch delivery failed: %w", err)
	}

	byMutation := make(map[string]durable.WriteResult, len(results))
	for _, r := range results {
		byMutation[r.MutationID] = r
	}

	var acked []int64
	for _, e := range entries {
		r, ok := byMutation[e.MutationID]
		if ok && r.OK {
			acked = append(acked, e.Seq)
			continue
		}
		reason := "no result returned"
		if ok {
			reason = r.Err
		}
		dead, ferr := w.queue.RecordFailure(ctx, e.Seq, w.cfg.MaxAttempts)
		if ferr != nil {
			w.cfg.Logger.Printf("failed to record failure for %s: %v", e.MutationID, ferr)
			continue
		}
		if dead {
			w.report(fmt.Errorf("mutation %s (%s %s/%s) abandoned after %d attempts: %s",
				e.MutationID, e.Op, e.Collection, e.EntityID, w.cfg.MaxAttempts, reason))
		} else {
			w.cfg.Logger.Printf("mutation %s rejected: %s (attempt %d/%d)",
				e.MutationID, reason, e.Attempts+1, w.cfg.MaxAttempts)
		}
	}

	if err := w.queue.Ack(ctx, acked); err != nil {
		return err
	}
	if len(acked) > 0 {
		w.cfg.Logger.Printf("flushed %d/%d entries", len(acked), len(entries))
	}
	return nil
}

func (w *Worker) report(err error) {
	w.cfg.Logger.Print(err.Error())
	select {
	case w.errs <- err:
	default:
		// Error channel full; the log line above is the fallback.
	}
}
