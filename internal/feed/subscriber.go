package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/deeprecall/recall-sync/internal/cache"
	"github.com/deeprecall/recall-sync/internal/entity"
)

// State is a subscriber's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SubscriberConfig tunes reconnection behavior.
type SubscriberConfig struct {
	// ReconnectMin is the first reconnect delay (default 1s).
	ReconnectMin time.Duration
	// ReconnectMax caps the doubling delay (default 30s).
	ReconnectMax time.Duration
	// Logger for subscriber activity.
	Logger *log.Logger
}

func (c *SubscriberConfig) withDefaults() SubscriberConfig {
	out := *c
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = time.Second
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = 30 * time.Second
	}
	return out
}

// Subscriber consumes one collection's change feed and is the only writer of
// that collection's synced table. After applying a change it clears the
// matching local row - but only when the local copy is not newer, so an
// unacknowledged edit is never lost to its own echo.
//
// Subscribers are created exclusively by the Manager; that is what makes the
// single-writer invariant checkable in one place.
type Subscriber struct {
	col     entity.Collection
	stream  Stream
	cache   *cache.Cache
	offsets *OffsetStore
	cfg     SubscriberConfig
	logger  *log.Logger

	state atomic.Int32
	// caughtUp flips when the first up-to-date frame arrives.
	caughtUp atomic.Bool
}

func newSubscriber(col entity.Collection, stream Stream, c *cache.Cache, offsets *OffsetStore, cfg SubscriberConfig, logger *log.Logger) *Subscriber {
	return &Subscriber{
		col:     col,
		stream:  stream,
		cache:   c,
		offsets: offsets,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Collection returns the collection this subscriber owns.
func (s *Subscriber) Collection() entity.Collection {
	return s.col
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// CaughtUp reports whether the initial catch-up completed at least once.
func (s *Subscriber) CaughtUp() bool {
	return s.caughtUp.Load()
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
}

// run drives the subscribe/stream/reconnect loop until ctx is cancelled.
// Each applied frame is followed by an offset save, so a crash between
// frames resumes without missing or re-observing committed changes.
func (s *Subscriber) run(ctx context.Context) error {
	defer s.setState(StateStopped)

	delay := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateSubscribing)
		offset, err := s.offsets.Load(ctx, s.col)
		if err != nil {
			return err
		}

		sub, err := s.stream.Subscribe(ctx, s.col, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("%s: subscribe failed: %v (retrying in %s)", s.col, err, delay)
			s.setState(StateReconnecting)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, s.cfg.ReconnectMax)
			continue
		}

		err = s.streamLoop(ctx, sub)
		_ = sub.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrOffsetExpired):
			// Feed history is gone past our cursor. Full resync:
			// drop the synced table and restart from scratch.
			s.logger.Printf("%s: offset expired, starting full resync", s.col)
			if rerr := s.resync(ctx); rerr != nil {
				return rerr
			}
			delay = s.cfg.ReconnectMin
		case err != nil:
			s.logger.Printf("%s: stream interrupted: %v (reconnecting in %s)", s.col, err, delay)
			s.setState(StateReconnecting)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, s.cfg.ReconnectMax)
		default:
			return nil
		}
	}
}

func (s *Subscriber) streamLoop(ctx context.Context, sub Subscription) error {
	s.setState(StateStreaming)
	// A healthy stream resets the backoff.
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, msg); err != nil {
			return err
		}
	}
}

// apply writes one frame into the synced table and performs local-row
// cleanup, then persists the resume offset.
func (s *Subscriber) apply(ctx context.Context, msg *Message) error {
	for _, change := range msg.Changes {
		if err := s.applyChange(ctx, change); err != nil {
			return err
		}
	}
	if msg.UpToDate && !s.caughtUp.Load() {
		s.caughtUp.Store(true)
		s.logger.Printf("%s: initial catch-up complete", s.col)
	}
	if msg.Offset != "" {
		if err := s.offsets.Save(ctx, s.col, msg.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) applyChange(ctx context.Context, change Change) error {
	switch change.Op {
	case entity.OpCreate, entity.OpUpdate:
		if change.Entity == nil {
			return fmt.Errorf("%s change for %s carries no entity", change.Op, s.col)
		}
		if err := s.cache.ApplySynced(ctx, s.col, change.Entity); err != nil {
			return err
		}
		return s.clearAcknowledgedLocal(ctx, change.Entity)
	case entity.OpDelete:
		if change.EntityID == "" {
			return fmt.Errorf("delete change for %s carries no entity id", s.col)
		}
		if err := s.cache.DeleteSynced(ctx, s.col, change.EntityID); err != nil {
			return err
		}
		return s.clearAcknowledgedTombstone(ctx, change.EntityID)
	default:
		return fmt.Errorf("unknown change op %q", change.Op)
	}
}

// clearAcknowledgedLocal removes the local row for a delivered entity when
// the local copy is the same age or older. A local row with a newer
// updated_at is a fresh unacknowledged edit and must survive.
func (s *Subscriber) clearAcknowledgedLocal(ctx context.Context, delivered *entity.Entity) error {
	row, err := s.cache.LocalRowFor(ctx, s.col, delivered.ID)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.Deleted {
		// A local delete is pending; the delivered upsert is an older
		// echo. Keep the tombstone.
		return nil
	}
	if row.Entity.UpdatedAt.After(delivered.UpdatedAt) {
		return nil
	}
	return s.cache.ClearLocal(ctx, s.col, delivered.ID)
}

// clearAcknowledgedTombstone removes a local tombstone once the delete is
// observed committed. A non-tombstone local row means the entity was
// re-created locally after the delete; it survives.
func (s *Subscriber) clearAcknowledgedTombstone(ctx context.Context, id string) error {
	row, err := s.cache.LocalRowFor(ctx, s.col, id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !row.Deleted {
		return nil
	}
	return s.cache.ClearLocal(ctx, s.col, id)
}

func (s *Subscriber) resync(ctx context.Context) error {
	if err := s.cache.ResetSynced(ctx, s.col); err != nil {
		return err
	}
	if err := s.offsets.Clear(ctx, s.col); err != nil {
		return err
	}
	s.caughtUp.Store(false)
	return nil
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
