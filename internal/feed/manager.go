package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/deeprecall/recall-sync/internal/cache"
	"github.com/deeprecall/recall-sync/internal/entity"
	"golang.org/x/sync/errgroup"
)

// ErrCollectionClaimed reports an attempt to register a second subscriber
// for a collection that already has one.
var ErrCollectionClaimed = errors.New("collection already has a subscriber")

// Manager owns every change-feed subscriber in the process and enforces the
// single-writer invariant: exactly one subscriber per collection, and only
// subscribers write synced tables.
//
// The manager is constructed and injected explicitly; its lifecycle is tied
// to application start/stop. Everything else in the process reads the merge
// view and never touches the feed.
type Manager struct {
	stream  Stream
	cache   *cache.Cache
	offsets *OffsetStore
	cfg     SubscriberConfig
	logger  *log.Logger

	mu      sync.Mutex
	subs    map[entity.Collection]*Subscriber
	started bool

	eg     *errgroup.Group
	cancel context.CancelFunc
	errs   chan error
}

// NewManager creates a Manager. Subscribers are registered with Subscribe
// and started together with Start.
func NewManager(stream Stream, c *cache.Cache, offsets *OffsetStore, cfg SubscriberConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	return &Manager{
		stream:  stream,
		cache:   c,
		offsets: offsets,
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[entity.Collection]*Subscriber),
		errs:    make(chan error, 16),
	}
}

// Subscribe claims a collection. The claim is exclusive for the manager's
// lifetime; a second claim fails with ErrCollectionClaimed.
func (m *Manager) Subscribe(col entity.Collection) (*Subscriber, error) {
	if !col.Valid() {
		return nil, fmt.Errorf("unknown collection %q", col)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("manager already started")
	}
	if _, ok := m.subs[col]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionClaimed, col)
	}
	sub := newSubscriber(col, m.stream, m.cache, m.offsets, m.cfg, m.logger)
	m.subs[col] = sub
	return sub, nil
}

// SubscribeAll claims every known collection.
func (m *Manager) SubscribeAll() error {
	for _, col := range entity.Collections() {
		if _, err := m.Subscribe(col); err != nil {
			return err
		}
	}
	return nil
}

// Start launches all claimed subscribers. Returns an error if already
// started or nothing is claimed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	if len(m.subs) == 0 {
		return fmt.Errorf("no collections subscribed")
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.eg, runCtx = errgroup.WithContext(runCtx)

	for _, sub := range m.subs {
		sub := sub
		m.eg.Go(func() error {
			if err := sub.run(runCtx); err != nil {
				wrapped := fmt.Errorf("subscriber %s: %w", sub.Collection(), err)
				select {
				case m.errs <- wrapped:
				default:
				}
				return wrapped
			}
			return nil
		})
	}
	m.logger.Printf("started %d subscribers", len(m.subs))
	return nil
}

// Stop tears down all subscribers and waits for them to finish their
// in-flight frames. Safe to call once after Start.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	eg := m.eg
	m.mu.Unlock()

	cancel()
	err := eg.Wait()

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	m.logger.Printf("all subscribers stopped")
	return err
}

// Errors exposes subscriber failures that terminated a stream loop.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// State reports a claimed subscriber's state, or StateUninitialized for an
// unclaimed collection.
func (m *Manager) State(col entity.Collection) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[col]; ok {
		return sub.State()
	}
	return StateUninitialized
}
