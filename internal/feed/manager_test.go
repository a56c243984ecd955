package feed

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
)

func testManager(t *testing.T, stream Stream) *Manager {
	t.Helper()
	c, offsets := setupFeed(t)
	return NewManager(stream, c, offsets,
		SubscriberConfig{ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond},
		log.New(io.Discard, "", 0))
}

// blockingStream hands every subscriber a subscription that blocks until
// the context ends.
type blockingStream struct{}

func (blockingStream) Subscribe(ctx context.Context, col entity.Collection, offset string) (Subscription, error) {
	return &scriptedSub{exhausted: make(chan struct{})}, nil
}

// TestManager_SingleWriterInvariant tests that a second claim for the same
// collection is rejected.
func TestManager_SingleWriterInvariant(t *testing.T) {
	m := testManager(t, blockingStream{})

	if _, err := m.Subscribe(entity.CollectionWorks); err != nil {
		t.Fatalf("first Subscribe() failed: %v", err)
	}
	_, err := m.Subscribe(entity.CollectionWorks)
	if !errors.Is(err, ErrCollectionClaimed) {
		t.Fatalf("second Subscribe() = %v, want ErrCollectionClaimed", err)
	}

	// Other collections are free to claim.
	if _, err := m.Subscribe(entity.CollectionCards); err != nil {
		t.Errorf("Subscribe(cards) failed: %v", err)
	}
}

// TestManager_RejectsUnknownCollection tests the collection gate.
func TestManager_RejectsUnknownCollection(t *testing.T) {
	m := testManager(t, blockingStream{})
	if _, err := m.Subscribe(entity.Collection("widgets")); err == nil {
		t.Fatal("Subscribe() accepted an unknown collection")
	}
}

// TestManager_SubscribeAll tests that every collection gets exactly one
// subscriber.
func TestManager_SubscribeAll(t *testing.T) {
	m := testManager(t, blockingStream{})
	if err := m.SubscribeAll(); err != nil {
		t.Fatalf("SubscribeAll() failed: %v", err)
	}
	for _, col := range entity.Collections() {
		if _, err := m.Subscribe(col); !errors.Is(err, ErrCollectionClaimed) {
			t.Errorf("collection %s was not claimed by SubscribeAll()", col)
		}
	}
}

// TestManager_StartStop tests the lifecycle: subscribers run after Start and
// reach stopped after Stop.
func TestManager_StartStop(t *testing.T) {
	m := testManager(t, blockingStream{})
	if _, err := m.Subscribe(entity.CollectionWorks); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Claims close after start.
	if _, err := m.Subscribe(entity.CollectionCards); err == nil {
		t.Error("Subscribe() accepted a claim after Start()")
	}

	deadline := time.After(2 * time.Second)
	for m.State(entity.CollectionWorks) != StateStreaming {
		select {
		case <-deadline:
			t.Fatalf("subscriber state = %s, never reached streaming", m.State(entity.CollectionWorks))
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if got := m.State(entity.CollectionWorks); got != StateStopped {
		t.Errorf("State() after Stop = %s, want stopped", got)
	}
}
