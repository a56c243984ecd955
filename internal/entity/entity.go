// Package entity defines the synced domain records and the mutation types
// that flow through the write buffer.
//
// Every synced record is an Entity: a stable client-generated ID, a kind
// discriminator, timestamps, and a typed payload. Entities are immutable by
// replacement - an update produces a new logical version under the same ID,
// and updated_at is the last-write-wins tiebreaker across devices.
package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Collection identifies one synced table pair (local + synced) on the device
// and one table in the durable store.
type Collection string

const (
	CollectionWorks       Collection = "works"
	CollectionAssets      Collection = "assets"
	CollectionAnnotations Collection = "annotations"
	CollectionCards       Collection = "cards"
	CollectionBoards      Collection = "boards"
	CollectionStrokes     Collection = "strokes"
	CollectionShelves     Collection = "collections"
	CollectionActivities  Collection = "activities"
)

// Collections returns all synced collections in a stable order.
func Collections() []Collection {
	return []Collection{
		CollectionWorks,
		CollectionAssets,
		CollectionAnnotations,
		CollectionCards,
		CollectionBoards,
		CollectionStrokes,
		CollectionShelves,
		CollectionActivities,
	}
}

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	for _, known := range Collections() {
		if c == known {
			return true
		}
	}
	return false
}

// Entity is one synced domain record.
type Entity struct {
	// ID is globally unique, client-generated, and stable for the record's
	// whole lifetime.
	ID string `json:"id"`

	// Kind is the discriminator tag; it matches the collection name.
	Kind string `json:"kind"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Data holds the type-specific fields as raw JSON. The typed view is
	// obtained with DecodePayload.
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope fields. Payload validation happens separately
// at enqueue time via DecodePayload.
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("id must be a UUID: %w", err)
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !Collection(e.Kind).Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if e.UpdatedAt.Before(e.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	return nil
}

// Collection returns the collection this entity belongs to.
func (e *Entity) Collection() Collection {
	return Collection(e.Kind)
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Data != nil {
		cp.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &cp
}

// NewEntity builds an entity envelope for the given collection and typed
// payload, stamping fresh ID and timestamps.
func NewEntity(col Collection, payload Payload) (*Entity, error) {
	if !col.Valid() {
		return nil, fmt.Errorf("unknown collection %q", col)
	}
	if payload != nil && payload.Collection() != col {
		return nil, fmt.Errorf("payload belongs to %q, not %q", payload.Collection(), col)
	}
	var data json.RawMessage
	if payload != nil {
		if err := payload.Validate(); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = raw
	}
	now := time.Now().UTC()
	return &Entity{
		ID:        uuid.NewString(),
		Kind:      string(col),
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}, nil
}

// Encode serializes the entity envelope to JSON.
func (e *Entity) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}
	return raw, nil
}

// Decode parses an entity envelope from JSON and validates it.
func Decode(raw []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}
	return &e, nil
}
