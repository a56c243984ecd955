package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is the mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Mutation is one optimistic write awaiting durable delivery. Create and
// update carry the full entity; delete carries only the target ID.
//
// Delivery is idempotent: the durable store upserts by entity ID, so
// redelivering the same mutation after an ambiguous failure is harmless.
type Mutation struct {
	// ID identifies this mutation (not the entity). The local row created
	// by the mutation records it so acknowledgment can be traced.
	ID string

	Collection Collection
	Op         Op

	// Entity is set for create and update.
	Entity *Entity

	// EntityID is the target for delete; for create/update it mirrors
	// Entity.ID.
	EntityID string

	DeviceID   string
	EnqueuedAt time.Time
}

// NewCreate builds a create mutation for the given entity.
func NewCreate(deviceID string, e *Entity) *Mutation {
	return newMutation(deviceID, OpCreate, e.Collection(), e, e.ID)
}

// NewUpdate builds an update mutation. The entity should carry a fresh
// updated_at; the durable store uses it for last-writer-wins resolution.
func NewUpdate(deviceID string, e *Entity) *Mutation {
	return newMutation(deviceID, OpUpdate, e.Collection(), e, e.ID)
}

// NewDelete builds a delete mutation for an entity ID.
func NewDelete(deviceID string, col Collection, entityID string) *Mutation {
	return newMutation(deviceID, OpDelete, col, nil, entityID)
}

func newMutation(deviceID string, op Op, col Collection, e *Entity, entityID string) *Mutation {
	return &Mutation{
		ID:         uuid.NewString(),
		Collection: col,
		Op:         op,
		Entity:     e,
		EntityID:   entityID,
		DeviceID:   deviceID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Validate checks the mutation before it is accepted into the write buffer.
// Invalid mutations are rejected synchronously and never enqueued.
func (m *Mutation) Validate() error {
	if m == nil {
		return fmt.Errorf("mutation is nil")
	}
	if m.ID == "" {
		return fmt.Errorf("mutation id is required")
	}
	if !m.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", m.Collection)
	}
	if !m.Op.Valid() {
		return fmt.Errorf("unknown op %q", m.Op)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	switch m.Op {
	case OpCreate, OpUpdate:
		if m.Entity == nil {
			return fmt.Errorf("%s requires an entity", m.Op)
		}
		if err := m.Entity.Validate(); err != nil {
			return fmt.Errorf("invalid entity: %w", err)
		}
		if m.Entity.Collection() != m.Collection {
			return fmt.Errorf("entity kind %q does not match collection %q", m.Entity.Kind, m.Collection)
		}
		if m.EntityID != m.Entity.ID {
			return fmt.Errorf("entity id mismatch")
		}
		if _, err := DecodePayload(m.Entity); err != nil {
			return err
		}
	case OpDelete:
		if m.Entity != nil {
			return fmt.Errorf("delete must not carry an entity")
		}
		if _, err := uuid.Parse(m.EntityID); err != nil {
			return fmt.Errorf("entity id must be a UUID: %w", err)
		}
	}
	return nil
}
