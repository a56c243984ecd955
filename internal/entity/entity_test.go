package entity

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testWork(t *testing.T) *Entity {
	t.Helper()
	e, err := NewEntity(CollectionWorks, &Work{Title: "Gödel, Escher, Bach"})
	if err != nil {
		t.Fatalf("NewEntity() failed: %v", err)
	}
	return e
}

// TestNewEntity_Valid checks that a freshly minted entity passes validation.
func TestNewEntity_Valid(t *testing.T) {
	e := testWork(t)

	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", e.ID, err)
	}
	if e.Kind != string(CollectionWorks) {
		t.Errorf("Kind = %q, want %q", e.Kind, CollectionWorks)
	}
	if e.UpdatedAt.Before(e.CreatedAt) {
		t.Error("UpdatedAt precedes CreatedAt")
	}
}

// TestNewEntity_PayloadCollectionMismatch rejects a payload enqueued under
// the wrong collection.
func TestNewEntity_PayloadCollectionMismatch(t *testing.T) {
	if _, err := NewEntity(CollectionCards, &Work{Title: "misc"}); err == nil {
		t.Fatal("NewEntity() accepted a works payload for the cards collection")
	}
}

// TestEntityValidate_Rejections covers the malformed shapes Validate must
// refuse.
func TestEntityValidate_Rejections(t *testing.T) {
	now := time.Now().UTC()
	valid := testWork(t)

	tests := []struct {
		name   string
		mutate func(e *Entity)
	}{
		{"empty id", func(e *Entity) { e.ID = "" }},
		{"non-uuid id", func(e *Entity) { e.ID = "not-a-uuid" }},
		{"unknown kind", func(e *Entity) { e.Kind = "widgets" }},
		{"zero created_at", func(e *Entity) { e.CreatedAt = time.Time{} }},
		{"updated before created", func(e *Entity) {
			e.CreatedAt = now
			e.UpdatedAt = now.Add(-time.Hour)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid.Clone()
			tt.mutate(e)
			if err := e.Validate(); err == nil {
				t.Errorf("Validate() accepted entity with %s", tt.name)
			}
		})
	}
}

// TestEncodeDecode_RoundTrip checks the JSON codec preserves identity and
// payload.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	e := testWork(t)

	raw, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.ID != e.ID || got.Kind != e.Kind {
		t.Errorf("decoded identity = (%q, %q), want (%q, %q)", got.ID, got.Kind, e.ID, e.Kind)
	}
	if string(got.Data) != string(e.Data) {
		t.Errorf("decoded payload = %s, want %s", got.Data, e.Data)
	}
}

// TestDecodePayload_TypedVariants checks the per-collection payload switch.
func TestDecodePayload_TypedVariants(t *testing.T) {
	e := testWork(t)
	p, err := DecodePayload(e)
	if err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	w, ok := p.(*Work)
	if !ok {
		t.Fatalf("payload type = %T, want *Work", p)
	}
	if !strings.Contains(w.Title, "Escher") {
		t.Errorf("Title = %q, want the original title", w.Title)
	}
}

// TestValidSHA256 checks the hash format gate used by asset payloads.
func TestValidSHA256(t *testing.T) {
	good := strings.Repeat("ab", 32)
	if !ValidSHA256(good) {
		t.Errorf("ValidSHA256(%q) = false, want true", good)
	}
	bad := []string{
		"",
		strings.Repeat("ab", 31),
		strings.Repeat("AB", 32),
		strings.Repeat("zz", 32),
	}
	for _, h := range bad {
		if ValidSHA256(h) {
			t.Errorf("ValidSHA256(%q) = true, want false", h)
		}
	}
}

// TestCollections_Complete checks the collection roster and validity gate.
func TestCollections_Complete(t *testing.T) {
	cols := Collections()
	if len(cols) != 8 {
		t.Fatalf("Collections() returned %d entries, want 8", len(cols))
	}
	for _, c := range cols {
		if !c.Valid() {
			t.Errorf("collection %q failed Valid()", c)
		}
	}
	if Collection("widgets").Valid() {
		t.Error("Valid() accepted an unknown collection")
	}
}

// TestAssetPayload_RequiresHash checks asset payload validation.
func TestAssetPayload_RequiresHash(t *testing.T) {
	a := &Asset{WorkID: uuid.NewString(), SHA256: "nope"}
	if err := a.Validate(); err == nil {
		t.Fatal("Validate() accepted a malformed asset hash")
	}
	a.SHA256 = strings.Repeat("0", 64)
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() rejected a well-formed asset: %v", err)
	}
}

// TestEntityClone_Independence checks that mutating a clone leaves the
// original intact.
func TestEntityClone_Independence(t *testing.T) {
	e := testWork(t)
	c := e.Clone()
	c.Data = json.RawMessage(`{"title":"other"}`)
	if string(e.Data) == string(c.Data) {
		t.Error("Clone() shares payload storage with the original")
	}
}
