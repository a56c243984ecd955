package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed body of an entity. Each synced collection has exactly
// one payload variant; the envelope's kind field selects it.
type Payload interface {
	Collection() Collection
	Validate() error
}

// Work is a library item: a book, paper, or other document.
type Work struct {
	Title    string            `json:"title"`
	Authors  []string          `json:"authors,omitempty"`
	Year     int               `json:"year,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (Work) Collection() Collection { return CollectionWorks }

func (w Work) Validate() error {
	if w.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(w.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(w.Title))
	}
	return nil
}

// Asset is a file attached to a work, addressed by content hash.
type Asset struct {
	WorkID   string `json:"work_id"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

func (Asset) Collection() Collection { return CollectionAssets }

func (a Asset) Validate() error {
	if a.WorkID == "" {
		return fmt.Errorf("work_id is required")
	}
	if !ValidSHA256(a.SHA256) {
		return fmt.Errorf("sha256 must be 64 hex characters")
	}
	if a.Size < 0 {
		return fmt.Errorf("size must not be negative")
	}
	return nil
}

// Annotation is a highlight or note anchored to a region of an asset.
type Annotation struct {
	AssetID  string          `json:"asset_id"`
	Type     string          `json:"type"` // rectangle, text-range
	Page     int             `json:"page,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	Color    string          `json:"color,omitempty"`
	Content  string          `json:"content,omitempty"`
}

func (Annotation) Collection() Collection { return CollectionAnnotations }

func (a Annotation) Validate() error {
	if a.AssetID == "" {
		return fmt.Errorf("asset_id is required")
	}
	switch a.Type {
	case "rectangle", "text-range":
	default:
		return fmt.Errorf("type must be rectangle or text-range (got %q)", a.Type)
	}
	if a.Page < 0 {
		return fmt.Errorf("page must not be negative")
	}
	return nil
}

// Card is a spaced-repetition flashcard derived from an annotation.
type Card struct {
	AnnotationID string     `json:"annotation_id,omitempty"`
	Front        string     `json:"front"`
	Back         string     `json:"back,omitempty"`
	Due          *time.Time `json:"due,omitempty"`
	Suspended    bool       `json:"suspended,omitempty"`
}

func (Card) Collection() Collection { return CollectionCards }

func (c Card) Validate() error {
	if c.Front == "" {
		return fmt.Errorf("front is required")
	}
	return nil
}

// Board is a whiteboard canvas.
type Board struct {
	Title  string `json:"title"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func (Board) Collection() Collection { return CollectionBoards }

func (b Board) Validate() error {
	if b.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// Stroke is one ink stroke on a board.
type Stroke struct {
	BoardID string          `json:"board_id"`
	Points  json.RawMessage `json:"points,omitempty"`
	Style   json.RawMessage `json:"style,omitempty"`
}

func (Stroke) Collection() Collection { return CollectionStrokes }

func (s Stroke) Validate() error {
	if s.BoardID == "" {
		return fmt.Errorf("board_id is required")
	}
	return nil
}

// Shelf is a named grouping of works (stored in the "collections" table).
type Shelf struct {
	Name    string   `json:"name"`
	WorkIDs []string `json:"work_ids,omitempty"`
}

func (Shelf) Collection() Collection { return CollectionShelves }

func (s Shelf) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Activity is an append-only usage event (opened a work, finished a review).
type Activity struct {
	Verb     string `json:"verb"`
	TargetID string `json:"target_id,omitempty"`
}

func (Activity) Collection() Collection { return CollectionActivities }

func (a Activity) Validate() error {
	if a.Verb == "" {
		return fmt.Errorf("verb is required")
	}
	return nil
}

// DecodePayload parses an entity's raw data into its typed payload variant
// and validates it. The variant is selected by the envelope's kind.
func DecodePayload(e *Entity) (Payload, error) {
	if e == nil {
		return nil, fmt.Errorf("entity is nil")
	}
	var p Payload
	switch e.Collection() {
	case CollectionWorks:
		p = &Work{}
	case CollectionAssets:
		p = &Asset{}
	case CollectionAnnotations:
		p = &Annotation{}
	case CollectionCards:
		p = &Card{}
	case CollectionBoards:
		p = &Board{}
	case CollectionStrokes:
		p = &Stroke{}
	case CollectionShelves:
		p = &Shelf{}
	case CollectionActivities:
		p = &Activity{}
	default:
		return nil, fmt.Errorf("unknown kind %q", e.Kind)
	}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", e.Kind, err)
	}
	return p, nil
}

// ValidSHA256 reports whether s looks like a lowercase hex SHA-256 digest.
func ValidSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
