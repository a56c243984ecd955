// Package feed consumes the change-feed service: per-collection streams of
// committed row changes ("shapes") with resumable offsets.
//
// The package has three layers: Stream (the wire client, websocket-backed in
// production, faked in tests), Subscriber (one per collection, the sole
// writer of that collection's synced table), and Manager (owns subscriber
// lifecycle and enforces the single-writer invariant process-wide).
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/deeprecall/recall-sync/internal/entity"
)

// ErrOffsetExpired reports that the feed no longer retains history at the
// requested offset; the subscriber must fall back to a full resync.
var ErrOffsetExpired = errors.New("feed offset expired")

// Change is one committed row change.
type Change struct {
	Op entity.Op `json:"op"`
	// Entity is the full row snapshot for create/update.
	Entity *entity.Entity `json:"entity,omitempty"`
	// EntityID is always set; for delete it is the only payload.
	EntityID string `json:"entity_id"`
}

// Message is one feed frame: a batch of ordered changes plus the offset to
// resume from. UpToDate marks the transition from initial catch-up to live
// tailing.
type Message struct {
	Changes  []Change `json:"changes"`
	Offset   string   `json:"offset"`
	UpToDate bool     `json:"up_to_date"`
	// Control carries out-of-band instructions; "must-refetch" means the
	// requested offset is no longer available.
	Control string `json:"control,omitempty"`
}

// Subscription is one live per-collection stream.
type Subscription interface {
	// Recv blocks for the next frame. It returns ErrOffsetExpired when
	// the server rejects the resume offset, and the underlying transport
	// error on disconnect.
	Recv(ctx context.Context) (*Message, error)
	Close() error
}

// Stream opens per-collection subscriptions.
type Stream interface {
	// Subscribe opens a stream for one collection starting after offset.
	// An empty offset requests the full initial snapshot.
	Subscribe(ctx context.Context, col entity.Collection, offset string) (Subscription, error)
}

// WebsocketStream implements Stream against the change-feed service's
// websocket endpoint.
type WebsocketStream struct {
	baseURL string
}

// NewWebsocketStream creates a stream client for the given service URL
// (e.g. wss://feed.example.com).
func NewWebsocketStream(baseURL string) (*WebsocketStream, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	return &WebsocketStream{baseURL: baseURL}, nil
}

// Subscribe implements Stream.
func (s *WebsocketStream) Subscribe(ctx context.Context, col entity.Collection, offset string) (Subscription, error) {
	if !col.Valid() {
		return nil, fmt.Errorf("unknown collection %q", col)
	}

	u, err := url.Parse(s.baseURL + "/v1/shape")
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	q := u.Query()
	q.Set("collection", string(col))
	if offset != "" {
		q.Set("offset", offset)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed for %s: %w", col, err)
	}
	// Feed frames can be large during initial catch-up.
	conn.SetReadLimit(16 << 20)

	return &wsSubscription{conn: conn}, nil
}

type wsSubscription struct {
	conn *websocket.Conn
}

func (s *wsSubscription) Recv(ctx context.Context) (*Message, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed read failed: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode feed frame: %w", err)
	}
	if msg.Control == "must-refetch" {
		return nil, ErrOffsetExpired
	}
	return &msg, nil
}

func (s *wsSubscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}
