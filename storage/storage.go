// Package storage defines the primitive operations a stream store needs from
// its backing database, plus the backends that implement them.
//
// Three implementations are provided:
//   - Postgres: production backend using pgx with LISTEN/NOTIFY support
//   - Bolt: embedded single-file backend using bbolt
//   - Memory: in-memory backend for tests and ephemeral use
//
// All backends provide identical semantics and can be used interchangeably.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Expected-version sentinels understood by Append and DeleteStream.
const (
	// AnyVersion skips the optimistic concurrency check entirely.
	AnyVersion int64 = -2

	// EmptyVersion requires that the stream holds no messages yet.
	EmptyVersion int64 = -1
)

// Common errors returned by drivers.
var (
	// ErrVersionConflict indicates the stream was not at the expected
	// version, or two appends raced on stream creation.
	ErrVersionConflict = errors.New("storage: stream is not at the expected version")

	// ErrClosed indicates the driver has been closed.
	ErrClosed = errors.New("storage: driver is closed")
)

// DuplicateIDError indicates a proposed message id already exists somewhere
// in the store. The offending id is carried on the error.
type DuplicateIDError struct {
	ID uuid.UUID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("storage: message id %s already exists", e.ID)
}

// ProposedMessage is a message that has not been written yet.
type ProposedMessage struct {
	ID   uuid.UUID       `json:"messageId"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Message is a persisted message. StreamVersion is dense and 0-based within
// its stream; Position is strictly increasing across the store but may have
// gaps. Position serializes as a decimal string so consumers that cannot
// represent values above 2^53 stay safe.
type Message struct {
	ID            uuid.UUID       `json:"messageId"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	StreamVersion int64           `json:"streamVersion"`
	Position      int64           `json:"position,string"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// StreamInfo describes the persisted stream row.
type StreamInfo struct {
	StreamID string
	Exists   bool

	// Version is the stream version of the last message, or -1 when the
	// stream holds no messages.
	Version int64

	// Position is the global position of the last message.
	Position int64

	// Retention hints. Persisted and surfaced but not acted upon here.
	MaxAge   *int64
	MaxCount *int64
}

// AppendResult is returned by a successful Append.
type AppendResult struct {
	Version  int64
	Position int64
	MaxAge   *int64
	MaxCount *int64
}

// StreamPage is a single read of one stream. Backends populate Info after
// reading the messages so that a concurrent append landing in between yields
// an Info at or past the last returned message, never behind it.
type StreamPage struct {
	Info     StreamInfo
	Messages []Message
}

// Driver executes the primitive storage operations atomically. A driver is
// safe for concurrent use; each call uses one connection (or one internal
// lock) for its duration and never holds it across calls.
type Driver interface {
	// Append writes messages to a stream in one transaction, assigning
	// dense stream versions and monotonic global positions. It returns
	// ErrVersionConflict when expectedVersion (EmptyVersion or an explicit
	// version) does not match the stream, and *DuplicateIDError when a
	// message id already exists.
	Append(ctx context.Context, streamID string, expectedVersion int64, now time.Time, messages []ProposedMessage) (AppendResult, error)

	// ReadStream reads up to count messages of one stream starting at the
	// version `from` (inclusive), plus the stream info. Backward reads
	// accept math.MaxInt64 as "from the end".
	ReadStream(ctx context.Context, streamID string, from int64, count int, backward bool) (StreamPage, error)

	// ReadAll reads up to count messages across all streams in global
	// position order starting at `from` (inclusive).
	ReadAll(ctx context.Context, from int64, count int, backward bool) ([]Message, error)

	// ReadHead returns the highest assigned global position, or 0 when the
	// store is empty.
	ReadHead(ctx context.Context) (int64, error)

	// SetRetention upserts the retention hints on the stream row.
	SetRetention(ctx context.Context, streamID string, maxAge, maxCount *int64) error

	// DeleteStream removes every message of a stream, subject to the same
	// expected-version check as Append. The stream row itself is kept so
	// versions and positions are never reused; only AnyVersion appends can
	// resurrect the id. Returns false when the stream never existed.
	DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (bool, error)

	// DeleteMessage removes a single message from a stream. Versions and
	// positions of other messages are unaffected. Deleting an unknown
	// message is a no-op.
	DeleteMessage(ctx context.Context, streamID string, id uuid.UUID) error

	// Close releases all resources. The driver must not be used afterwards.
	Close(ctx context.Context) error
}

// Listener is a dedicated change-notification channel to the backend.
// Implementations deliver at least one Wait return per committed append,
// coalescing is allowed.
type Listener interface {
	// Wait blocks until a change notification arrives, ctx is done, or the
	// connection fails.
	Wait(ctx context.Context) error

	// Ping verifies the listener connection is still alive.
	Ping(ctx context.Context) error

	// Close releases the listener.
	Close(ctx context.Context) error
}

// Notifying is implemented by drivers that can push change notifications.
// Drivers without push support are observed by polling instead.
type Notifying interface {
	NewListener(ctx context.Context) (Listener, error)
}
