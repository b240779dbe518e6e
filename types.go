// Package streamsource is a stream store layered over a relational database.
// It persists ordered, immutable messages into named streams, assigns each
// message a dense per-stream version and a monotonic global position, exposes
// range reads over single streams and the global "all" view, and lets
// consumers subscribe to live tails of either view with at-least-once
// delivery.
//
// Basic usage:
//
//	driver, _ := storage.NewPostgres(ctx, dsn)
//	store := streamsource.New(driver)
//	defer store.Close()
//
//	_, err := store.AppendToStream(ctx, "order-123", streamsource.EmptyVersion, []streamsource.NewMessage{
//		{ID: uuid.New(), Type: "OrderPlaced", Data: payload},
//	})
package streamsource

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/jeffijoe/streamsource/storage"
)

// Expected-version sentinels for AppendToStream and DeleteStream.
const (
	// AnyVersion skips the optimistic concurrency check. Appends with
	// AnyVersion are retried internally on conflict.
	AnyVersion = storage.AnyVersion

	// EmptyVersion requires the stream to hold no messages yet.
	EmptyVersion = storage.EmptyVersion
)

// Position and version sentinels for reads.
const (
	// PositionStart reads the all view from the beginning.
	PositionStart int64 = 0

	// PositionEnd reads the all view from the end (backward reads).
	PositionEnd int64 = math.MaxInt64

	// VersionStart reads a stream from the beginning.
	VersionStart int64 = 0

	// VersionEnd reads a stream from the end (backward reads).
	VersionEnd int64 = math.MaxInt64
)

// Operational stream ids and message types. Stream ids starting with "$" are
// reserved and rejected by caller-initiated writes.
const (
	// DeletedStreamID is the global deletion log.
	DeletedStreamID = "$deleted"

	// MessageTypeStreamDeleted marks entries on the deletion log.
	MessageTypeStreamDeleted = "$streamDeleted"

	// MessageTypeStreamMetadata marks metadata-stream entries.
	MessageTypeStreamMetadata = "$streamMetadata"

	operationalPrefix    = "$"
	metadataStreamPrefix = "$$"
)

// MetadataStreamID returns the id of the companion metadata stream for a
// user stream.
func MetadataStreamID(streamID string) string {
	return metadataStreamPrefix + streamID
}

func isOperational(streamID string) bool {
	return strings.HasPrefix(streamID, operationalPrefix)
}

// Message is a persisted message. See storage.Message.
type Message = storage.Message

// NewMessage is a message proposed for appending. See storage.ProposedMessage.
type NewMessage = storage.ProposedMessage

// ReadDirection selects forward or backward iteration for range reads.
type ReadDirection int

const (
	ReadForward ReadDirection = iota
	ReadBackward
)

// AppendResult reports where an append landed.
type AppendResult struct {
	StreamVersion  int64 `json:"streamVersion"`
	StreamPosition int64 `json:"streamPosition,string"`
}

// ReadStreamResult is one page of a single-stream read.
type ReadStreamResult struct {
	StreamID       string    `json:"streamId"`
	StreamVersion  int64     `json:"streamVersion"`
	StreamPosition int64     `json:"streamPosition,string"`
	NextVersion    int64     `json:"nextVersion"`
	IsEnd          bool      `json:"isEnd"`
	Messages       []Message `json:"messages"`
}

// ReadAllResult is one page of an all-view read.
type ReadAllResult struct {
	Messages     []Message `json:"messages"`
	NextPosition int64     `json:"nextPosition,string"`
	IsEnd        bool      `json:"isEnd"`
}

// StreamMetadata is the user-controlled metadata of a stream, stored on the
// companion $$<streamId> stream. MaxAge (seconds) and MaxCount are retention
// hints; they are persisted end to end but scavenging is not implemented.
type StreamMetadata struct {
	Metadata json.RawMessage `json:"metadata"`
	MaxAge   *int64          `json:"maxAge,omitempty"`
	MaxCount *int64          `json:"maxCount,omitempty"`
}

// StreamMetadataResult is the latest metadata of a stream.
type StreamMetadataResult struct {
	StreamID string `json:"streamId"`

	// MetadataStreamVersion is the version of the metadata stream the
	// result was read at, or -1 when no metadata was ever written. Pass it
	// as the expected version of the next SetStreamMetadata call.
	MetadataStreamVersion int64 `json:"metadataStreamVersion"`

	Metadata json.RawMessage `json:"metadata"`
	MaxAge   *int64          `json:"maxAge,omitempty"`
	MaxCount *int64          `json:"maxCount,omitempty"`
}

// FormatPosition renders a global position in its decimal wire form.
func FormatPosition(position int64) string {
	return strconv.FormatInt(position, 10)
}

// ParsePosition parses the decimal wire form of a global position.
func ParsePosition(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
