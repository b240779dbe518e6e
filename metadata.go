package streamsource

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// GetStreamMetadata returns the latest metadata of a stream, read from the
// last message of its $$<streamId> companion stream. A stream without
// metadata yields MetadataStreamVersion -1.
func (s *Store) GetStreamMetadata(ctx context.Context, streamID string) (StreamMetadataResult, error) {
	if err := validateStreamID(streamID); err != nil {
		return StreamMetadataResult{}, err
	}

	page, err := s.driver.ReadStream(ctx, MetadataStreamID(streamID), VersionEnd, 1, true)
	if err != nil {
		return StreamMetadataResult{}, &StorageError{Op: "read stream metadata", Err: err}
	}

	result := StreamMetadataResult{StreamID: streamID, MetadataStreamVersion: -1}
	if len(page.Messages) == 0 {
		return result, nil
	}

	var meta StreamMetadata
	if err := json.Unmarshal(page.Messages[0].Data, &meta); err != nil {
		return StreamMetadataResult{}, &StorageError{Op: "decode stream metadata", Err: err}
	}

	result.MetadataStreamVersion = page.Messages[0].StreamVersion
	result.Metadata = meta.Metadata
	result.MaxAge = meta.MaxAge
	result.MaxCount = meta.MaxCount
	return result, nil
}

// SetStreamMetadata appends a new metadata message to the $$<streamId>
// companion stream and updates the retention hints on the stream row.
// expectedVersion is checked against the metadata stream, so concurrent
// metadata writers are serialized the same way appends are. Returns the new
// metadata stream version.
func (s *Store) SetStreamMetadata(ctx context.Context, streamID string, expectedVersion int64, metadata StreamMetadata) (int64, error) {
	if err := validateStreamID(streamID); err != nil {
		return 0, err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return 0, err
	}

	exit := s.latch.enter()
	defer exit()
	if s.closing.Load() {
		return 0, ErrStoreClosed
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return 0, invalidParam("metadata", "must be serializable")
	}

	out, err := s.appendWithRetry(ctx, MetadataStreamID(streamID), expectedVersion, []NewMessage{{
		ID:   uuid.New(),
		Type: MessageTypeStreamMetadata,
		Data: payload,
	}})
	if err != nil {
		return 0, err
	}

	if err := s.driver.SetRetention(ctx, streamID, metadata.MaxAge, metadata.MaxCount); err != nil {
		return 0, &StorageError{Op: "set retention", Err: err}
	}

	return out.Version, nil
}
