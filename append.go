package streamsource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeffijoe/streamsource/storage"
)

// Retry policy for version conflicts under AnyVersion: two appends that
// raced on stream creation are both valid, so the loser simply tries again.
const (
	appendMaxAttempts   = 200
	appendBackoffFactor = 1.05
	appendMaxDelay      = 50 * time.Millisecond
)

// AppendToStream appends messages to a stream with optimistic concurrency.
//
// expectedVersion is AnyVersion, EmptyVersion, or the 0-based version the
// stream is expected to be at. With AnyVersion, conflicting appends are
// retried internally; with any other value a conflict fails with
// ErrWrongExpectedVersion. A message id that already exists anywhere in the
// store fails with *DuplicateMessageError and is never retried.
func (s *Store) AppendToStream(ctx context.Context, streamID string, expectedVersion int64, messages []NewMessage) (AppendResult, error) {
	if err := validateStreamID(streamID); err != nil {
		return AppendResult{}, err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return AppendResult{}, err
	}
	if err := validateNewMessages(messages); err != nil {
		return AppendResult{}, err
	}

	exit := s.latch.enter()
	defer exit()
	if s.closing.Load() {
		return AppendResult{}, ErrStoreClosed
	}

	out, err := s.appendWithRetry(ctx, streamID, expectedVersion, messages)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{StreamVersion: out.Version, StreamPosition: out.Position}, nil
}

// appendWithRetry drives the driver append, classifying conflicts and
// retrying the AnyVersion case with exponential backoff. Callers hold the
// write latch.
func (s *Store) appendWithRetry(ctx context.Context, streamID string, expectedVersion int64, messages []NewMessage) (storage.AppendResult, error) {
	delay := time.Duration(0)
	for attempt := 1; ; attempt++ {
		out, err := s.driver.Append(ctx, streamID, expectedVersion, s.cfg.now(), messages)
		if err == nil {
			return out, nil
		}

		var dup *storage.DuplicateIDError
		if errors.As(err, &dup) {
			return storage.AppendResult{}, &DuplicateMessageError{ID: dup.ID}
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return storage.AppendResult{}, &StorageError{Op: "append", Err: err}
		}
		if expectedVersion != AnyVersion || attempt >= appendMaxAttempts {
			return storage.AppendResult{}, ErrWrongExpectedVersion
		}

		if !sleepCtx(ctx, delay) {
			return storage.AppendResult{}, ctx.Err()
		}
		if delay == 0 {
			delay = time.Millisecond
		} else {
			delay = minDuration(time.Duration(float64(delay)*appendBackoffFactor), appendMaxDelay)
		}
		s.log.Debug("append conflicted, retrying",
			zap.String("streamId", streamID),
			zap.Int("attempt", attempt))
	}
}

// DeleteStream removes every message of a stream (and its metadata stream),
// subject to the same expected-version check as AppendToStream, and records
// the deletion on the $deleted operational stream. Versions and positions of
// a deleted id are never reused; only AnyVersion appends can write to it
// again.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion int64) error {
	if err := validateStreamID(streamID); err != nil {
		return err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return err
	}

	exit := s.latch.enter()
	defer exit()
	if s.closing.Load() {
		return ErrStoreClosed
	}

	existed, err := s.deleteWithRetry(ctx, streamID, expectedVersion)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}

	if _, err := s.driver.DeleteStream(ctx, MetadataStreamID(streamID), storage.AnyVersion); err != nil {
		return &StorageError{Op: "delete metadata stream", Err: err}
	}

	payload, err := json.Marshal(struct {
		StreamID string `json:"streamId"`
	}{StreamID: streamID})
	if err != nil {
		return err
	}
	_, err = s.appendWithRetry(ctx, DeletedStreamID, storage.AnyVersion, []NewMessage{{
		ID:   uuid.New(),
		Type: MessageTypeStreamDeleted,
		Data: payload,
	}})
	return err
}

func (s *Store) deleteWithRetry(ctx context.Context, streamID string, expectedVersion int64) (bool, error) {
	delay := time.Duration(0)
	for attempt := 1; ; attempt++ {
		existed, err := s.driver.DeleteStream(ctx, streamID, expectedVersion)
		if err == nil {
			return existed, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return false, &StorageError{Op: "delete stream", Err: err}
		}
		if expectedVersion != AnyVersion || attempt >= appendMaxAttempts {
			return false, ErrWrongExpectedVersion
		}
		if !sleepCtx(ctx, delay) {
			return false, ctx.Err()
		}
		if delay == 0 {
			delay = time.Millisecond
		} else {
			delay = minDuration(time.Duration(float64(delay)*appendBackoffFactor), appendMaxDelay)
		}
	}
}

// DeleteMessage removes a single message from a stream. Deleting an unknown
// message is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, streamID string, id uuid.UUID) error {
	if streamID == "" {
		return invalidParam("streamId", "is required")
	}

	exit := s.latch.enter()
	defer exit()
	if s.closing.Load() {
		return ErrStoreClosed
	}

	if err := s.driver.DeleteMessage(ctx, streamID, id); err != nil {
		return &StorageError{Op: "delete message", Err: err}
	}
	return nil
}

func validateStreamID(streamID string) error {
	if streamID == "" {
		return invalidParam("streamId", "is required")
	}
	if isOperational(streamID) {
		return invalidParam("streamId", "must not start with $")
	}
	return nil
}

func validateExpectedVersion(expectedVersion int64) error {
	if expectedVersion < AnyVersion {
		return invalidParam("expectedVersion", "must be a version, AnyVersion or EmptyVersion")
	}
	return nil
}

func validateNewMessages(messages []NewMessage) error {
	if len(messages) == 0 {
		return invalidParam("messages", "is required")
	}
	for _, msg := range messages {
		if msg.ID == uuid.Nil {
			return invalidParam("messageId", "must be a UUID")
		}
		if msg.Type == "" {
			return invalidParam("type", "is required")
		}
		if msg.Data == nil {
			return invalidParam("data", "is required")
		}
	}
	return nil
}
