package streamsource

import (
	"context"

	"go.uber.org/zap"

	"github.com/jeffijoe/streamsource/storage"
)

// ReadStream reads up to count messages of one stream starting at the
// version `from` (inclusive). Backward reads accept VersionEnd as the
// starting point. Reading a stream that does not exist returns the zero
// result (StreamVersion 0, IsEnd true, no messages).
func (s *Store) ReadStream(ctx context.Context, streamID string, from int64, count int, direction ReadDirection) (ReadStreamResult, error) {
	if streamID == "" {
		return ReadStreamResult{}, invalidParam("streamId", "is required")
	}
	if count <= 0 {
		return ReadStreamResult{}, invalidParam("count", "must be greater than zero")
	}
	if from < 0 {
		return ReadStreamResult{}, invalidParam("fromVersionInclusive", "must not be negative")
	}

	backward := direction == ReadBackward

	// One extra row is requested to learn whether the read hit the end.
	page, err := s.driver.ReadStream(ctx, streamID, from, count+1, backward)
	if err != nil {
		return ReadStreamResult{}, &StorageError{Op: "read stream", Err: err}
	}

	if !page.Info.Exists {
		return ReadStreamResult{
			StreamID: streamID,
			IsEnd:    true,
			Messages: []Message{},
		}, nil
	}

	messages := page.Messages
	if messages == nil {
		messages = []Message{}
	}
	isEnd := true
	if len(messages) > count {
		messages = messages[:count]
		isEnd = false
	}

	return ReadStreamResult{
		StreamID:       streamID,
		StreamVersion:  page.Info.Version,
		StreamPosition: page.Info.Position,
		NextVersion:    nextVersion(page.Info, messages, isEnd, backward),
		IsEnd:          isEnd,
		Messages:       messages,
	}, nil
}

func nextVersion(info storage.StreamInfo, messages []Message, isEnd, backward bool) int64 {
	if backward {
		last := int64(0)
		if !isEnd && len(messages) > 0 {
			last = messages[len(messages)-1].StreamVersion
		}
		if last-1 < 0 {
			return 0
		}
		return last - 1
	}
	if isEnd {
		return info.Version + 1
	}
	return messages[len(messages)-1].StreamVersion + 1
}

// ReadAll reads up to count messages across all streams in global position
// order starting at `from` (inclusive). Forward reads pass through gap
// detection so a subscriber never observes position p, then p+2, with p+1
// committing later.
func (s *Store) ReadAll(ctx context.Context, from int64, count int, direction ReadDirection) (ReadAllResult, error) {
	if count <= 0 {
		return ReadAllResult{}, invalidParam("count", "must be greater than zero")
	}
	if from < 0 {
		return ReadAllResult{}, invalidParam("fromPositionInclusive", "must not be negative")
	}

	var messages []Message
	var err error
	if direction == ReadBackward {
		messages, err = s.driver.ReadAll(ctx, from, count+1, true)
	} else {
		messages, err = s.readAllForward(ctx, from, count+1)
	}
	if err != nil {
		return ReadAllResult{}, err
	}

	if messages == nil {
		messages = []Message{}
	}
	isEnd := true
	if len(messages) > count {
		messages = messages[:count]
		isEnd = false
	}

	next := from
	if direction == ReadBackward {
		next = 0
		if len(messages) > 0 {
			next = messages[len(messages)-1].Position - 1
			if next < 0 {
				next = 0
			}
		}
	} else if len(messages) > 0 {
		next = messages[len(messages)-1].Position + 1
	}

	return ReadAllResult{
		Messages:     messages,
		NextPosition: next,
		IsEnd:        isEnd,
	}, nil
}

// readAllForward is the gap-detecting forward all-reader. The global
// position sequence may show holes for transactions that reserved positions
// but have not committed yet. A full page with a hole is re-read after a
// delay; if the hole persists through every reload it belonged to a
// rolled-back transaction and the page is returned as-is.
func (s *Store) readAllForward(ctx context.Context, from int64, count int) ([]Message, error) {
	messages, err := s.driver.ReadAll(ctx, from, count, false)
	if err != nil {
		return nil, &StorageError{Op: "read all", Err: err}
	}
	// A short page means the tail was reached; trailing gaps are resolved
	// by the next read.
	if count == 0 || len(messages) < count {
		return messages, nil
	}

	for reload := 0; reload < s.cfg.gapReloadTimes; reload++ {
		gapAt := findGap(messages)
		if gapAt < 0 {
			return messages, nil
		}

		s.log.Debug("gap detected in all read, reloading",
			zap.Int64("position", messages[gapAt].Position),
			zap.Int("reload", reload+1))

		if !sleepCtx(ctx, s.cfg.gapReloadDelay) {
			return nil, ctx.Err()
		}

		messages, err = s.driver.ReadAll(ctx, from, count, false)
		if err != nil {
			return nil, &StorageError{Op: "read all", Err: err}
		}
		if len(messages) < count {
			return messages, nil
		}
	}

	if gapAt := findGap(messages); gapAt >= 0 {
		s.log.Debug("gap still present after reloads, accepting as permanent",
			zap.Int64("position", messages[gapAt].Position))
	}
	return messages, nil
}

// findGap returns the index before the first hole in the position sequence,
// or -1 when the page is contiguous.
func findGap(messages []Message) int {
	for i := 0; i+1 < len(messages); i++ {
		if messages[i+1].Position-messages[i].Position > 1 {
			return i
		}
	}
	return -1
}

// ReadHeadPosition returns the highest assigned global position, or 0 when
// the store is empty.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	head, err := s.driver.ReadHead(ctx)
	if err != nil {
		return 0, &StorageError{Op: "read head", Err: err}
	}
	return head, nil
}
