package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Bucket layout:
//
//	streams:  stream id -> json stream row
//	log:      position (8-byte big-endian) -> json message
//	byStream: one nested bucket per stream id, version (8BE) -> position (8BE)
//	ids:      message id (16 bytes) -> position (8BE)
//	meta:     "head" -> position (8BE)
var (
	bucketStreams  = []byte("streams")
	bucketLog      = []byte("log")
	bucketByStream = []byte("byStream")
	bucketIDs      = []byte("ids")
	bucketMeta     = []byte("meta")

	keyHead = []byte("head")
)

// Bolt is a single-file implementation of Driver backed by bbolt. Writes are
// serialized by bbolt's single update transaction, which doubles as the
// per-stream append serialization.
type Bolt struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	hub    notifyHub
	closed bool
}

type boltStreamRow struct {
	Version  int64  `json:"version"`
	Position int64  `json:"position"`
	MaxAge   *int64 `json:"maxAge,omitempty"`
	MaxCount *int64 `json:"maxCount,omitempty"`
}

type boltMessage struct {
	ID            uuid.UUID       `json:"messageId"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	StreamVersion int64           `json:"streamVersion"`
	Position      int64           `json:"position"`
	CreatedAt     int64           `json:"createdAt"` // Unix millis
}

// NewBolt opens (or creates) a bolt store at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketStreams, bucketLog, bucketByStream, bucketIDs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Append(ctx context.Context, streamID string, expectedVersion int64, now time.Time, messages []ProposedMessage) (AppendResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return AppendResult{}, ErrClosed
	}

	var result AppendResult
	err := b.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		row, err := readStreamRow(streams, streamID)
		if err != nil {
			return err
		}

		switch {
		case expectedVersion == AnyVersion:
		case expectedVersion == EmptyVersion:
			if row.Version != -1 {
				return ErrVersionConflict
			}
		default:
			if row.Version != expectedVersion {
				return ErrVersionConflict
			}
		}

		// The id check covers the batch itself too, not just persisted ids.
		ids := tx.Bucket(bucketIDs)
		seen := make(map[uuid.UUID]struct{}, len(messages))
		for _, msg := range messages {
			if ids.Get(msg.ID[:]) != nil {
				return &DuplicateIDError{ID: msg.ID}
			}
			if _, exists := seen[msg.ID]; exists {
				return &DuplicateIDError{ID: msg.ID}
			}
			seen[msg.ID] = struct{}{}
		}

		meta := tx.Bucket(bucketMeta)
		head := getInt64(meta, keyHead)

		log := tx.Bucket(bucketLog)
		index, err := tx.Bucket(bucketByStream).CreateBucketIfNotExists([]byte(streamID))
		if err != nil {
			return err
		}

		for _, msg := range messages {
			head++
			row.Version++
			row.Position = head

			encoded, err := json.Marshal(boltMessage{
				ID:            msg.ID,
				StreamID:      streamID,
				Type:          msg.Type,
				Data:          msg.Data,
				Meta:          msg.Meta,
				StreamVersion: row.Version,
				Position:      head,
				CreatedAt:     now.UnixMilli(),
			})
			if err != nil {
				return err
			}

			if err := log.Put(be64(head), encoded); err != nil {
				return err
			}
			if err := index.Put(be64(row.Version), be64(head)); err != nil {
				return err
			}
			if err := ids.Put(msg.ID[:], be64(head)); err != nil {
				return err
			}
		}

		if err := putInt64(meta, keyHead, head); err != nil {
			return err
		}
		if err := writeStreamRow(streams, streamID, row); err != nil {
			return err
		}

		result = AppendResult{
			Version:  row.Version,
			Position: row.Position,
			MaxAge:   row.MaxAge,
			MaxCount: row.MaxCount,
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	b.hub.notify()
	return result, nil
}

func (b *Bolt) ReadStream(ctx context.Context, streamID string, from int64, count int, backward bool) (StreamPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return StreamPage{}, ErrClosed
	}

	page := StreamPage{Info: StreamInfo{StreamID: streamID, Version: -1}}
	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketByStream).Bucket([]byte(streamID))
		log := tx.Bucket(bucketLog)

		if index != nil {
			cursor := index.Cursor()
			step := cursor.Next
			k, v := cursor.Seek(be64(from))
			if backward {
				step = cursor.Prev
				// Seek lands at the first key >= from; backward reads
				// want the last key <= from.
				if k == nil {
					k, v = cursor.Last()
				} else if fromInt64(k) > from {
					k, v = cursor.Prev()
				}
			}
			for ; k != nil && len(page.Messages) < count; k, v = step() {
				msg, err := decodeMessage(log.Get(v))
				if err != nil {
					return err
				}
				page.Messages = append(page.Messages, msg)
			}
		}

		// Info is resolved after the messages on purpose; see StreamPage.
		row, exists, err := maybeStreamRow(tx.Bucket(bucketStreams), streamID)
		if err != nil {
			return err
		}
		if exists {
			page.Info = StreamInfo{
				StreamID: streamID,
				Exists:   true,
				Version:  row.Version,
				Position: row.Position,
				MaxAge:   row.MaxAge,
				MaxCount: row.MaxCount,
			}
		}
		return nil
	})
	if err != nil {
		return StreamPage{}, err
	}
	return page, nil
}

func (b *Bolt) ReadAll(ctx context.Context, from int64, count int, backward bool) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	var out []Message
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketLog).Cursor()
		step := cursor.Next
		k, v := cursor.Seek(be64(from))
		if backward {
			step = cursor.Prev
			if k == nil {
				k, v = cursor.Last()
			} else if fromInt64(k) > from {
				k, v = cursor.Prev()
			}
		}
		for ; k != nil && len(out) < count; k, v = step() {
			msg, err := decodeMessage(v)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) ReadHead(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}

	var head int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		head = getInt64(tx.Bucket(bucketMeta), keyHead)
		return nil
	})
	return head, err
}

func (b *Bolt) SetRetention(ctx context.Context, streamID string, maxAge, maxCount *int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		row, err := readStreamRow(streams, streamID)
		if err != nil {
			return err
		}
		row.MaxAge = maxAge
		row.MaxCount = maxCount
		return writeStreamRow(streams, streamID, row)
	})
}

func (b *Bolt) DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, ErrClosed
	}

	existed := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		row, exists, err := maybeStreamRow(streams, streamID)
		if err != nil || !exists {
			return err
		}

		if expectedVersion != AnyVersion && row.Version != expectedVersion {
			return ErrVersionConflict
		}
		existed = true

		byStream := tx.Bucket(bucketByStream)
		index := byStream.Bucket([]byte(streamID))
		if index == nil {
			return nil
		}

		log := tx.Bucket(bucketLog)
		ids := tx.Bucket(bucketIDs)
		cursor := index.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			msg, err := decodeMessage(log.Get(v))
			if err != nil {
				return err
			}
			if err := ids.Delete(msg.ID[:]); err != nil {
				return err
			}
			if err := log.Delete(v); err != nil {
				return err
			}
		}
		// The stream row is kept; see Driver.DeleteStream.
		return byStream.DeleteBucket([]byte(streamID))
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (b *Bolt) DeleteMessage(ctx context.Context, streamID string, id uuid.UUID) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		pos := ids.Get(id[:])
		if pos == nil {
			return nil
		}

		log := tx.Bucket(bucketLog)
		msg, err := decodeMessage(log.Get(pos))
		if err != nil {
			return err
		}
		if msg.StreamID != streamID {
			return nil
		}

		if index := tx.Bucket(bucketByStream).Bucket([]byte(streamID)); index != nil {
			if err := index.Delete(be64(msg.StreamVersion)); err != nil {
				return err
			}
		}
		if err := log.Delete(pos); err != nil {
			return err
		}
		return ids.Delete(id[:])
	})
}

func (b *Bolt) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.hub.closeAll()
	return b.db.Close()
}

// NewListener implements Notifying using an in-process coalescing channel.
func (b *Bolt) NewListener(ctx context.Context) (Listener, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	return b.hub.newListener(), nil
}

func readStreamRow(streams *bbolt.Bucket, streamID string) (boltStreamRow, error) {
	row, exists, err := maybeStreamRow(streams, streamID)
	if err != nil {
		return boltStreamRow{}, err
	}
	if !exists {
		return boltStreamRow{Version: -1}, nil
	}
	return row, nil
}

func maybeStreamRow(streams *bbolt.Bucket, streamID string) (boltStreamRow, bool, error) {
	data := streams.Get([]byte(streamID))
	if data == nil {
		return boltStreamRow{}, false, nil
	}
	var row boltStreamRow
	if err := json.Unmarshal(data, &row); err != nil {
		return boltStreamRow{}, false, fmt.Errorf("unmarshaling stream row: %w", err)
	}
	return row, true, nil
}

func writeStreamRow(streams *bbolt.Bucket, streamID string, row boltStreamRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return streams.Put([]byte(streamID), data)
}

func decodeMessage(data []byte) (Message, error) {
	var bm boltMessage
	if err := json.Unmarshal(data, &bm); err != nil {
		return Message{}, fmt.Errorf("unmarshaling message: %w", err)
	}
	return Message{
		ID:            bm.ID,
		StreamID:      bm.StreamID,
		Type:          bm.Type,
		Data:          bm.Data,
		Meta:          bm.Meta,
		StreamVersion: bm.StreamVersion,
		Position:      bm.Position,
		CreatedAt:     time.UnixMilli(bm.CreatedAt),
	}, nil
}

func getInt64(bucket *bbolt.Bucket, key []byte) int64 {
	v := bucket.Get(key)
	if v == nil {
		return 0
	}
	return fromInt64(v)
}

func putInt64(bucket *bbolt.Bucket, key []byte, v int64) error {
	return bucket.Put(key, be64(v))
}

func be64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func fromInt64(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

var _ Driver = (*Bolt)(nil)
var _ Notifying = (*Bolt)(nil)
