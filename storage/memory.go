package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory implementation of Driver for tests and ephemeral
// stores. It also implements Notifying so subscriptions get push wakeups.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	all     []Message
	ids     map[uuid.UUID]string
	head    int64
	hub     notifyHub
	closed  bool
}

type memoryStream struct {
	info     StreamInfo
	messages []Message
}

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memoryStream),
		ids:     make(map[uuid.UUID]string),
	}
}

func (m *Memory) Append(ctx context.Context, streamID string, expectedVersion int64, now time.Time, messages []ProposedMessage) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return AppendResult{}, ErrClosed
	}

	stream, ok := m.streams[streamID]
	if !ok {
		stream = &memoryStream{info: StreamInfo{StreamID: streamID, Version: -1}}
	}

	switch {
	case expectedVersion == AnyVersion:
	case expectedVersion == EmptyVersion:
		if stream.info.Version != -1 {
			return AppendResult{}, ErrVersionConflict
		}
	default:
		if stream.info.Version != expectedVersion {
			return AppendResult{}, ErrVersionConflict
		}
	}

	// The id check covers the batch itself too, not just persisted ids.
	seen := make(map[uuid.UUID]struct{}, len(messages))
	for _, msg := range messages {
		if _, exists := m.ids[msg.ID]; exists {
			return AppendResult{}, &DuplicateIDError{ID: msg.ID}
		}
		if _, exists := seen[msg.ID]; exists {
			return AppendResult{}, &DuplicateIDError{ID: msg.ID}
		}
		seen[msg.ID] = struct{}{}
	}

	for _, msg := range messages {
		m.head++
		written := Message{
			ID:            msg.ID,
			StreamID:      streamID,
			Type:          msg.Type,
			Data:          msg.Data,
			Meta:          msg.Meta,
			StreamVersion: stream.info.Version + 1,
			Position:      m.head,
			CreatedAt:     now,
		}
		stream.messages = append(stream.messages, written)
		stream.info.Version = written.StreamVersion
		stream.info.Position = written.Position
		m.all = append(m.all, written)
		m.ids[msg.ID] = streamID
	}
	stream.info.Exists = true
	m.streams[streamID] = stream

	m.hub.notify()

	return AppendResult{
		Version:  stream.info.Version,
		Position: stream.info.Position,
		MaxAge:   stream.info.MaxAge,
		MaxCount: stream.info.MaxCount,
	}, nil
}

func (m *Memory) ReadStream(ctx context.Context, streamID string, from int64, count int, backward bool) (StreamPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return StreamPage{}, ErrClosed
	}

	stream, ok := m.streams[streamID]
	if !ok {
		return StreamPage{Info: StreamInfo{StreamID: streamID, Version: -1}}, nil
	}

	var out []Message
	if backward {
		for i := len(stream.messages) - 1; i >= 0 && len(out) < count; i-- {
			if stream.messages[i].StreamVersion <= from {
				out = append(out, stream.messages[i])
			}
		}
	} else {
		for _, msg := range stream.messages {
			if len(out) == count {
				break
			}
			if msg.StreamVersion >= from {
				out = append(out, msg)
			}
		}
	}

	return StreamPage{Info: stream.info, Messages: out}, nil
}

func (m *Memory) ReadAll(ctx context.Context, from int64, count int, backward bool) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var out []Message
	if backward {
		for i := len(m.all) - 1; i >= 0 && len(out) < count; i-- {
			if m.all[i].Position <= from {
				out = append(out, m.all[i])
			}
		}
	} else {
		for _, msg := range m.all {
			if len(out) == count {
				break
			}
			if msg.Position >= from {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (m *Memory) ReadHead(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	return m.head, nil
}

func (m *Memory) SetRetention(ctx context.Context, streamID string, maxAge, maxCount *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	stream, ok := m.streams[streamID]
	if !ok {
		stream = &memoryStream{info: StreamInfo{StreamID: streamID, Version: -1}}
		m.streams[streamID] = stream
	}
	stream.info.MaxAge = maxAge
	stream.info.MaxCount = maxCount
	return nil
}

func (m *Memory) DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	stream, ok := m.streams[streamID]
	if !ok {
		return false, nil
	}

	if expectedVersion != AnyVersion && stream.info.Version != expectedVersion {
		return false, ErrVersionConflict
	}

	for _, msg := range stream.messages {
		delete(m.ids, msg.ID)
	}
	m.dropFromAll(streamID)
	// The row is kept so versions are never reused; only AnyVersion can
	// write to this id again.
	stream.messages = nil
	return true, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, streamID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	owner, ok := m.ids[id]
	if !ok || owner != streamID {
		return nil
	}

	stream := m.streams[streamID]
	for i, msg := range stream.messages {
		if msg.ID == id {
			stream.messages = append(stream.messages[:i], stream.messages[i+1:]...)
			break
		}
	}
	for i, msg := range m.all {
		if msg.ID == id {
			m.all = append(m.all[:i], m.all[i+1:]...)
			break
		}
	}
	delete(m.ids, id)
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.closeAll()
	return nil
}

// NewListener implements Notifying using an in-process coalescing channel.
func (m *Memory) NewListener(ctx context.Context) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	return m.hub.newListener(), nil
}

func (m *Memory) dropFromAll(streamID string) {
	kept := m.all[:0]
	for _, msg := range m.all {
		if msg.StreamID != streamID {
			kept = append(kept, msg)
		}
	}
	m.all = kept
}

// notifyHub fans a "something was written" hint out to in-process listeners.
// Shared by the memory and bolt backends.
type notifyHub struct {
	mu        sync.Mutex
	listeners map[*hubListener]struct{}
}

type hubListener struct {
	hub  *notifyHub
	ch   chan struct{}
	dead chan struct{}
}

func (h *notifyHub) newListener() *hubListener {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[*hubListener]struct{})
	}
	l := &hubListener{
		hub:  h,
		ch:   make(chan struct{}, 1),
		dead: make(chan struct{}),
	}
	h.listeners[l] = struct{}{}
	return l
}

func (h *notifyHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for l := range h.listeners {
		select {
		case l.ch <- struct{}{}:
		default:
		}
	}
}

func (h *notifyHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for l := range h.listeners {
		close(l.dead)
	}
	h.listeners = nil
}

func (h *notifyHub) remove(l *hubListener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[l]; ok {
		delete(h.listeners, l)
		close(l.dead)
	}
}

func (l *hubListener) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-l.dead:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *hubListener) Ping(ctx context.Context) error {
	select {
	case <-l.dead:
		return ErrClosed
	default:
		return nil
	}
}

func (l *hubListener) Close(ctx context.Context) error {
	l.hub.remove(l)
	return nil
}

var _ Driver = (*Memory)(nil)
var _ Notifying = (*Memory)(nil)
