package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

// The conformance suite runs against every backend; each subtest gets a fresh
// driver so positions start from 1.
func runDriverConformance(t *testing.T, newDriver func(t *testing.T) Driver) {
	t.Run("AppendAssignsVersionsAndPositions", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		first := mustAppend(t, driver, "orders-1", EmptyVersion, proposed("A"), proposed("B"))
		if first.Version != 1 {
			t.Errorf("version after two messages = %d, want 1", first.Version)
		}
		if first.Position != 2 {
			t.Errorf("position after two messages = %d, want 2", first.Position)
		}

		second := mustAppend(t, driver, "orders-1", 1, proposed("C"))
		if second.Version != 2 {
			t.Errorf("version after third message = %d, want 2", second.Version)
		}
		if second.Position != 3 {
			t.Errorf("position after third message = %d, want 3", second.Position)
		}

		page, err := driver.ReadStream(ctx, "orders-1", 0, 10, false)
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if len(page.Messages) != 3 {
			t.Fatalf("read %d messages, want 3", len(page.Messages))
		}
		for i, msg := range page.Messages {
			if msg.StreamVersion != int64(i) {
				t.Errorf("message %d has version %d, want %d", i, msg.StreamVersion, i)
			}
			if msg.Position != int64(i)+1 {
				t.Errorf("message %d has position %d, want %d", i, msg.Position, i+1)
			}
			if msg.StreamID != "orders-1" {
				t.Errorf("message %d has stream id %q", i, msg.StreamID)
			}
		}
		if !page.Info.Exists || page.Info.Version != 2 || page.Info.Position != 3 {
			t.Errorf("stream info = %+v, want exists at version 2 position 3", page.Info)
		}

		head, err := driver.ReadHead(ctx)
		if err != nil {
			t.Fatalf("reading head: %v", err)
		}
		if head != 3 {
			t.Errorf("head = %d, want 3", head)
		}
	})

	t.Run("ExpectedVersionChecks", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		mustAppend(t, driver, "s", EmptyVersion, proposed("A"))

		_, err := driver.Append(ctx, "s", EmptyVersion, time.Now(), []ProposedMessage{proposed("B")})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("empty-version append to non-empty stream: err = %v, want ErrVersionConflict", err)
		}

		_, err = driver.Append(ctx, "s", 5, time.Now(), []ProposedMessage{proposed("B")})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("append at wrong version: err = %v, want ErrVersionConflict", err)
		}

		if out := mustAppend(t, driver, "s", 0, proposed("B")); out.Version != 1 {
			t.Errorf("append at matching version landed at %d, want 1", out.Version)
		}
		if out := mustAppend(t, driver, "s", AnyVersion, proposed("C")); out.Version != 2 {
			t.Errorf("any-version append landed at %d, want 2", out.Version)
		}
	})

	t.Run("DuplicateMessageID", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		msg := proposed("A")
		mustAppend(t, driver, "s1", EmptyVersion, msg)

		_, err := driver.Append(ctx, "s1", AnyVersion, time.Now(), []ProposedMessage{msg})
		var dup *DuplicateIDError
		if !errors.As(err, &dup) {
			t.Fatalf("re-append of same id: err = %v, want *DuplicateIDError", err)
		}
		if dup.ID != msg.ID {
			t.Errorf("duplicate error carries id %s, want %s", dup.ID, msg.ID)
		}

		// Ids are unique across streams, not per stream.
		_, err = driver.Append(ctx, "s2", EmptyVersion, time.Now(), []ProposedMessage{msg})
		if !errors.As(err, &dup) {
			t.Errorf("re-append of same id to another stream: err = %v, want *DuplicateIDError", err)
		}
	})

	t.Run("DuplicateMessageIDWithinBatch", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		repeated := proposed("A")
		_, err := driver.Append(ctx, "s", EmptyVersion, time.Now(), []ProposedMessage{repeated, repeated})
		var dup *DuplicateIDError
		if !errors.As(err, &dup) {
			t.Fatalf("batch with a repeated id: err = %v, want *DuplicateIDError", err)
		}
		if dup.ID != repeated.ID {
			t.Errorf("duplicate error carries id %s, want %s", dup.ID, repeated.ID)
		}

		// The rejected batch wrote nothing.
		all, err := driver.ReadAll(ctx, 0, 10, false)
		if err != nil {
			t.Fatalf("reading all: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("rejected batch persisted %d messages, want 0", len(all))
		}
		page, err := driver.ReadStream(ctx, "s", 0, 10, false)
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if page.Info.Exists && page.Info.Version != -1 {
			t.Errorf("rejected batch advanced the stream to version %d", page.Info.Version)
		}
	})

	t.Run("ReadStreamPaging", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		mustAppend(t, driver, "s", EmptyVersion,
			proposed("A"), proposed("B"), proposed("C"), proposed("D"))

		page, err := driver.ReadStream(ctx, "s", 1, 2, false)
		if err != nil {
			t.Fatalf("reading forward: %v", err)
		}
		if got := versionsOf(page.Messages); !equalInt64(got, []int64{1, 2}) {
			t.Errorf("forward page from 1 count 2 = %v, want [1 2]", got)
		}

		page, err = driver.ReadStream(ctx, "s", math.MaxInt64, 2, true)
		if err != nil {
			t.Fatalf("reading backward: %v", err)
		}
		if got := versionsOf(page.Messages); !equalInt64(got, []int64{3, 2}) {
			t.Errorf("backward page from end count 2 = %v, want [3 2]", got)
		}

		page, err = driver.ReadStream(ctx, "s", 2, 10, true)
		if err != nil {
			t.Fatalf("reading backward from 2: %v", err)
		}
		if got := versionsOf(page.Messages); !equalInt64(got, []int64{2, 1, 0}) {
			t.Errorf("backward page from 2 = %v, want [2 1 0]", got)
		}
	})

	t.Run("ReadStreamNonexistent", func(t *testing.T) {
		driver := newDriver(t)

		page, err := driver.ReadStream(context.Background(), "nope", 0, 10, false)
		if err != nil {
			t.Fatalf("reading nonexistent stream: %v", err)
		}
		if page.Info.Exists {
			t.Error("nonexistent stream reported as existing")
		}
		if page.Info.Version != -1 {
			t.Errorf("nonexistent stream version = %d, want -1", page.Info.Version)
		}
		if len(page.Messages) != 0 {
			t.Errorf("nonexistent stream returned %d messages", len(page.Messages))
		}
	})

	t.Run("ReadAll", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		mustAppend(t, driver, "a", EmptyVersion, proposed("A1"))
		mustAppend(t, driver, "b", EmptyVersion, proposed("B1"))
		mustAppend(t, driver, "a", 0, proposed("A2"))

		all, err := driver.ReadAll(ctx, 1, 10, false)
		if err != nil {
			t.Fatalf("reading all forward: %v", err)
		}
		if got := positionsOf(all); !equalInt64(got, []int64{1, 2, 3}) {
			t.Errorf("all forward = %v, want [1 2 3]", got)
		}

		all, err = driver.ReadAll(ctx, 2, 10, false)
		if err != nil {
			t.Fatalf("reading all forward from 2: %v", err)
		}
		if got := positionsOf(all); !equalInt64(got, []int64{2, 3}) {
			t.Errorf("all forward from 2 = %v, want [2 3]", got)
		}

		all, err = driver.ReadAll(ctx, math.MaxInt64, 2, true)
		if err != nil {
			t.Fatalf("reading all backward: %v", err)
		}
		if got := positionsOf(all); !equalInt64(got, []int64{3, 2}) {
			t.Errorf("all backward count 2 = %v, want [3 2]", got)
		}
	})

	t.Run("RetentionRoundtrip", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		mustAppend(t, driver, "s", EmptyVersion, proposed("A"))

		maxAge := int64(3600)
		maxCount := int64(10)
		if err := driver.SetRetention(ctx, "s", &maxAge, &maxCount); err != nil {
			t.Fatalf("setting retention: %v", err)
		}

		page, err := driver.ReadStream(ctx, "s", 0, 1, false)
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if page.Info.MaxAge == nil || *page.Info.MaxAge != maxAge {
			t.Errorf("maxAge = %v, want %d", page.Info.MaxAge, maxAge)
		}
		if page.Info.MaxCount == nil || *page.Info.MaxCount != maxCount {
			t.Errorf("maxCount = %v, want %d", page.Info.MaxCount, maxCount)
		}

		if err := driver.SetRetention(ctx, "s", nil, nil); err != nil {
			t.Fatalf("clearing retention: %v", err)
		}
		page, err = driver.ReadStream(ctx, "s", 0, 1, false)
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if page.Info.MaxAge != nil || page.Info.MaxCount != nil {
			t.Errorf("retention not cleared: maxAge=%v maxCount=%v", page.Info.MaxAge, page.Info.MaxCount)
		}
	})

	t.Run("DeleteStream", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		deleted := proposed("A")
		mustAppend(t, driver, "s", EmptyVersion, deleted, proposed("B"))

		if _, err := driver.DeleteStream(ctx, "s", 5); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("delete at wrong version: err = %v, want ErrVersionConflict", err)
		}

		existed, err := driver.DeleteStream(ctx, "s", 1)
		if err != nil {
			t.Fatalf("deleting stream: %v", err)
		}
		if !existed {
			t.Error("delete of existing stream reported existed=false")
		}

		page, err := driver.ReadStream(ctx, "s", 0, 10, false)
		if err != nil {
			t.Fatalf("reading deleted stream: %v", err)
		}
		if len(page.Messages) != 0 {
			t.Errorf("deleted stream still has %d messages", len(page.Messages))
		}

		all, err := driver.ReadAll(ctx, 0, 10, false)
		if err != nil {
			t.Fatalf("reading all: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("all view still has %d messages after delete", len(all))
		}

		// The row is a tombstone: versions are never reused, so only
		// AnyVersion can write to the id again.
		_, err = driver.Append(ctx, "s", EmptyVersion, time.Now(), []ProposedMessage{proposed("C")})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("empty-version append to deleted stream: err = %v, want ErrVersionConflict", err)
		}
		out := mustAppend(t, driver, "s", AnyVersion, proposed("C"))
		if out.Version != 2 {
			t.Errorf("append after delete landed at version %d, want 2", out.Version)
		}
		if out.Position != 3 {
			t.Errorf("append after delete landed at position %d, want 3", out.Position)
		}

		// Deleted message ids are free again.
		mustAppend(t, driver, "other", EmptyVersion, deleted)

		existed, err = driver.DeleteStream(ctx, "never-was", AnyVersion)
		if err != nil {
			t.Fatalf("deleting unknown stream: %v", err)
		}
		if existed {
			t.Error("delete of unknown stream reported existed=true")
		}
	})

	t.Run("DeleteMessage", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		victim := proposed("B")
		mustAppend(t, driver, "s", EmptyVersion, proposed("A"), victim, proposed("C"))

		if err := driver.DeleteMessage(ctx, "s", victim.ID); err != nil {
			t.Fatalf("deleting message: %v", err)
		}

		page, err := driver.ReadStream(ctx, "s", 0, 10, false)
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if got := versionsOf(page.Messages); !equalInt64(got, []int64{0, 2}) {
			t.Errorf("versions after delete = %v, want [0 2]", got)
		}
		if page.Info.Version != 2 {
			t.Errorf("stream version after message delete = %d, want 2", page.Info.Version)
		}

		// Unknown id and wrong stream are both no-ops.
		if err := driver.DeleteMessage(ctx, "s", uuid.New()); err != nil {
			t.Errorf("deleting unknown message: %v", err)
		}
		other := proposed("X")
		mustAppend(t, driver, "other", EmptyVersion, other)
		if err := driver.DeleteMessage(ctx, "s", other.ID); err != nil {
			t.Errorf("deleting message via wrong stream: %v", err)
		}
		page, err = driver.ReadStream(ctx, "other", 0, 10, false)
		if err != nil {
			t.Fatalf("reading other stream: %v", err)
		}
		if len(page.Messages) != 1 {
			t.Errorf("message deleted through the wrong stream id")
		}
	})

	t.Run("ClosedDriver", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		if err := driver.Close(ctx); err != nil {
			t.Fatalf("closing driver: %v", err)
		}
		if err := driver.Close(ctx); err != nil {
			t.Fatalf("double close: %v", err)
		}

		if _, err := driver.Append(ctx, "s", AnyVersion, time.Now(), []ProposedMessage{proposed("A")}); err == nil {
			t.Error("append after close succeeded")
		}
		if _, err := driver.ReadHead(ctx); err == nil {
			t.Error("read head after close succeeded")
		}
	})

	t.Run("ListenerNotifiedOnAppend", func(t *testing.T) {
		driver := newDriver(t)
		ctx := context.Background()

		source, ok := driver.(Notifying)
		if !ok {
			t.Skip("driver has no push notification support")
		}

		listener, err := source.NewListener(ctx)
		if err != nil {
			t.Fatalf("opening listener: %v", err)
		}
		defer listener.Close(ctx)

		mustAppend(t, driver, "s", EmptyVersion, proposed("A"))

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := listener.Wait(waitCtx); err != nil {
			t.Fatalf("waiting for notification: %v", err)
		}

		if err := listener.Ping(ctx); err != nil {
			t.Errorf("ping on live listener: %v", err)
		}
	})
}

func proposed(messageType string) ProposedMessage {
	return ProposedMessage{
		ID:   uuid.New(),
		Type: messageType,
		Data: []byte(`{"n":1}`),
	}
}

func mustAppend(t *testing.T, driver Driver, streamID string, expectedVersion int64, messages ...ProposedMessage) AppendResult {
	t.Helper()
	out, err := driver.Append(context.Background(), streamID, expectedVersion, time.Now(), messages)
	if err != nil {
		t.Fatalf("appending to %s: %v", streamID, err)
	}
	return out
}

func versionsOf(messages []Message) []int64 {
	out := make([]int64, len(messages))
	for i, msg := range messages {
		out[i] = msg.StreamVersion
	}
	return out
}

func positionsOf(messages []Message) []int64 {
	out := make([]int64, len(messages))
	for i, msg := range messages {
		out[i] = msg.Position
	}
	return out
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
