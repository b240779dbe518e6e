package streamsource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeffijoe/streamsource/storage"
)

func collectMessages(buffer int) (MessageProcessor, <-chan Message) {
	out := make(chan Message, buffer)
	return func(ctx context.Context, message Message) error {
		out <- message
		return nil
	}, out
}

func nextMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return Message{}
	}
}

func expectNoMessage(t *testing.T, ch <-chan Message, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: stream %s version %d", msg.StreamID, msg.StreamVersion)
	case <-time.After(wait):
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSubscribeToStreamDeliversInOrder(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "s", newMsg("A"), newMsg("B"), newMsg("C"))

	process, delivered := collectMessages(16)
	caughtUp := make(chan struct{}, 4)
	sub, err := store.SubscribeToStream("s", process,
		WithAfterVersion(-1),
		WithBatchSize(2),
		WithOnCaughtUp(func() { caughtUp <- struct{}{} }))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()

	for want := int64(0); want < 3; want++ {
		if got := nextMessage(t, delivered); got.StreamVersion != want {
			t.Fatalf("delivered version %d, want %d", got.StreamVersion, want)
		}
	}
	waitSignal(t, caughtUp, "catch-up")

	// Live messages keep flowing in order.
	mustStoreAppend(t, store, "s", newMsg("D"))
	mustStoreAppend(t, store, "s", newMsg("E"))
	for want := int64(3); want < 5; want++ {
		if got := nextMessage(t, delivered); got.StreamVersion != want {
			t.Fatalf("delivered version %d, want %d", got.StreamVersion, want)
		}
	}
}

func TestSubscribeToStreamOnlyFutureByDefault(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "s", newMsg("A"), newMsg("B"))

	process, delivered := collectMessages(16)
	established := make(chan struct{})
	sub, err := store.SubscribeToStream("s", process,
		WithOnEstablished(func() { close(established) }))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()
	waitSignal(t, established, "establishment")

	mustStoreAppend(t, store, "s", newMsg("C"))

	if got := nextMessage(t, delivered); got.StreamVersion != 2 {
		t.Fatalf("first delivery has version %d, want 2", got.StreamVersion)
	}
	expectNoMessage(t, delivered, 100*time.Millisecond)
}

func TestSubscribeToStreamAfterVersion(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "s", newMsg("A"), newMsg("B"), newMsg("C"), newMsg("D"))

	process, delivered := collectMessages(16)
	sub, err := store.SubscribeToStream("s", process, WithAfterVersion(1))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()

	if got := nextMessage(t, delivered); got.StreamVersion != 2 {
		t.Fatalf("first delivery has version %d, want 2", got.StreamVersion)
	}
	if got := nextMessage(t, delivered); got.StreamVersion != 3 {
		t.Fatalf("second delivery has version %d, want 3", got.StreamVersion)
	}
}

func TestSubscribeToAll(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "a", newMsg("A1"))
	mustStoreAppend(t, store, "b", newMsg("B1"))

	process, delivered := collectMessages(16)
	sub, err := store.SubscribeToAll(process, WithAfterPosition(0))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()

	for want := int64(1); want <= 2; want++ {
		if got := nextMessage(t, delivered); got.Position != want {
			t.Fatalf("delivered position %d, want %d", got.Position, want)
		}
	}

	mustStoreAppend(t, store, "a", newMsg("A2"))
	if got := nextMessage(t, delivered); got.Position != 3 {
		t.Fatalf("live delivery has position %d, want 3", got.Position)
	}
}

func TestSubscribeToAllOnlyFutureByDefault(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "a", newMsg("A1"), newMsg("A2"))

	process, delivered := collectMessages(16)
	established := make(chan struct{})
	sub, err := store.SubscribeToAll(process,
		WithOnEstablished(func() { close(established) }))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()
	waitSignal(t, established, "establishment")

	mustStoreAppend(t, store, "b", newMsg("B1"))

	if got := nextMessage(t, delivered); got.Position != 3 {
		t.Fatalf("first delivery has position %d, want 3", got.Position)
	}
}

func TestSubscriptionCallbacks(t *testing.T) {
	store := newTestStore(t)

	var established, caughtUp atomic.Int64
	caughtUpCh := make(chan struct{}, 8)
	process, delivered := collectMessages(16)
	sub, err := store.SubscribeToStream("s", process,
		WithAfterVersion(-1),
		WithOnEstablished(func() { established.Add(1) }),
		WithOnCaughtUp(func() {
			caughtUp.Add(1)
			caughtUpCh <- struct{}{}
		}))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()

	// Caught up once on the empty stream.
	waitSignal(t, caughtUpCh, "initial catch-up")

	mustStoreAppend(t, store, "s", newMsg("A"))
	nextMessage(t, delivered)

	// And again after falling behind and catching back up.
	waitSignal(t, caughtUpCh, "second catch-up")

	if got := established.Load(); got != 1 {
		t.Errorf("onEstablished ran %d times, want 1", got)
	}
	if got := caughtUp.Load(); got < 2 {
		t.Errorf("onCaughtUp ran %d times, want at least 2", got)
	}
}

func TestSubscriptionDroppedOnProcessorError(t *testing.T) {
	store := newTestStore(t)

	mustStoreAppend(t, store, "s", newMsg("A"), newMsg("B"), newMsg("C"))

	boom := errors.New("handler failed")
	var processed atomic.Int64
	dropped := make(chan error, 1)
	sub, err := store.SubscribeToStream("s",
		func(ctx context.Context, message Message) error {
			if message.StreamVersion == 1 {
				return boom
			}
			processed.Add(1)
			return nil
		},
		WithAfterVersion(-1),
		WithOnDropped(func(err error) { dropped <- err }))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Close()

	select {
	case err := <-dropped:
		if !errors.Is(err, boom) {
			t.Errorf("dropped with %v, want the processor error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not dropped")
	}

	// Delivery stopped at the failing message.
	if got := processed.Load(); got != 1 {
		t.Errorf("processed %d messages, want 1", got)
	}

	// A second append never reaches the dropped subscription.
	mustStoreAppend(t, store, "s", newMsg("D"))
	time.Sleep(100 * time.Millisecond)
	if got := processed.Load(); got != 1 {
		t.Errorf("dropped subscription processed %d messages, want 1", got)
	}
}

func TestSubscriptionCloseWaitsForProcessor(t *testing.T) {
	store := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	sub, err := store.SubscribeToStream("s",
		func(ctx context.Context, message Message) error {
			close(started)
			<-release
			if ctx.Err() != nil {
				sawCancel.Store(true)
			}
			return nil
		},
		WithAfterVersion(-1))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	mustStoreAppend(t, store, "s", newMsg("A"))
	waitSignal(t, started, "processor start")

	closeDone := make(chan struct{})
	go func() {
		sub.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while the processor was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitSignal(t, closeDone, "close")

	if sawCancel.Load() {
		t.Error("in-flight processor saw a canceled context")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	sub, err := store.SubscribeToStream("s", func(ctx context.Context, message Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

func TestStoreCloseClosesSubscriptions(t *testing.T) {
	store := newTestStore(t)

	process, _ := collectMessages(16)
	dropped := make(chan error, 1)
	if _, err := store.SubscribeToStream("s", process, WithOnDropped(func(err error) { dropped <- err })); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	// A shutdown is not a drop.
	select {
	case err := <-dropped:
		t.Errorf("store close dropped the subscription: %v", err)
	default:
	}
}

func TestCloseOwnsConcurrentSubscribe(t *testing.T) {
	// A subscription racing Close is either rejected with ErrStoreClosed or
	// registered in time for Close to shut it down; its goroutine must never
	// outlive the store.
	for i := 0; i < 50; i++ {
		store := New(storage.NewMemory())

		start := make(chan struct{})
		var sub *Subscription
		var subErr error
		subscribed := make(chan struct{})
		go func() {
			<-start
			sub, subErr = store.SubscribeToStream("s", func(ctx context.Context, m Message) error {
				return nil
			})
			close(subscribed)
		}()

		closed := make(chan struct{})
		go func() {
			<-start
			store.Close()
			close(closed)
		}()

		close(start)
		<-subscribed
		<-closed

		if subErr != nil {
			if !errors.Is(subErr, ErrStoreClosed) {
				t.Fatalf("iteration %d: subscribe failed with %v, want ErrStoreClosed", i, subErr)
			}
			continue
		}
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: subscription outlived store close", i)
		}
	}
}

func TestSubscribeValidation(t *testing.T) {
	store := newTestStore(t)

	var invalid *InvalidParameterError
	if _, err := store.SubscribeToStream("", func(ctx context.Context, m Message) error { return nil }); !errors.As(err, &invalid) {
		t.Errorf("empty stream id: err = %v, want *InvalidParameterError", err)
	}
	if _, err := store.SubscribeToStream("s", nil); !errors.As(err, &invalid) {
		t.Errorf("nil processor: err = %v, want *InvalidParameterError", err)
	}
	if _, err := store.SubscribeToAll(nil); !errors.As(err, &invalid) {
		t.Errorf("nil processor for all: err = %v, want *InvalidParameterError", err)
	}
}
