package streamsource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeffijoe/streamsource/storage"
)

// Notifier defaults.
const (
	// DefaultPollingInterval is how often the polling notifier compares
	// the store head.
	DefaultPollingInterval = 500 * time.Millisecond

	// DefaultKeepAliveInterval is how often the listen notifier pings its
	// connection when no notifications arrive.
	DefaultKeepAliveInterval = 30 * time.Second
)

// A Notifier emits coalesced "there may be new data" ticks once new data is
// durable. A tick is a hint, never a message delivery; subscribers drive the
// actual reads and decide themselves when they are caught up.
type Notifier interface {
	// Notified returns the tick channel. At most one tick is pending at a
	// time; extra ticks are dropped.
	Notified() <-chan struct{}

	// Close stops the notifier and releases its resources.
	Close() error
}

// pollingNotifier compares the store head at a fixed interval and ticks when
// it moved. Polls run sequentially on one goroutine, so a slow poll is never
// overlapped by the next one.
type pollingNotifier struct {
	head     func(ctx context.Context) (int64, error)
	interval time.Duration
	log      *zap.Logger

	ticks chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newPollingNotifier(head func(ctx context.Context) (int64, error), interval time.Duration, log *zap.Logger) *pollingNotifier {
	n := &pollingNotifier{
		head:     head,
		interval: interval,
		log:      log,
		ticks:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *pollingNotifier) Notified() <-chan struct{} {
	return n.ticks
}

func (n *pollingNotifier) Close() error {
	n.once.Do(func() { close(n.stop) })
	<-n.done
	return nil
}

func (n *pollingNotifier) run() {
	defer close(n.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-n.stop
		cancel()
	}()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	var last int64
	seeded := false
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
		}

		head, err := n.head(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("head poll failed", zap.Error(err))
			continue
		}
		if !seeded {
			seeded = true
			last = head
			continue
		}
		if head != last {
			last = head
			n.tick()
		}
	}
}

func (n *pollingNotifier) tick() {
	select {
	case n.ticks <- struct{}{}:
	default:
	}
}

// listenNotifier rides a dedicated push-notification connection provided by
// the storage driver (LISTEN/NOTIFY on Postgres, an in-process channel on the
// embedded backends). A periodic keep-alive ping detects dead connections;
// on failure the connection is reopened with backoff.
type listenNotifier struct {
	source    storage.Notifying
	keepAlive time.Duration
	log       *zap.Logger

	ticks  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newListenNotifier(source storage.Notifying, keepAlive time.Duration, log *zap.Logger) *listenNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &listenNotifier{
		source:    source,
		keepAlive: keepAlive,
		log:       log,
		ticks:     make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go n.run(ctx)
	return n
}

func (n *listenNotifier) Notified() <-chan struct{} {
	return n.ticks
}

func (n *listenNotifier) Close() error {
	n.once.Do(n.cancel)
	<-n.done
	return nil
}

func (n *listenNotifier) run(ctx context.Context) {
	defer close(n.done)

	reconnectDelay := 100 * time.Millisecond
	for ctx.Err() == nil {
		listener, err := n.source.NewListener(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("opening notification listener failed", zap.Error(err))
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = minDuration(reconnectDelay*2, 5*time.Second)
			continue
		}
		reconnectDelay = 100 * time.Millisecond

		n.listen(ctx, listener)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		listener.Close(closeCtx)
		cancel()
	}
}

// listen consumes one listener connection until it fails or ctx is done.
func (n *listenNotifier) listen(ctx context.Context, listener storage.Listener) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, n.keepAlive)
		err := listener.Wait(waitCtx)
		cancel()

		switch {
		case err == nil:
			n.tick()
		case ctx.Err() != nil:
			return
		case waitCtx.Err() == context.DeadlineExceeded:
			// Quiet interval; verify the connection is still alive.
			if err := listener.Ping(ctx); err != nil {
				n.log.Warn("notification listener keep-alive failed", zap.Error(err))
				return
			}
		default:
			n.log.Warn("notification listener failed", zap.Error(err))
			return
		}
	}
}

func (n *listenNotifier) tick() {
	select {
	case n.ticks <- struct{}{}:
	default:
	}
}

// fanout copies ticks from one notifier to every subscription, coalescing
// per subscriber.
type fanout struct {
	mu   sync.Mutex
	outs map[chan struct{}]struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newFanout(src <-chan struct{}) *fanout {
	f := &fanout{
		outs: make(map[chan struct{}]struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go f.run(src)
	return f
}

func (f *fanout) run(src <-chan struct{}) {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-src:
		}

		f.mu.Lock()
		for out := range f.outs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
		f.mu.Unlock()
	}
}

func (f *fanout) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.outs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fanout) unsubscribe(ch chan struct{}) {
	f.mu.Lock()
	delete(f.outs, ch)
	f.mu.Unlock()
}

func (f *fanout) close() {
	f.once.Do(func() { close(f.stop) })
	<-f.done
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
