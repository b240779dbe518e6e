package streamsource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeffijoe/streamsource/storage"
)

// Gap-handling defaults for forward all-view reads.
const (
	DefaultGapReloadDelay = 5 * time.Second
	DefaultGapReloadTimes = 1
)

type notifierMode int

const (
	notifierAuto notifierMode = iota
	notifierPoll
	notifierListen
)

type config struct {
	log             *zap.Logger
	now             func() time.Time
	notifier        notifierMode
	pollingInterval time.Duration
	keepAlive       time.Duration
	gapReloadDelay  time.Duration
	gapReloadTimes  int
}

// Option configures a Store.
type Option func(*config)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithPollingNotifier forces the polling notifier, which compares the store
// head at the given interval. Pass 0 for the default interval. This is the
// fallback for drivers without push notification support.
func WithPollingNotifier(interval time.Duration) Option {
	return func(c *config) {
		c.notifier = notifierPoll
		if interval > 0 {
			c.pollingInterval = interval
		}
	}
}

// WithListenNotifier forces the push notifier with the given keep-alive
// interval. Pass 0 for the default. The driver must implement
// storage.Notifying.
func WithListenNotifier(keepAlive time.Duration) Option {
	return func(c *config) {
		c.notifier = notifierListen
		if keepAlive > 0 {
			c.keepAlive = keepAlive
		}
	}
}

// WithGapHandling tunes the gap-detection retry of forward all-view reads:
// when a page comes back with non-adjacent positions, the read is retried
// after delay, up to times attempts, before the gap is accepted as permanent.
func WithGapHandling(delay time.Duration, times int) Option {
	return func(c *config) {
		c.gapReloadDelay = delay
		c.gapReloadTimes = times
	}
}

// WithNowFunc overrides the clock used to stamp messages.
func WithNowFunc(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Store is the public surface of the stream store. It is safe for concurrent
// use from any goroutine.
type Store struct {
	driver storage.Driver
	cfg    config
	log    *zap.Logger

	latch   latch
	closing atomic.Bool

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	notifier Notifier
	fan      *fanout

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New creates a Store on top of a storage driver. The store takes ownership
// of the driver: Close closes it.
func New(driver storage.Driver, opts ...Option) *Store {
	cfg := config{
		log:             zap.NewNop(),
		now:             time.Now,
		pollingInterval: DefaultPollingInterval,
		keepAlive:       DefaultKeepAliveInterval,
		gapReloadDelay:  DefaultGapReloadDelay,
		gapReloadTimes:  DefaultGapReloadTimes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		driver: driver,
		cfg:    cfg,
		log:    cfg.log,
		subs:   make(map[*Subscription]struct{}),
		closed: make(chan struct{}),
	}
}

// Close tears the store down deterministically: new writes fail fast, live
// subscriptions are closed in parallel, the notifier is stopped, in-flight
// writes drain, and finally the driver is closed. Close is idempotent;
// concurrent callers all wait for the same teardown.
func (s *Store) Close() error {
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		defer close(s.closed)

		s.mu.Lock()
		subs := make([]*Subscription, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		notifier, fan := s.notifier, s.fan
		s.notifier, s.fan = nil, nil
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, sub := range subs {
			wg.Add(1)
			go func(sub *Subscription) {
				defer wg.Done()
				sub.Close()
			}(sub)
		}
		wg.Wait()

		if fan != nil {
			fan.close()
		}
		if notifier != nil {
			if err := notifier.Close(); err != nil {
				s.log.Warn("closing notifier failed", zap.Error(err))
			}
		}

		s.latch.wait()

		s.closeErr = s.driver.Close(context.Background())
	})
	<-s.closed
	return s.closeErr
}

// attach lazily creates the notifier, hands out a per-subscription tick
// channel, and registers the subscription for shutdown. Registration happens
// under the same lock as the closing check so a concurrent Close either
// rejects the subscription or owns closing it. The returned cleanup detaches
// the tick channel.
func (s *Store) attach(sub *Subscription) (chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return nil, nil, ErrStoreClosed
	}

	if s.fan == nil {
		notifier, err := s.newNotifier()
		if err != nil {
			return nil, nil, err
		}
		s.notifier = notifier
		s.fan = newFanout(notifier.Notified())
	}

	fan := s.fan
	ch := fan.subscribe()
	s.subs[sub] = struct{}{}
	return ch, func() { fan.unsubscribe(ch) }, nil
}

func (s *Store) newNotifier() (Notifier, error) {
	mode := s.cfg.notifier
	if mode == notifierAuto {
		if _, ok := s.driver.(storage.Notifying); ok {
			mode = notifierListen
		} else {
			mode = notifierPoll
		}
	}

	switch mode {
	case notifierListen:
		source, ok := s.driver.(storage.Notifying)
		if !ok {
			return nil, invalidParam("notifier", "requires a driver with push notification support")
		}
		return newListenNotifier(source, s.cfg.keepAlive, s.log.Named("notifier")), nil
	default:
		return newPollingNotifier(s.driver.ReadHead, s.cfg.pollingInterval, s.log.Named("notifier")), nil
	}
}

func (s *Store) untrack(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}
