package streamsource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSubscriptionBatchSize is how many messages a subscription reads per
// page while catching up.
const DefaultSubscriptionBatchSize = 100

// Bounded backoff for transient subscription read failures.
const (
	subscriptionRetryMinDelay = 100 * time.Millisecond
	subscriptionRetryMaxDelay = 5 * time.Second
)

// MessageProcessor handles one message. It is invoked strictly in order and
// never concurrently with itself within one subscription; returning an error
// drops the subscription. The context is not canceled mid-call: a close
// waits for the in-flight invocation to finish (at-least-once delivery).
type MessageProcessor func(ctx context.Context, message Message) error

type subscriptionConfig struct {
	after         *int64
	batchSize     int
	onEstablished func()
	onCaughtUp    func()
	onDropped     func(error)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriptionConfig)

// WithAfterVersion starts a stream subscription just after the given
// version. Without it, only future messages are delivered.
func WithAfterVersion(version int64) SubscribeOption {
	return func(c *subscriptionConfig) { v := version; c.after = &v }
}

// WithAfterPosition starts an all subscription just after the given global
// position. Without it, only future messages are delivered.
func WithAfterPosition(position int64) SubscribeOption {
	return func(c *subscriptionConfig) { p := position; c.after = &p }
}

// WithBatchSize sets the per-read page size while catching up.
func WithBatchSize(n int) SubscribeOption {
	return func(c *subscriptionConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithOnEstablished registers a callback invoked exactly once, after the
// starting point is resolved and before the first delivery.
func WithOnEstablished(fn func()) SubscribeOption {
	return func(c *subscriptionConfig) { c.onEstablished = fn }
}

// WithOnCaughtUp registers a callback invoked each time the subscription
// transitions from catching up to the live tail.
func WithOnCaughtUp(fn func()) SubscribeOption {
	return func(c *subscriptionConfig) { c.onCaughtUp = fn }
}

// WithOnDropped registers a callback invoked exactly once if the
// subscription is dropped by a processor failure.
func WithOnDropped(fn func(error)) SubscribeOption {
	return func(c *subscriptionConfig) { c.onDropped = fn }
}

// cursor abstracts the per-view differences between a single-stream tail and
// the global tail; the subscription state machine is shared.
type cursor interface {
	// init resolves the first read location.
	init(ctx context.Context) error

	// read returns the next page and whether the tail was reached.
	read(ctx context.Context) ([]Message, bool, error)

	// advance moves the cursor past a delivered message.
	advance(message Message)
}

// Subscription is a live tail of one stream or of the all view. Messages are
// delivered to the processor in order with at-least-once semantics.
type Subscription struct {
	store   *Store
	name    string
	cur     cursor
	process MessageProcessor
	cfg     subscriptionConfig
	log     *zap.Logger

	ticks  chan struct{}
	detach func()
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// SubscribeToStream tails a single stream. Delivery starts after
// WithAfterVersion, or with the next future message when absent.
func (s *Store) SubscribeToStream(streamID string, process MessageProcessor, opts ...SubscribeOption) (*Subscription, error) {
	if streamID == "" {
		return nil, invalidParam("streamId", "is required")
	}
	if process == nil {
		return nil, invalidParam("processMessage", "is required")
	}

	cfg := newSubscriptionConfig(opts)
	cur := &streamCursor{store: s, streamID: streamID, after: cfg.after, batch: cfg.batchSize}
	return s.subscribe(streamID, cur, process, cfg)
}

// SubscribeToAll tails the global view in position order, with gap detection
// applied before delivery. Delivery starts after WithAfterPosition, or with
// the next future message when absent.
func (s *Store) SubscribeToAll(process MessageProcessor, opts ...SubscribeOption) (*Subscription, error) {
	if process == nil {
		return nil, invalidParam("processMessage", "is required")
	}

	cfg := newSubscriptionConfig(opts)
	cur := &allCursor{store: s, after: cfg.after, batch: cfg.batchSize}
	return s.subscribe("$all", cur, process, cfg)
}

func newSubscriptionConfig(opts []SubscribeOption) subscriptionConfig {
	cfg := subscriptionConfig{batchSize: DefaultSubscriptionBatchSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (s *Store) subscribe(name string, cur cursor, process MessageProcessor, cfg subscriptionConfig) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		store:   s,
		name:    name,
		cur:     cur,
		process: process,
		cfg:     cfg,
		log:     s.log.Named("subscription").With(zap.String("subscription", name)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ticks, detach, err := s.attach(sub)
	if err != nil {
		cancel()
		return nil, err
	}
	sub.ticks = ticks
	sub.detach = detach

	go sub.run(ctx)
	return sub, nil
}

// Close cancels any in-flight wait, lets a running processor invocation
// finish, and detaches the subscription from the store. It is idempotent
// and safe to call from any goroutine, including callbacks.
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.detach()
	defer s.store.untrack(s)

	if err := s.initWithRetry(ctx); err != nil {
		return
	}
	if s.cfg.onEstablished != nil {
		s.cfg.onEstablished()
	}

	caughtUp := false
	for {
		delivered, err := s.catchUp(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.drop(err)
			return
		}
		if delivered {
			caughtUp = false
		}
		if !caughtUp {
			caughtUp = true
			if s.cfg.onCaughtUp != nil {
				s.cfg.onCaughtUp()
			}
		}

		select {
		case <-s.ticks:
		case <-ctx.Done():
			return
		}
	}
}

// initWithRetry resolves the starting point, retrying transient failures
// with bounded backoff.
func (s *Subscription) initWithRetry(ctx context.Context) error {
	delay := subscriptionRetryMinDelay
	for {
		err := s.cur.init(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("resolving subscription start failed, backing off", zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = minDuration(delay*2, subscriptionRetryMaxDelay)
	}
}

// catchUp reads pages until the tail is reached, delivering each message in
// order. Read errors are transient: logged, backed off, retried. A
// processor error is terminal and returned.
func (s *Subscription) catchUp(ctx context.Context) (bool, error) {
	delivered := false
	delay := subscriptionRetryMinDelay
	for {
		messages, end, err := s.cur.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			s.log.Warn("subscription read failed, backing off", zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return delivered, ctx.Err()
			}
			delay = minDuration(delay*2, subscriptionRetryMaxDelay)
			continue
		}
		delay = subscriptionRetryMinDelay

		for _, message := range messages {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			// The processor gets a context that survives Close; an
			// in-flight delivery either completes or is replayed
			// after a restart, never canceled halfway.
			if err := s.process(context.WithoutCancel(ctx), message); err != nil {
				return delivered, err
			}
			s.cur.advance(message)
			delivered = true
		}

		if end {
			return delivered, nil
		}
	}
}

func (s *Subscription) drop(err error) {
	s.log.Warn("subscription dropped", zap.Error(err))
	if s.cfg.onDropped != nil {
		s.cfg.onDropped(err)
	}
}

type streamCursor struct {
	store    *Store
	streamID string
	after    *int64
	batch    int
	next     int64
}

func (c *streamCursor) init(ctx context.Context) error {
	if c.after != nil {
		c.next = *c.after + 1
		return nil
	}
	// Only future messages: start one past the current stream head.
	page, err := c.store.driver.ReadStream(ctx, c.streamID, VersionEnd, 1, true)
	if err != nil {
		return err
	}
	c.next = page.Info.Version + 1
	return nil
}

func (c *streamCursor) read(ctx context.Context) ([]Message, bool, error) {
	res, err := c.store.ReadStream(ctx, c.streamID, c.next, c.batch, ReadForward)
	if err != nil {
		return nil, false, err
	}
	return res.Messages, res.IsEnd, nil
}

func (c *streamCursor) advance(message Message) {
	c.next = message.StreamVersion + 1
}

type allCursor struct {
	store *Store
	after *int64
	batch int
	next  int64
}

func (c *allCursor) init(ctx context.Context) error {
	if c.after != nil {
		c.next = *c.after + 1
		return nil
	}
	head, err := c.store.ReadHeadPosition(ctx)
	if err != nil {
		return err
	}
	c.next = head + 1
	return nil
}

func (c *allCursor) read(ctx context.Context) ([]Message, bool, error) {
	res, err := c.store.ReadAll(ctx, c.next, c.batch, ReadForward)
	if err != nil {
		return nil, false, err
	}
	return res.Messages, res.IsEnd, nil
}

func (c *allCursor) advance(message Message) {
	c.next = message.Position + 1
}
