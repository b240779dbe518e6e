package streamsource

import "sync"

// latch coordinates in-flight writes with store shutdown. Many holders may
// enter concurrently; wait blocks until every holder that had entered at the
// time of the call has exited. Holders entering after a wait started neither
// extend that wait nor satisfy it with their own exits. It is not a mutex.
type latch struct {
	mu      sync.Mutex
	seq     uint64
	holders map[uint64]struct{}
	waiters []*latchWaiter
}

type latchWaiter struct {
	// pending holds the ids of the holders that were inside when the wait
	// started and have not exited yet.
	pending map[uint64]struct{}
	done    chan struct{}
}

// enter marks a section as in flight and returns its exit function. The exit
// function is idempotent.
func (l *latch) enter() (exit func()) {
	l.mu.Lock()
	l.seq++
	id := l.seq
	if l.holders == nil {
		l.holders = make(map[uint64]struct{})
	}
	l.holders[id] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { l.exit(id) }) }
}

func (l *latch) exit(id uint64) {
	l.mu.Lock()
	delete(l.holders, id)
	kept := l.waiters[:0]
	for _, w := range l.waiters {
		delete(w.pending, id)
		if len(w.pending) == 0 {
			close(w.done)
		} else {
			kept = append(kept, w)
		}
	}
	l.waiters = kept
	l.mu.Unlock()
}

func (l *latch) wait() {
	l.mu.Lock()
	if len(l.holders) == 0 {
		l.mu.Unlock()
		return
	}
	pending := make(map[uint64]struct{}, len(l.holders))
	for id := range l.holders {
		pending[id] = struct{}{}
	}
	w := &latchWaiter{pending: pending, done: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	<-w.done
}
