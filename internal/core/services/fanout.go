package services

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"videorelay/internal/core/domain"

	"github.com/google/uuid"
)

// Eviction reasons reported when the fan-out drops a listener on its own.
const (
	EvictSlow       = "slow"
	EvictWriteError = "write_error"
)

// DefaultListenerQueue is the number of chunks a listener may lag behind
// the upstream before it is treated as a failed sink.
const DefaultListenerQueue = 256

// Listener is one attached viewer sink. Chunks are queued and written by a
// goroutine owned by the listener, so the broadcaster never blocks on I/O.
// A Listener attaches once; after it is detached it cannot be reused.
type Listener struct {
	id         uuid.UUID
	privileged bool
	// relay marks a channel's subscription on a member stream. Its viewers
	// are counted by the channel, so the member leaves it out of its stats.
	relay bool
	sink  io.Writer
	queue chan []byte

	done       chan struct{}
	failed     atomic.Bool
	detachOnce sync.Once
	startOnce  sync.Once
	attachedAt atomic.Int64
}

// NewListener wraps sink. queueSize <= 0 selects DefaultListenerQueue.
func NewListener(sink io.Writer, privileged bool, queueSize int) *Listener {
	if queueSize <= 0 {
		queueSize = DefaultListenerQueue
	}
	return &Listener{
		id:         uuid.New(),
		privileged: privileged,
		sink:       sink,
		queue:      make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}
}

func newRelayListener(sink io.Writer, queueSize int) *Listener {
	l := NewListener(sink, true, queueSize)
	l.relay = true
	return l
}

func (l *Listener) ID() uuid.UUID { return l.id }

func (l *Listener) Privileged() bool { return l.privileged }

// Done is closed once the listener has been detached for any reason.
func (l *Listener) Done() <-chan struct{} { return l.done }

// AttachedAt returns when the listener joined its fan-out, or the zero time.
func (l *Listener) AttachedAt() time.Time {
	ns := l.attachedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (l *Listener) detached() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Listener) detach() {
	l.detachOnce.Do(func() { close(l.done) })
}

func (l *Listener) start(onFail func(*Listener, string)) {
	l.startOnce.Do(func() {
		l.attachedAt.Store(time.Now().UnixNano())
		go l.writeLoop(onFail)
	})
}

func (l *Listener) writeLoop(onFail func(*Listener, string)) {
	for {
		select {
		case <-l.done:
			return
		case chunk := <-l.queue:
			if _, err := l.sink.Write(chunk); err != nil {
				onFail(l, EvictWriteError)
				return
			}
		}
	}
}

// offer queues chunk without blocking. It returns false when the queue is
// full, which marks the sink as too slow to keep.
func (l *Listener) offer(chunk []byte) bool {
	select {
	case l.queue <- chunk:
		return true
	default:
		return false
	}
}

// Subscription is the caller's handle on an attached listener. Close is
// idempotent and safe to call from any goroutine.
type Subscription struct {
	listener *Listener
	once     sync.Once
	cancel   func()
}

func newSubscription(l *Listener, cancel func()) *Subscription {
	return &Subscription{listener: l, cancel: cancel}
}

func (s *Subscription) Listener() *Listener { return s.listener }

// Done is closed when the listener is detached, whether by Close, by the
// fan-out evicting a failed sink, or by the owner tearing down.
func (s *Subscription) Done() <-chan struct{} { return s.listener.Done() }

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Fanout broadcasts chunks to a set of listeners. Membership changes
// publish a fresh immutable snapshot, and Broadcast only reads snapshots,
// so attach and detach never race with an in-flight delivery.
type Fanout struct {
	mu       sync.Mutex
	members  map[*Listener]struct{}
	snapshot atomic.Pointer[[]*Listener]

	// onEvict is told about sinks the fan-out gave up on. It runs on its
	// own goroutine and must perform the owner's normal removal path.
	onEvict func(l *Listener, reason string)
}

func NewFanout(onEvict func(l *Listener, reason string)) *Fanout {
	f := &Fanout{
		members: make(map[*Listener]struct{}),
		onEvict: onEvict,
	}
	empty := []*Listener{}
	f.snapshot.Store(&empty)
	return f
}

// Add registers l and starts its writer. It fails for a listener that has
// already been detached.
func (f *Fanout) Add(l *Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l.detached() {
		return domain.ErrListenerDetached
	}
	if _, ok := f.members[l]; ok {
		return nil
	}
	f.members[l] = struct{}{}
	f.publishLocked()
	l.start(f.fail)
	return nil
}

// Remove detaches l. It reports whether l was a member, so only the first
// of several concurrent removals observes true.
func (f *Fanout) Remove(l *Listener) bool {
	f.mu.Lock()
	_, ok := f.members[l]
	if ok {
		delete(f.members, l)
		f.publishLocked()
	}
	f.mu.Unlock()

	l.detach()
	return ok
}

// DetachAll empties the set and returns the listeners that were attached.
func (f *Fanout) DetachAll() []*Listener {
	f.mu.Lock()
	out := make([]*Listener, 0, len(f.members))
	for l := range f.members {
		out = append(out, l)
	}
	f.members = make(map[*Listener]struct{})
	f.publishLocked()
	f.mu.Unlock()

	for _, l := range out {
		l.detach()
	}
	return out
}

func (f *Fanout) Len() int {
	return len(*f.snapshot.Load())
}

func (f *Fanout) Listeners() []*Listener {
	return *f.snapshot.Load()
}

// Broadcast hands chunk to every listener in the current snapshot and
// returns how many accepted it. Listeners whose queue is full are evicted.
// The chunk is shared, so callers must not modify it afterwards.
func (f *Fanout) Broadcast(chunk []byte) int {
	delivered := 0
	for _, l := range *f.snapshot.Load() {
		if l.detached() {
			continue
		}
		if l.offer(chunk) {
			delivered++
			continue
		}
		f.fail(l, EvictSlow)
	}
	return delivered
}

func (f *Fanout) publishLocked() {
	snap := make([]*Listener, 0, len(f.members))
	for l := range f.members {
		snap = append(snap, l)
	}
	f.snapshot.Store(&snap)
}

// fail stops delivery to l at once and hands the removal to the owner on a
// separate goroutine, keeping the broadcaster and the upstream reader free
// of the owner's locks.
func (f *Fanout) fail(l *Listener, reason string) {
	if !l.failed.CompareAndSwap(false, true) {
		return
	}
	l.detach()
	if f.onEvict == nil {
		f.Remove(l)
		return
	}
	go f.onEvict(l, reason)
}
