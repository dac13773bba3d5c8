package breakpoints

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// Publisher delivers notifications to the outside world.
type Publisher interface {
	Publish(n types.Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(types.Notification) error

// Publish calls f(n).
func (f PublisherFunc) Publish(n types.Notification) error { return f(n) }

// Notifier queues notifications for a single background consumer.
// Notify never blocks: a full queue drops the notification.
type Notifier struct {
	pub Publisher
	log *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	ch      chan types.Notification
	done    chan struct{}
	abandon atomic.Bool
	dropped atomic.Int64
}

// NewNotifier starts the consumer. capacity <= 0 uses 1024.
func NewNotifier(pub Publisher, capacity int, log *logrus.Entry) *Notifier {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = logflags.BreakpointsLogger()
	}
	n := &Notifier{
		pub:  pub,
		log:  log,
		ch:   make(chan types.Notification, capacity),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	for note := range n.ch {
		if n.abandon.Load() || n.pub == nil {
			continue
		}
		if err := n.pub.Publish(note); err != nil {
			n.log.Warnf("delivering %s notification: %v", note.Kind, err)
		}
	}
}

// Notify enqueues note.
func (n *Notifier) Notify(note types.Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.Warnf("notifier closed, dropping %s notification", note.Kind)
		return
	}
	select {
	case n.ch <- note:
	default:
		n.dropped.Add(1)
		n.log.Warnf("notification queue full, dropping %s notification", note.Kind)
	}
}

// Dropped returns how many notifications were dropped because the queue
// was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting notifications and waits for the queue to drain
// until ctx ends. Undelivered notifications are then discarded.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		n.abandon.Store(true)
		return ctx.Err()
	}
}
