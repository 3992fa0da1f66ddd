package chatsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Subscription
// ============================================================================

// Subscription is one consumer of a conversation's change feed.
type Subscription struct {
	conv    ConversationID
	events  chan RowChange
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newSubscription(conv ConversationID, buffer int, onClose func()) *Subscription {
	return &Subscription{
		conv:    conv,
		events:  make(chan RowChange, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Conversation returns the conversation the subscription is scoped to.
func (s *Subscription) Conversation() ConversationID { return s.conv }

// Events yields row changes in delivery order. The channel is never closed;
// select on Done to notice teardown.
func (s *Subscription) Events() <-chan RowChange { return s.events }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// ============================================================================
// Broadcaster
// ============================================================================

// Broadcaster fans row changes out to the subscriptions of each
// conversation. Delivery blocks per subscriber so per-row order is kept.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[ConversationID]map[*Subscription]struct{}
	buffer int

	// onEmpty runs when the last subscription of a conversation closes.
	onEmpty func(ConversationID)
}

// NewBroadcaster creates a broadcaster with a per-subscription buffer of 64.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[ConversationID]map[*Subscription]struct{}),
		buffer: 64,
	}
}

// Subscribe registers a new subscription for conv.
func (b *Broadcaster) Subscribe(conv ConversationID) *Subscription {
	var sub *Subscription
	sub = newSubscription(conv, b.buffer, func() { b.remove(sub) })

	b.mu.Lock()
	if b.subs[conv] == nil {
		b.subs[conv] = make(map[*Subscription]struct{})
	}
	b.subs[conv][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	empty := false
	if subs, ok := b.subs[sub.conv]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.conv)
			empty = true
		}
	}
	onEmpty := b.onEmpty
	b.mu.Unlock()

	if empty && onEmpty != nil {
		onEmpty(sub.conv)
	}
}

// Publish delivers ch to every subscription of conv and returns how many
// received it. An empty conv reaches every subscription, which is how hard
// deletes that only carry a row id are routed.
func (b *Broadcaster) Publish(ctx context.Context, conv ConversationID, ch RowChange) int {
	b.mu.RLock()
	var targets []*Subscription
	for c, subs := range b.subs {
		if conv != "" && c != conv {
			continue
		}
		for s := range subs {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		select {
		case s.events <- ch:
			delivered++
		case <-s.done:
		case <-ctx.Done():
			return delivered
		}
	}
	return delivered
}

// Conversations lists the conversations with at least one subscriber.
func (b *Broadcaster) Conversations() []ConversationID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ConversationID, 0, len(b.subs))
	for c := range b.subs {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live subscriptions for conv.
func (b *Broadcaster) Len(conv ConversationID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conv])
}

// CloseAll releases every subscription.
func (b *Broadcaster) CloseAll() {
	b.mu.RLock()
	var all []*Subscription
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}

// ============================================================================
// Cutoff notifications
// ============================================================================

type cutoffKey struct {
	actor ActorID
	conv  ConversationID
}

// CutoffNotifier fans history-cutoff changes out to the watchers of an
// (actor, conversation) pair. Only the latest value matters, so a slow
// watcher sees the newest cutoff rather than every intermediate one.
type CutoffNotifier struct {
	mu       sync.Mutex
	watchers map[cutoffKey]map[chan time.Time]struct{}
}

// NewCutoffNotifier creates an empty notifier.
func NewCutoffNotifier() *CutoffNotifier {
	return &CutoffNotifier{watchers: make(map[cutoffKey]map[chan time.Time]struct{})}
}

// Watch returns a channel of cutoff changes that is closed when ctx ends.
func (n *CutoffNotifier) Watch(ctx context.Context, actor ActorID, conv ConversationID) <-chan time.Time {
	key := cutoffKey{actor, conv}
	ch := make(chan time.Time, 1)

	n.mu.Lock()
	if n.watchers[key] == nil {
		n.watchers[key] = make(map[chan time.Time]struct{})
	}
	n.watchers[key][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers[key], ch)
		if len(n.watchers[key]) == 0 {
			delete(n.watchers, key)
		}
		close(ch)
		n.mu.Unlock()
	}()
	return ch
}

// Notify publishes a new cutoff without blocking.
func (n *CutoffNotifier) Notify(actor ActorID, conv ConversationID, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers[cutoffKey{actor, conv}] {
		select {
		case <-ch:
		default:
		}
		ch <- at
	}
}
