package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultTypingDecay is how long a typing indicator stays on after the last
// signal.
const DefaultTypingDecay = 2500 * time.Millisecond

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// TypingRelay sends this actor's typing signals for one conversation and
// turns the other participants' signals into a decaying flag. Delivery is
// best-effort in both directions.
type TypingRelay struct {
	conv      ConversationID
	identity  Identity
	transport TypingTransport
	partner   ActorID
	decay     time.Duration
	limiter   *rate.Limiter
	afterFunc func(time.Duration, func()) stopper
	log       zerolog.Logger

	mu        sync.Mutex
	typing    bool
	timer     stopper
	gen       uint64
	stopped   bool
	listeners []func(bool)
}

type TypingOption func(*TypingRelay)

// WithTypingPartner only accepts signals from partner.
func WithTypingPartner(partner ActorID) TypingOption {
	return func(r *TypingRelay) { r.partner = partner }
}

func WithTypingDecay(d time.Duration) TypingOption {
	return func(r *TypingRelay) { r.decay = d }
}

// WithTypingThrottle sends at most one outbound signal per interval.
func WithTypingThrottle(interval time.Duration) TypingOption {
	return func(r *TypingRelay) { r.limiter = rate.NewLimiter(rate.Every(interval), 1) }
}

func WithTypingLogger(l zerolog.Logger) TypingOption {
	return func(r *TypingRelay) { r.log = l }
}

// NewTypingRelay creates a relay for conv. transport may be nil for a
// receive-only relay.
func NewTypingRelay(conv ConversationID, identity Identity, transport TypingTransport, opts ...TypingOption) *TypingRelay {
	r := &TypingRelay{
		conv:      conv,
		identity:  identity,
		transport: transport,
		decay:     DefaultTypingDecay,
		afterFunc: realAfterFunc,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers a listener for flag transitions.
func (r *TypingRelay) OnChange(l func(typing bool)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Notify broadcasts that the current actor is typing. Failures are logged.
func (r *TypingRelay) Notify(ctx context.Context) {
	if r.transport == nil {
		return
	}
	actor := r.identity.CurrentActor()
	if actor == "" {
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return
	}
	if err := r.transport.SendTyping(ctx, r.conv, actor); err != nil {
		r.log.Debug().Err(err).Str("conversation_id", string(r.conv)).Msg("Typing signal not sent")
	}
}

// Receive handles a typing signal from the feed. Each accepted signal
// re-arms the decay timer.
func (r *TypingRelay) Receive(sig TypingSignal) {
	if sig.ConversationID != "" && sig.ConversationID != r.conv {
		return
	}
	if sig.ActorID == "" || sig.ActorID == r.identity.CurrentActor() {
		return
	}
	if r.partner != "" && sig.ActorID != r.partner {
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.afterFunc(r.decay, func() { r.expire(gen) })
	was := r.typing
	r.typing = true
	listeners := r.listeners
	r.mu.Unlock()

	if !was {
		notifyTyping(listeners, true)
	}
}

func (r *TypingRelay) expire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.stopped || !r.typing {
		r.mu.Unlock()
		return
	}
	r.typing = false
	r.timer = nil
	listeners := r.listeners
	r.mu.Unlock()

	notifyTyping(listeners, false)
}

// Typing reports whether another participant is typing.
func (r *TypingRelay) Typing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

// Stop disarms the timer and clears the flag.
func (r *TypingRelay) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.typing = false
	r.mu.Unlock()
}

func notifyTyping(listeners []func(bool), typing bool) {
	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(typing)
		}()
	}
}
