// Package chatsync keeps a conversation's visible message list consistent
// while history pages load, live row changes arrive over the push feed,
// and local sends, edits, unsends and hides are in flight.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL(url))
//	engine := chatsync.NewEngine(client, identity,
//		chatsync.WithHiddenSet(client),
//		chatsync.WithCutoffResolver(client),
//	)
//	engine.OnChange(func(s chatsync.Snapshot) { render(s.Messages) })
//	if err := engine.Open(ctx, "conv-123"); err != nil { ... }
//	engine.Send(ctx, "hello")
//	engine.LoadOlder(ctx)
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ============================================================================
// Options
// ============================================================================

const (
	DefaultPageSize    = 30
	DefaultMergeWindow = 10 * time.Second
	DefaultAuthTimeout = 5 * time.Second
)

type EngineOption func(*Engine)

// WithPageSize sets the fixed page size for initial and older loads.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithMergeWindow bounds how far apart an optimistic entry and a pushed
// row may be for the push to confirm it.
func WithMergeWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.mergeWindow = d }
}

// WithAuthTimeout bounds the wait on Identity.AuthReady.
func WithAuthTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.authTimeout = d }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithHiddenSet(h HiddenSet) EngineOption {
	return func(e *Engine) { e.hidden = h }
}

func WithCutoffResolver(r CutoffResolver) EngineOption {
	return func(e *Engine) { e.cutoffs = r }
}

// WithFeed takes push events from f instead of the store's own feed.
func WithFeed(f Feed) EngineOption {
	return func(e *Engine) { e.feed = f }
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// ============================================================================
// Change listeners
// ============================================================================

// ChangeListener receives a snapshot after every visible change.
type ChangeListener func(Snapshot)

type emitter struct {
	mu        sync.Mutex
	listeners []ChangeListener

	// Snapshots queue up while one goroutine delivers them. Any snapshot
	// older than the last delivered one is dropped, so listeners never go
	// back in time.
	queue    []Snapshot
	draining bool
	last     uint64
}

// OnChange registers a listener. Listeners run on the goroutine that made
// the change, or on the one already delivering, and must not block.
func (em *emitter) OnChange(l ChangeListener) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.listeners = append(em.listeners, l)
}

func (em *emitter) emit(s Snapshot) {
	em.mu.Lock()
	em.queue = append(em.queue, s)
	if em.draining {
		em.mu.Unlock()
		return
	}
	em.draining = true
	for len(em.queue) > 0 {
		next := em.queue[0]
		em.queue = em.queue[1:]
		if next.Seq <= em.last {
			continue
		}
		em.last = next.Seq
		listeners := em.listeners
		em.mu.Unlock()
		for _, l := range listeners {
			func() {
				defer func() { recover() }() // swallow panics in user callbacks
				l(next)
			}()
		}
		em.mu.Lock()
	}
	em.draining = false
	em.mu.Unlock()
}

// ============================================================================
// Engine
// ============================================================================

// session identifies one binding of actor and conversation. Completions
// that belong to an older session are dropped.
type session struct {
	gen   uint64
	actor ActorID
	conv  ConversationID
}

// fetchToken scopes a page fetch to a session and a cutoff epoch.
type fetchToken struct {
	sess  session
	epoch uint64
	done  context.Context
}

// Engine owns one conversation's message list.
type Engine struct {
	emitter

	store       MessageStore
	feed        Feed
	identity    Identity
	hidden      HiddenSet
	cutoffs     CutoffResolver
	log         zerolog.Logger
	metrics     *Metrics
	now         func() time.Time
	pageSize    int
	mergeWindow time.Duration
	authTimeout time.Duration

	mu          sync.Mutex
	gen         uint64
	seq         uint64
	sess        session
	open        bool
	closed      bool
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc

	// olderGuard admits one LoadOlder per session; extra calls are no-ops.
	olderGuard *semaphore.Weighted

	msgs           timeline
	cursor         *Cursor
	hasMore        bool
	cutoff         *time.Time
	hiddenIDs      map[MessageID]struct{}
	pendingSends   map[MessageID]struct{}
	pendingUnsends map[MessageID]Message
	tombstones     map[MessageID]struct{}

	sub         *Subscription
	watchCancel context.CancelFunc
	unwatch     func()
}

// NewEngine creates an engine over store for the actor supplied by identity.
func NewEngine(store MessageStore, identity Identity, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		identity:    identity,
		hidden:      noHidden{},
		cutoffs:     noCutoff{},
		log:         zerolog.Nop(),
		now:         time.Now,
		pageSize:    DefaultPageSize,
		mergeWindow: DefaultMergeWindow,
		authTimeout: DefaultAuthTimeout,
		olderGuard:  semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.feed == nil {
		e.feed = store
	}
	e.clearStateLocked()
	e.bumpEpochLocked()
	if w, ok := identity.(ActorWatcher); ok {
		e.unwatch = w.OnActorChange(e.checkIdentity)
	}
	return e
}

// Open binds the engine to conv for the current actor. Any previous
// conversation is torn down first. Open resolves the history cutoff,
// subscribes to the push feed and loads the newest page.
func (e *Engine) Open(ctx context.Context, conv ConversationID) error {
	if conv == "" {
		return ErrNotReady
	}
	actor, err := e.ready(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrNotReady
	}

	cutoff, err := e.cutoffs.Cutoff(ctx, actor, conv)
	if err != nil {
		return err
	}
	sub, err := e.feed.Subscribe(ctx, conv)
	if err != nil {
		return err
	}
	watchCtx, watchCancel := context.WithCancel(context.Background())

	e.mu.Lock()
	cleanup := e.resetLocked()
	e.sess = session{gen: e.gen, actor: actor, conv: conv}
	e.open = true
	e.cutoff = cutoff
	e.sub = sub
	e.watchCancel = watchCancel
	sess := e.sess
	e.mu.Unlock()
	cleanup()

	e.sessLog(sess).Debug().Msg("Conversation opened")
	go e.pump(sess, sub)

	if ch, err := e.cutoffs.WatchCutoff(watchCtx, actor, conv); err != nil {
		e.sessLog(sess).Warn().Err(err).Msg("Cutoff watch unavailable")
	} else if ch != nil {
		go e.watchCutoff(sess, ch)
	}

	return e.LoadInitial(ctx)
}

// Close releases the push subscription and cancels in-flight fetches.
// A closed engine cannot be reopened.
func (e *Engine) Close() error {
	e.mu.Lock()
	cleanup := e.resetLocked()
	e.closed = true
	unwatch := e.unwatch
	e.unwatch = nil
	e.mu.Unlock()
	cleanup()
	if unwatch != nil {
		unwatch()
	}
	return nil
}

// ── Readiness ─────────────────────────────────────────────

func (e *Engine) ready(ctx context.Context) (ActorID, error) {
	actor := e.identity.CurrentActor()
	if actor == "" {
		return "", ErrNotReady
	}
	actx, cancel := context.WithTimeout(ctx, e.authTimeout)
	defer cancel()
	if !e.identity.AuthReady(actx) {
		return "", ErrNotReady
	}
	return actor, nil
}

// current returns the open session, or ErrNotReady. An identity switch
// since Open drops every piece of state that belonged to the old actor.
func (e *Engine) current(ctx context.Context) (session, error) {
	actor, err := e.ready(ctx)
	if err != nil {
		e.checkIdentity()
		return session{}, err
	}
	if e.resetIfSwitched(actor) {
		return session{}, ErrNotReady
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return session{}, ErrNotReady
	}
	return e.sess, nil
}

// checkIdentity drops the open session when the identity no longer
// reports its actor. It runs on every completion that finds its session
// gone, and from the identity's change hook when it has one.
func (e *Engine) checkIdentity() {
	e.resetIfSwitched(e.identity.CurrentActor())
}

func (e *Engine) resetIfSwitched(actor ActorID) bool {
	e.mu.Lock()
	if !e.open || e.sess.actor == actor {
		e.mu.Unlock()
		return false
	}
	e.sessLog(e.sess).Info().Str("new_actor_id", string(actor)).Msg("Identity switched, dropping conversation state")
	cleanup := e.resetLocked()
	snap := e.changedLocked()
	e.mu.Unlock()
	cleanup()
	e.emit(snap)
	return true
}

// ── State helpers (callers hold e.mu) ─────────────────────

func (e *Engine) clearStateLocked() {
	e.msgs.reset()
	e.cursor = nil
	e.hasMore = false
	e.cutoff = nil
	e.hiddenIDs = make(map[MessageID]struct{})
	e.pendingSends = make(map[MessageID]struct{})
	e.pendingUnsends = make(map[MessageID]Message)
	e.tombstones = make(map[MessageID]struct{})
}

// resetLocked ends the current session. The returned func releases the
// subscription and cutoff watch and must run after e.mu is released.
func (e *Engine) resetLocked() func() {
	e.gen++
	e.sess = session{gen: e.gen}
	e.open = false
	e.olderGuard = semaphore.NewWeighted(1)
	e.bumpEpochLocked()
	e.clearStateLocked()

	sub, watchCancel := e.sub, e.watchCancel
	e.sub, e.watchCancel = nil, nil
	return func() {
		if sub != nil {
			sub.Close()
		}
		if watchCancel != nil {
			watchCancel()
		}
	}
}

// bumpEpochLocked cancels every in-flight page fetch.
func (e *Engine) bumpEpochLocked() {
	if e.epochCancel != nil {
		e.epochCancel()
	}
	e.epoch++
	e.epochCtx, e.epochCancel = context.WithCancel(context.Background())
}

func (e *Engine) sessLog(sess session) *zerolog.Logger {
	l := e.log.With().
		Str("conversation_id", string(sess.conv)).
		Str("actor_id", string(sess.actor)).
		Logger()
	return &l
}

// validLocked reports whether sess is still the open session and its actor
// is still the signed-in one.
func (e *Engine) validLocked(sess session) bool {
	return e.open && e.sess == sess && e.identity.CurrentActor() == sess.actor
}

func (e *Engine) beforeCutoffLocked(t time.Time) bool {
	return e.cutoff != nil && t.Before(*e.cutoff)
}

func (e *Engine) hasMoreFor(fetched int, oldest Cursor) bool {
	if fetched < e.pageSize {
		return false
	}
	return e.cutoff == nil || oldest.CreatedAt.After(*e.cutoff)
}

// changedLocked records a visible change and returns the snapshot to emit.
func (e *Engine) changedLocked() Snapshot {
	e.seq++
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{
		ConversationID: e.sess.conv,
		Actor:          e.sess.actor,
		Messages:       e.msgs.snapshot(),
		HasMore:        e.hasMore,
		PendingSends:   len(e.pendingSends),
		Seq:            e.seq,
	}
	if e.cursor != nil {
		c := *e.cursor
		s.OldestCursor = &c
	}
	if e.cutoff != nil {
		t := *e.cutoff
		s.Cutoff = &t
	}
	return s
}

// ── Read accessors ────────────────────────────────────────

// Snapshot returns a copy of the visible state.
func (e *Engine) Snapshot() Snapshot {
	e.checkIdentity()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Messages returns the visible messages, oldest first.
func (e *Engine) Messages() []Message {
	e.checkIdentity()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msgs.snapshot()
}

// HasMore reports whether older history may still be loaded.
func (e *Engine) HasMore() bool {
	e.checkIdentity()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// OldestCursor returns the cursor of the oldest loaded row, if any.
func (e *Engine) OldestCursor() (Cursor, bool) {
	e.checkIdentity()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor == nil {
		return Cursor{}, false
	}
	return *e.cursor, true
}

// ============================================================================
// Pagination
// ============================================================================

type pageResult struct {
	rows    []Message
	hidden  map[MessageID]struct{}
	oldest  *Cursor
	fetched int
}

// LoadInitial fetches the newest page and merges it into the list. Rows
// already delivered by the push feed are kept.
func (e *Engine) LoadInitial(ctx context.Context) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	tok := e.tokenLocked(sess)
	q := PageQuery{Since: copyTime(e.cutoff), Limit: e.pageSize}
	e.mu.Unlock()

	res, err := e.fetchPage(ctx, tok, q, "initial")
	if errors.Is(err, ErrCancelled) {
		e.checkIdentity()
		return nil
	}
	if err != nil {
		return err
	}
	return e.applyPage(tok, res, false)
}

// LoadOlder fetches the page before the oldest cursor. It is a no-op when
// there is nothing more to load or another LoadOlder is still in flight.
func (e *Engine) LoadOlder(ctx context.Context) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return nil
	}
	guard := e.olderGuard
	if !guard.TryAcquire(1) {
		e.mu.Unlock()
		e.sessLog(sess).Debug().Msg("Older page already loading")
		return nil
	}
	defer guard.Release(1)
	if !e.hasMore || e.cursor == nil {
		e.mu.Unlock()
		return nil
	}
	tok := e.tokenLocked(sess)
	before := e.cursor.CreatedAt
	q := PageQuery{Before: &before, Since: copyTime(e.cutoff), Limit: e.pageSize}
	e.mu.Unlock()

	res, err := e.fetchPage(ctx, tok, q, "older")
	if errors.Is(err, ErrCancelled) {
		e.checkIdentity()
		return nil
	}
	if err != nil {
		return err
	}
	return e.applyPage(tok, res, true)
}

func (e *Engine) tokenLocked(sess session) fetchToken {
	return fetchToken{sess: sess, epoch: e.epoch, done: e.epochCtx}
}

func (e *Engine) superseded(tok fetchToken) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.validLocked(tok.sess) || e.epoch != tok.epoch
}

// fetchPage runs one page fetch plus hidden-receipt resolution for the rows
// the engine has not seen yet. The fetch is aborted when tok is superseded.
func (e *Engine) fetchPage(ctx context.Context, tok fetchToken, q PageQuery, page string) (pageResult, error) {
	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(tok.done, cancel)
	defer func() {
		stop()
		cancel()
	}()

	rows, err := e.store.FetchPage(fctx, tok.sess.conv, q)
	if err != nil {
		if e.superseded(tok) {
			e.metrics.fetch(page, "cancelled")
			return pageResult{}, ErrCancelled
		}
		e.metrics.fetch(page, "error")
		e.sessLog(tok.sess).Warn().Err(err).Str("page", page).Msg("Page fetch failed")
		return pageResult{}, err
	}

	res := pageResult{fetched: len(rows)}
	var unseen []MessageID

	e.mu.Lock()
	for _, m := range rows {
		if m.ConversationID != tok.sess.conv {
			e.sessLog(tok.sess).Warn().Str("message_id", string(m.ID)).Msg("Dropping row from another conversation")
			continue
		}
		if q.Since != nil && m.CreatedAt.Before(*q.Since) {
			continue
		}
		c := Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
		if res.oldest == nil || c.before(*res.oldest) {
			res.oldest = &c
		}
		if m.Deleted() {
			continue
		}
		res.rows = append(res.rows, m)
		if _, known := e.hiddenIDs[m.ID]; !known && !e.msgs.has(m.ID) {
			unseen = append(unseen, m.ID)
		}
	}
	e.mu.Unlock()

	if len(unseen) > 0 {
		hidden, err := e.hidden.ResolveHidden(fctx, tok.sess.actor, unseen)
		if err != nil {
			if e.superseded(tok) {
				e.metrics.fetch(page, "cancelled")
				return pageResult{}, ErrCancelled
			}
			e.metrics.fetch(page, "error")
			e.sessLog(tok.sess).Warn().Err(err).Str("page", page).Msg("Hidden receipt resolution failed")
			return pageResult{}, err
		}
		res.hidden = hidden
	}
	return res, nil
}

func (e *Engine) applyPage(tok fetchToken, res pageResult, older bool) error {
	page := "initial"
	if older {
		page = "older"
	}

	e.mu.Lock()
	if !e.validLocked(tok.sess) || e.epoch != tok.epoch {
		e.mu.Unlock()
		e.metrics.fetch(page, "cancelled")
		e.sessLog(tok.sess).Debug().Str("page", page).Msg("Discarding superseded page")
		e.checkIdentity()
		return nil
	}

	for id := range res.hidden {
		e.hiddenIDs[id] = struct{}{}
	}
	for _, m := range res.rows {
		if _, hidden := e.hiddenIDs[m.ID]; hidden {
			continue
		}
		if _, gone := e.tombstones[m.ID]; gone {
			continue
		}
		if _, unsending := e.pendingUnsends[m.ID]; unsending {
			continue
		}
		e.msgs.insert(m.clone())
	}

	switch {
	case res.oldest != nil && (e.cursor == nil || res.oldest.before(*e.cursor)):
		e.cursor = res.oldest
		e.hasMore = e.hasMoreFor(res.fetched, *res.oldest)
	case res.oldest == nil && (older || e.cursor == nil):
		e.hasMore = false
	}

	snap := e.changedLocked()
	e.mu.Unlock()

	e.metrics.fetch(page, "ok")
	e.sessLog(tok.sess).Debug().Str("page", page).Int("fetched", res.fetched).Bool("has_more", snap.HasMore).Msg("Page merged")
	e.emit(snap)
	return nil
}

func (c Cursor) before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
