package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// at returns t0 plus n seconds.
func at(n int) time.Time { return t0.Add(time.Duration(n) * time.Second) }

func row(id string, createdSec int, sender ActorID, body string) Message {
	return Message{
		ID:             MessageID(id),
		ConversationID: "c1",
		SenderID:       sender,
		Body:           strPtr(body),
		CreatedAt:      at(createdSec),
	}
}

func ids(ms []Message) []MessageID {
	out := make([]MessageID, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// requireInvariants checks that the list is sorted, id-unique, free of
// unsent rows and respects the cutoff.
func requireInvariants(t *testing.T, s Snapshot) {
	t.Helper()
	seen := make(map[MessageID]bool)
	for i, m := range s.Messages {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		require.False(t, m.Deleted(), "unsent message %s is visible", m.ID)
		if i > 0 {
			require.True(t, s.Messages[i-1].less(m), "list not sorted at %d", i)
		}
		if s.Cutoff != nil {
			require.False(t, m.CreatedAt.Before(*s.Cutoff), "message %s is before cutoff", m.ID)
		}
	}
}

// ============================================================================
// fakeStore
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	rows    map[MessageID]Message
	seq     int
	now     func() time.Time
	feed    *Broadcaster
	queries []PageQuery

	// fetchGate, when set, blocks FetchPage until it is closed or the
	// context ends. With gateIgnoresCtx only closing it releases the fetch.
	fetchGate      chan struct{}
	fetching       chan struct{}
	gateIgnoresCtx bool

	insertErr error
	insertHook func()
	editErr   error
	unsendErr error
	subErr    error
}

func newFakeStore(rows ...Message) *fakeStore {
	s := &fakeStore{
		rows: make(map[MessageID]Message),
		now:  func() time.Time { return at(100) },
		feed: NewBroadcaster(),
	}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *fakeStore) FetchPage(ctx context.Context, conv ConversationID, q PageQuery) ([]Message, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	gate, fetching, stubborn := s.fetchGate, s.fetching, s.gateIgnoresCtx
	s.mu.Unlock()

	if gate != nil {
		if fetching != nil {
			select {
			case fetching <- struct{}{}:
			default:
			}
		}
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.rows {
		if m.ConversationID != conv || m.Deleted() {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		if q.Since != nil && m.CreatedAt.Before(*q.Since) {
			continue
		}
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[j].less(out[i]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, conv ConversationID, sender ActorID, body, clientID string) (Message, error) {
	s.mu.Lock()
	hook, err := s.insertHook, s.insertErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m := Message{
		ID:             MessageID(fmt.Sprintf("srv-%d", s.seq)),
		ConversationID: conv,
		SenderID:       sender,
		Body:           strPtr(body),
		ClientID:       clientID,
		CreatedAt:      s.now(),
	}
	s.rows[m.ID] = m
	return m.clone(), nil
}

func (s *fakeStore) Edit(_ context.Context, id MessageID, actor ActorID, body string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return Message{}, s.editErr
	}
	m, ok := s.rows[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if m.SenderID != actor {
		return Message{}, ErrPermissionDenied
	}
	edited := s.now()
	m.Body = strPtr(body)
	m.EditedAt = &edited
	s.rows[id] = m
	return m.clone(), nil
}

func (s *fakeStore) Unsend(_ context.Context, id MessageID, actor ActorID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsendErr != nil {
		return Message{}, s.unsendErr
	}
	m, ok := s.rows[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if m.SenderID != actor {
		return Message{}, ErrPermissionDenied
	}
	deleted := s.now()
	m.Body = nil
	m.DeletedAt = &deleted
	s.rows[id] = m
	return m.clone(), nil
}

func (s *fakeStore) Subscribe(_ context.Context, conv ConversationID) (*Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	return s.feed.Subscribe(conv), nil
}

// ============================================================================
// fakeHidden / fakeCutoffs / fakeIdentity
// ============================================================================

type fakeHidden struct {
	mu       sync.Mutex
	hidden   map[ActorID]map[MessageID]struct{}
	hideErr  error
	resolves [][]MessageID
}

func newFakeHidden() *fakeHidden {
	return &fakeHidden{hidden: make(map[ActorID]map[MessageID]struct{})}
}

func (h *fakeHidden) ResolveHidden(_ context.Context, actor ActorID, ids []MessageID) (map[MessageID]struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolves = append(h.resolves, append([]MessageID(nil), ids...))
	out := make(map[MessageID]struct{})
	for _, id := range ids {
		if _, ok := h.hidden[actor][id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (h *fakeHidden) Hide(_ context.Context, actor ActorID, id MessageID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hideErr != nil {
		return h.hideErr
	}
	if h.hidden[actor] == nil {
		h.hidden[actor] = make(map[MessageID]struct{})
	}
	h.hidden[actor][id] = struct{}{}
	return nil
}

type fakeCutoffs struct {
	mu      sync.Mutex
	cutoff  *time.Time
	clearAt time.Time
	notify  *CutoffNotifier
}

func newFakeCutoffs(cutoff *time.Time) *fakeCutoffs {
	return &fakeCutoffs{cutoff: cutoff, notify: NewCutoffNotifier()}
}

func (c *fakeCutoffs) Cutoff(context.Context, ActorID, ConversationID) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTime(c.cutoff), nil
}

func (c *fakeCutoffs) ClearHistory(context.Context, ActorID, ConversationID) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.clearAt
	c.cutoff = &t
	return t, nil
}

func (c *fakeCutoffs) WatchCutoff(ctx context.Context, actor ActorID, conv ConversationID) (<-chan time.Time, error) {
	return c.notify.Watch(ctx, actor, conv), nil
}

type fakeIdentity struct {
	mu    sync.Mutex
	actor ActorID
	ready bool
}

func newFakeIdentity(actor ActorID) *fakeIdentity {
	return &fakeIdentity{actor: actor, ready: true}
}

func (f *fakeIdentity) CurrentActor() ActorID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actor
}

func (f *fakeIdentity) AuthReady(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeIdentity) switchTo(actor ActorID) {
	f.mu.Lock()
	f.actor = actor
	f.mu.Unlock()
}
