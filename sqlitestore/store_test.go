package sqlitestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestOpenMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestInsertAndFetchPage(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var ids []chatsync.MessageID
	for _, body := range []string{"one", "two", "three", "four"} {
		m, err := s.Insert(ctx, "c1", "alice", body, "")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := s.Insert(ctx, "c2", "alice", "elsewhere", "")
	require.NoError(t, err)

	t.Run("newest first with limit", func(t *testing.T) {
		rows, err := s.FetchPage(ctx, "c1", chatsync.PageQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, ids[3], rows[0].ID)
		assert.Equal(t, ids[2], rows[1].ID)
	})

	t.Run("before is exclusive", func(t *testing.T) {
		first, err := s.Get(ctx, ids[2])
		require.NoError(t, err)
		rows, err := s.FetchPage(ctx, "c1", chatsync.PageQuery{Before: &first.CreatedAt, Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, ids[1], rows[0].ID)
	})

	t.Run("since is inclusive", func(t *testing.T) {
		m, err := s.Get(ctx, ids[2])
		require.NoError(t, err)
		rows, err := s.FetchPage(ctx, "c1", chatsync.PageQuery{Since: &m.CreatedAt, Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, ids[2], rows[1].ID)
	})
}

func TestInsertIsIdempotentPerClientID(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	a, err := s.Insert(ctx, "c1", "alice", "hi", "tmp_1")
	require.NoError(t, err)
	b, err := s.Insert(ctx, "c1", "alice", "hi", "tmp_1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "tmp_1", b.ClientID)

	rows, err := s.FetchPage(ctx, "c1", chatsync.PageQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.Insert(ctx, "c1", "alice", "  ", "")
	assert.ErrorIs(t, err, chatsync.ErrInvalidBody)
}

func TestEditAndUnsendAreSenderOnly(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, "c1", "alice", "hello", "")
	require.NoError(t, err)

	_, err = s.Edit(ctx, m.ID, "bob", "hijack")
	assert.ErrorIs(t, err, chatsync.ErrPermissionDenied)
	_, err = s.Unsend(ctx, m.ID, "bob")
	assert.ErrorIs(t, err, chatsync.ErrPermissionDenied)
	_, err = s.Edit(ctx, "missing", "alice", "x")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)

	edited, err := s.Edit(ctx, m.ID, "alice", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "hello again", edited.Text())
	require.NotNil(t, edited.EditedAt)

	unsent, err := s.Unsend(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.True(t, unsent.Deleted())
	assert.Nil(t, unsent.Body)

	_, err = s.Edit(ctx, m.ID, "alice", "too late")
	assert.ErrorIs(t, err, chatsync.ErrMessageDeleted)
	_, err = s.Unsend(ctx, m.ID, "alice")
	assert.ErrorIs(t, err, chatsync.ErrMessageDeleted)

	rows, err := s.FetchPage(ctx, "c1", chatsync.PageQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubscribePublishesChanges(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer sub.Close()

	m, err := s.Insert(ctx, "c1", "alice", "hello", "tmp_x")
	require.NoError(t, err)
	_, err = s.Insert(ctx, "c2", "alice", "not for c1", "")
	require.NoError(t, err)
	_, err = s.Unsend(ctx, m.ID, "alice")
	require.NoError(t, err)

	next := func() chatsync.RowChange {
		select {
		case ch := <-sub.Events():
			return ch
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
		return chatsync.RowChange{}
	}

	ch := next()
	assert.Equal(t, chatsync.ChangeInsert, ch.Kind)
	assert.Equal(t, "tmp_x", ch.Row.ClientID)

	ch = next()
	assert.Equal(t, chatsync.ChangeUpdate, ch.Kind)
	assert.True(t, ch.Row.Deleted())

	require.NoError(t, s.Purge(ctx, m.ID))
	ch = next()
	assert.Equal(t, chatsync.ChangeDelete, ch.Kind)
	assert.Equal(t, m.ID, ch.Row.ID)
}

func TestCommittedChangeOutlivesCallerContext(t *testing.T) {
	s, _ := openTestStore(t)
	bg := context.Background()

	sub, err := s.Subscribe(bg, "c1")
	require.NoError(t, err)
	defer sub.Close()

	// Fill the subscription buffer so the next publish has to wait.
	for i := 0; i < cap(sub.Events()); i++ {
		_, err := s.Insert(bg, "c1", "alice", "filler", "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		_, err := s.Insert(ctx, "c1", "alice", "late", "tmp_late")
		done <- err
	}()

	require.Eventually(t, func() bool {
		rows, err := s.FetchPage(bg, "c1", chatsync.PageQuery{Limit: 1})
		return err == nil && len(rows) == 1 && rows[0].ClientID == "tmp_late"
	}, time.Second, 5*time.Millisecond, "row committed")
	cancel()

	var last chatsync.RowChange
	for i := 0; i <= cap(sub.Events()); i++ {
		select {
		case last = <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("change %d never arrived", i)
		}
	}
	assert.Equal(t, "tmp_late", last.Row.ClientID)
	require.NoError(t, <-done)
}

func TestHiddenReceipts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Hide(ctx, "alice", "m1"))
	require.NoError(t, s.Hide(ctx, "alice", "m1"))
	require.NoError(t, s.Hide(ctx, "bob", "m2"))

	hidden, err := s.ResolveHidden(ctx, "alice", []chatsync.MessageID{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, map[chatsync.MessageID]struct{}{"m1": {}}, hidden)

	hidden, err = s.ResolveHidden(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, hidden)
}

func TestClearHistoryOnlyMovesForward(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	at, err := s.Cutoff(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Nil(t, at)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, err := s.WatchCutoff(wctx, "alice", "c1")
	require.NoError(t, err)

	first, err := s.ClearHistory(ctx, "alice", "c1")
	require.NoError(t, err)
	select {
	case got := <-changes:
		assert.True(t, got.Equal(first))
	case <-time.After(time.Second):
		t.Fatal("expected cutoff notification")
	}

	clock.mu.Lock()
	clock.now = clock.now.Add(-time.Hour)
	clock.mu.Unlock()

	second, err := s.ClearHistory(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, second.Equal(first), "cutoff must not move backwards")

	stored, err := s.Cutoff(ctx, "alice", "c1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Equal(first))

	other, err := s.Cutoff(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Nil(t, other)
}
