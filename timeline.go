package chatsync

import (
	"sort"
	"time"
)

// timeline is the engine's ordered, id-unique message list. It is not safe
// for concurrent use; the engine serializes access.
type timeline struct {
	items []Message
}

func (t *timeline) indexOf(id MessageID) int {
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) has(id MessageID) bool { return t.indexOf(id) >= 0 }

func (t *timeline) get(id MessageID) (Message, bool) {
	if i := t.indexOf(id); i >= 0 {
		return t.items[i], true
	}
	return Message{}, false
}

// insert adds m at its sorted position. Duplicate ids are rejected.
func (t *timeline) insert(m Message) bool {
	if t.has(m.ID) {
		return false
	}
	i := sort.Search(len(t.items), func(i int) bool { return m.less(t.items[i]) })
	t.items = append(t.items, Message{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = m
	return true
}

func (t *timeline) remove(id MessageID) (Message, bool) {
	i := t.indexOf(id)
	if i < 0 {
		return Message{}, false
	}
	m := t.items[i]
	t.items = append(t.items[:i], t.items[i+1:]...)
	return m, true
}

// replaceFields swaps the mutable fields of id in place. createdAt never
// changes for a confirmed row, so the position holds.
func (t *timeline) replaceFields(row Message) bool {
	i := t.indexOf(row.ID)
	if i < 0 {
		return false
	}
	t.items[i].Body = row.Body
	t.items[i].EditedAt = row.EditedAt
	return true
}

// evictBefore drops every message created strictly before cutoff.
func (t *timeline) evictBefore(cutoff time.Time) []MessageID {
	var evicted []MessageID
	kept := t.items[:0]
	for _, m := range t.items {
		if m.CreatedAt.Before(cutoff) {
			evicted = append(evicted, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	t.items = kept
	return evicted
}

// firstOptimistic returns the oldest optimistic entry accepted by match.
func (t *timeline) firstOptimistic(match func(Message) bool) (Message, bool) {
	for _, m := range t.items {
		if m.Optimistic && match(m) {
			return m, true
		}
	}
	return Message{}, false
}

func (t *timeline) snapshot() []Message {
	out := make([]Message, len(t.items))
	for i, m := range t.items {
		out[i] = m.clone()
	}
	return out
}

func (t *timeline) reset() { t.items = nil }
