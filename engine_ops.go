package chatsync

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// Optimistic send
// ============================================================================

// Send shows body immediately as an optimistic message and inserts it. On
// success the optimistic entry is replaced by the confirmed row; on failure
// it is removed and the store error is returned unchanged.
func (e *Engine) Send(ctx context.Context, body string) (Message, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrInvalidBody
	}

	tempID := newTempID()
	local := Message{
		ID:             tempID,
		ConversationID: sess.conv,
		SenderID:       sess.actor,
		Body:           strPtr(body),
		ClientID:       string(tempID),
		CreatedAt:      e.now().UTC(),
		Optimistic:     true,
		TempID:         tempID,
	}

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return Message{}, ErrNotReady
	}
	e.msgs.insert(local)
	e.pendingSends[tempID] = struct{}{}
	snap := e.changedLocked()
	e.mu.Unlock()
	e.emit(snap)

	log := e.sessLog(sess).With().Str("temp_id", string(tempID)).Logger()
	row, err := e.store.Insert(ctx, sess.conv, sess.actor, body, local.ClientID)

	e.mu.Lock()
	if !e.validLocked(sess) {
		// The conversation or actor changed while the insert was in flight.
		e.mu.Unlock()
		e.checkIdentity()
		return row, err
	}
	if err != nil {
		if _, pending := e.pendingSends[tempID]; pending {
			delete(e.pendingSends, tempID)
			e.msgs.remove(tempID)
		}
		snap := e.changedLocked()
		e.mu.Unlock()
		e.metrics.send("rolled_back")
		log.Warn().Err(err).Msg("Send failed, optimistic message removed")
		e.emit(snap)
		return Message{}, err
	}
	outcome := e.confirmSendLocked(tempID, row)
	snap = e.changedLocked()
	e.mu.Unlock()

	e.metrics.send(outcome)
	log.Debug().Str("message_id", string(row.ID)).Str("outcome", outcome).Msg("Send confirmed")
	e.emit(snap)
	return row, nil
}

// confirmSendLocked swaps the optimistic entry for the confirmed row. When
// the push feed already did so the row is only inserted if it went missing.
func (e *Engine) confirmSendLocked(tempID MessageID, row Message) string {
	outcome := "reconciled"
	if _, pending := e.pendingSends[tempID]; pending {
		delete(e.pendingSends, tempID)
		e.msgs.remove(tempID)
		outcome = "confirmed"
	}
	if !e.visibleLocked(row) {
		return outcome
	}
	e.msgs.insert(row.clone())
	return outcome
}

// visibleLocked reports whether a confirmed row may enter the list.
func (e *Engine) visibleLocked(row Message) bool {
	if row.Deleted() || e.beforeCutoffLocked(row.CreatedAt) {
		return false
	}
	if _, hidden := e.hiddenIDs[row.ID]; hidden {
		return false
	}
	if _, gone := e.tombstones[row.ID]; gone {
		return false
	}
	_, unsending := e.pendingUnsends[row.ID]
	return !unsending
}

// matchOptimisticLocked finds the optimistic entry a pushed row confirms.
// An echoed client id is authoritative. Rows without one fall back to the
// same-body heuristic within the merge window.
func (e *Engine) matchOptimisticLocked(row Message) (Message, bool) {
	if row.ClientID != "" {
		return e.msgs.firstOptimistic(func(m Message) bool {
			return m.ClientID == row.ClientID
		})
	}
	return e.msgs.firstOptimistic(func(m Message) bool {
		if m.Text() != row.Text() {
			return false
		}
		d := row.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		return d <= e.mergeWindow
	})
}

// ============================================================================
// Edit / Unsend / Hide
// ============================================================================

// Edit replaces the body of a confirmed message sent by the current actor.
func (e *Engine) Edit(ctx context.Context, id MessageID, body string) (Message, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrInvalidBody
	}
	if err := e.checkOwnConfirmed(sess, id); err != nil {
		return Message{}, err
	}

	row, err := e.store.Edit(ctx, id, sess.actor, body)
	if err != nil {
		e.sessLog(sess).Warn().Err(err).Str("message_id", string(id)).Msg("Edit failed")
		return Message{}, err
	}

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return row, nil
	}
	if row.Deleted() {
		e.tombstones[row.ID] = struct{}{}
		e.msgs.remove(row.ID)
	} else {
		e.msgs.replaceFields(row)
	}
	snap := e.changedLocked()
	e.mu.Unlock()
	e.emit(snap)
	return row, nil
}

// Unsend soft-deletes a message for every participant. The message leaves
// the list immediately and comes back only if the store rejects the unsend.
func (e *Engine) Unsend(ctx context.Context, id MessageID) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}
	if err := e.checkOwnConfirmed(sess, id); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return ErrNotReady
	}
	stash, ok := e.msgs.remove(id)
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.pendingUnsends[id] = stash
	snap := e.changedLocked()
	e.mu.Unlock()
	e.emit(snap)

	_, err = e.store.Unsend(ctx, id, sess.actor)

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return err
	}
	stash, stillPending := e.pendingUnsends[id]
	delete(e.pendingUnsends, id)
	if err != nil {
		if stillPending && e.visibleLocked(stash) {
			e.msgs.insert(stash)
		}
		snap := e.changedLocked()
		e.mu.Unlock()
		e.sessLog(sess).Warn().Err(err).Str("message_id", string(id)).Msg("Unsend failed, message restored")
		e.emit(snap)
		return err
	}
	e.tombstones[id] = struct{}{}
	e.mu.Unlock()
	return nil
}

// checkOwnConfirmed enforces the edit and unsend preconditions.
func (e *Engine) checkOwnConfirmed(sess session, id MessageID) error {
	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return ErrNotReady
	}
	defer e.mu.Unlock()
	m, ok := e.msgs.get(id)
	switch {
	case !ok:
		if _, gone := e.tombstones[id]; gone {
			return ErrMessageDeleted
		}
		return ErrNotFound
	case m.Optimistic:
		return ErrPendingConfirmation
	case m.SenderID != sess.actor:
		return ErrPermissionDenied
	}
	return nil
}

// Hide removes a message from this actor's view only. The receipt is
// recorded best-effort: a store failure is logged, never returned, and the
// local removal stands.
func (e *Engine) Hide(ctx context.Context, id MessageID) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}
	if id.IsTemp() {
		return ErrPendingConfirmation
	}

	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return ErrNotReady
	}
	e.hiddenIDs[id] = struct{}{}
	_, removed := e.msgs.remove(id)
	snap := e.changedLocked()
	e.mu.Unlock()
	if removed {
		e.metrics.evict("hidden", 1)
		e.emit(snap)
	}

	if err := e.hidden.Hide(ctx, sess.actor, id); err != nil {
		e.sessLog(sess).Warn().Err(err).Str("message_id", string(id)).Msg("Hide receipt not recorded")
	}
	return nil
}

// ============================================================================
// History cutoff
// ============================================================================

// ClearHistory advances the actor's history cutoff to now and drops every
// loaded message older than it.
func (e *Engine) ClearHistory(ctx context.Context) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}
	at, err := e.cutoffs.ClearHistory(ctx, sess.actor, sess.conv)
	if err != nil {
		return err
	}
	e.applyCutoff(sess, at)
	return nil
}

// ApplyCutoff re-applies a changed history cutoff to the loaded messages.
// Cutoffs only move forward; an older value is ignored.
func (e *Engine) ApplyCutoff(at time.Time) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	e.applyCutoff(sess, at)
}

func (e *Engine) applyCutoff(sess session, at time.Time) {
	at = at.UTC()
	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return
	}
	if e.cutoff != nil && !at.After(*e.cutoff) {
		e.mu.Unlock()
		return
	}
	evicted := e.applyCutoffLocked(at)
	snap := e.changedLocked()
	e.mu.Unlock()

	e.metrics.evict("cutoff", evicted)
	e.sessLog(sess).Debug().Time("cutoff", at).Int("evicted", evicted).Msg("History cutoff applied")
	e.emit(snap)
}

func (e *Engine) applyCutoffLocked(at time.Time) int {
	e.cutoff = &at
	// Pages requested under the old cutoff would no longer be bounded by it.
	e.bumpEpochLocked()

	evicted := e.msgs.evictBefore(at)
	for _, id := range evicted {
		delete(e.pendingSends, id)
	}
	for id, m := range e.pendingUnsends {
		if m.CreatedAt.Before(at) {
			delete(e.pendingUnsends, id)
		}
	}

	if e.cursor != nil && !e.cursor.CreatedAt.After(at) {
		e.hasMore = false
		e.cursor = nil
		for _, m := range e.msgs.items {
			if !m.Optimistic {
				e.cursor = &Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
				break
			}
		}
	}
	return len(evicted)
}
