package chatsync

import "time"

// ============================================================================
// Push feed ingestion
// ============================================================================

// ApplyChange merges one row change from the push feed into the open
// conversation. Changes for other conversations are ignored.
func (e *Engine) ApplyChange(ch RowChange) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	e.applyChange(sess, ch)
}

func (e *Engine) applyChange(sess session, ch RowChange) {
	e.mu.Lock()
	if !e.validLocked(sess) {
		e.mu.Unlock()
		e.checkIdentity()
		return
	}
	outcome, changed := e.applyChangeLocked(ch)
	var snap Snapshot
	if changed {
		snap = e.changedLocked()
	}
	e.mu.Unlock()

	e.metrics.push(ch.Kind, outcome)
	e.sessLog(sess).Debug().
		Str("kind", string(ch.Kind)).
		Str("message_id", string(ch.Row.ID)).
		Str("outcome", outcome).
		Msg("Push event")
	if changed {
		e.emit(snap)
	}
}

// applyChangeLocked evaluates the cutoff rule first, then the per-kind
// rules. It returns a short outcome label and whether the list changed.
func (e *Engine) applyChangeLocked(ch RowChange) (string, bool) {
	row := ch.Row
	if row.ConversationID != "" && row.ConversationID != e.sess.conv {
		return "foreign", false
	}

	if !row.CreatedAt.IsZero() && e.beforeCutoffLocked(row.CreatedAt) {
		if ch.Kind == ChangeInsert {
			return "before_cutoff", false
		}
		delete(e.pendingUnsends, row.ID)
		if _, removed := e.msgs.remove(row.ID); removed {
			e.metrics.evict("cutoff", 1)
			return "evicted", true
		}
		return "before_cutoff", false
	}

	switch ch.Kind {
	case ChangeInsert:
		return e.insertLocked(row)

	case ChangeUpdate:
		if row.Deleted() {
			e.tombstones[row.ID] = struct{}{}
			delete(e.pendingUnsends, row.ID)
			if _, removed := e.msgs.remove(row.ID); removed {
				e.metrics.evict("unsent", 1)
				return "unsent", true
			}
			return "unsent", false
		}
		if stash, ok := e.pendingUnsends[row.ID]; ok {
			stash.Body = row.Body
			stash.EditedAt = row.EditedAt
			e.pendingUnsends[row.ID] = stash
			return "stashed", false
		}
		if e.msgs.replaceFields(row) {
			return "updated", true
		}
		return "absent", false

	case ChangeDelete:
		e.tombstones[row.ID] = struct{}{}
		delete(e.pendingUnsends, row.ID)
		if _, removed := e.msgs.remove(row.ID); removed {
			e.metrics.evict("deleted", 1)
			return "deleted", true
		}
		return "absent", false
	}
	return "unknown_kind", false
}

func (e *Engine) insertLocked(row Message) (string, bool) {
	if row.Deleted() {
		return "deleted", false
	}
	if e.msgs.has(row.ID) {
		return "duplicate", false
	}
	if _, gone := e.tombstones[row.ID]; gone {
		return "tombstoned", false
	}
	if _, unsending := e.pendingUnsends[row.ID]; unsending {
		return "unsending", false
	}
	if row.SenderID == e.sess.actor {
		if local, ok := e.matchOptimisticLocked(row); ok {
			delete(e.pendingSends, local.ID)
			e.msgs.remove(local.ID)
			e.msgs.insert(row.clone())
			return "reconciled", true
		}
	}
	if _, hidden := e.hiddenIDs[row.ID]; hidden {
		return "hidden", false
	}
	e.msgs.insert(row.clone())
	return "inserted", true
}

// pump feeds the subscription into the engine until it is released.
func (e *Engine) pump(sess session, sub *Subscription) {
	for {
		select {
		case ch := <-sub.Events():
			e.applyChange(sess, ch)
		case <-sub.Done():
			return
		}
	}
}

// watchCutoff applies cutoff changes pushed by the resolver.
func (e *Engine) watchCutoff(sess session, changes <-chan time.Time) {
	for at := range changes {
		e.applyCutoff(sess, at)
	}
}
