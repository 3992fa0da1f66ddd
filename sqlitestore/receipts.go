package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

// ============================================================================
// Hidden receipts
// ============================================================================

// ResolveHidden returns the subset of ids actor has hidden.
func (s *Store) ResolveHidden(ctx context.Context, actor chatsync.ActorID, ids []chatsync.MessageID) (map[chatsync.MessageID]struct{}, error) {
	hidden := make(map[chatsync.MessageID]struct{})
	if len(ids) == 0 {
		return hidden, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(actor))
	for _, id := range ids {
		args = append(args, string(id))
	}
	query := `SELECT message_id FROM message_hides WHERE actor_id = ? AND message_id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve hidden for %q: %w", actor, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan hide row: %w", err)
		}
		hidden[chatsync.MessageID(id)] = struct{}{}
	}
	return hidden, rows.Err()
}

// Hide records a receipt. Hiding twice is a no-op.
func (s *Store) Hide(ctx context.Context, actor chatsync.ActorID, id chatsync.MessageID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_hides (actor_id, message_id, hidden_at) VALUES (?, ?, ?)`,
		string(actor), string(id), s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("hide message %q: %w", id, err)
	}
	return nil
}

// ============================================================================
// History cutoffs
// ============================================================================

func (s *Store) Cutoff(ctx context.Context, actor chatsync.ActorID, conv chatsync.ConversationID) (*time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT history_cutoff_at FROM conversation_cutoffs WHERE actor_id = ? AND conversation_id = ?`,
		string(actor), string(conv),
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cutoff: %w", err)
	}
	t := fromStamp(at)
	return &t, nil
}

// ClearHistory moves actor's cutoff for conv to now. A stored cutoff that
// is already later is kept.
func (s *Store) ClearHistory(ctx context.Context, actor chatsync.ActorID, conv chatsync.ConversationID) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_cutoffs (actor_id, conversation_id, history_cutoff_at)
		VALUES (?, ?, ?)
		ON CONFLICT (actor_id, conversation_id)
		DO UPDATE SET history_cutoff_at = max(history_cutoff_at, excluded.history_cutoff_at)
		RETURNING history_cutoff_at`,
		string(actor), string(conv), s.stamp(),
	).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("clear history: %w", err)
	}
	cutoff := fromStamp(at)
	s.cutoffs.Notify(actor, conv, cutoff)
	s.log.Debug().
		Str("actor_id", string(actor)).
		Str("conversation_id", string(conv)).
		Time("cutoff", cutoff).
		Msg("History cleared")
	return cutoff, nil
}

// WatchCutoff delivers cutoff changes made through this store.
func (s *Store) WatchCutoff(ctx context.Context, actor chatsync.ActorID, conv chatsync.ConversationID) (<-chan time.Time, error) {
	return s.cutoffs.Watch(ctx, actor, conv), nil
}
