package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

const messageColumns = `id, conversation_id, sender_actor_id, body, client_id, created_at, edited_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (chatsync.Message, error) {
	var (
		m        chatsync.Message
		body     sql.NullString
		clientID sql.NullString
		created  int64
		edited   sql.NullInt64
		deleted  sql.NullInt64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &body, &clientID, &created, &edited, &deleted); err != nil {
		return chatsync.Message{}, err
	}
	if body.Valid {
		b := body.String
		m.Body = &b
	}
	m.ClientID = clientID.String
	m.CreatedAt = fromStamp(created)
	m.EditedAt = nullStamp(edited)
	m.DeletedAt = nullStamp(deleted)
	return m, nil
}

// FetchPage returns live rows of conv newest first.
func (s *Store) FetchPage(ctx context.Context, conv chatsync.ConversationID, q chatsync.PageQuery) ([]chatsync.Message, error) {
	var (
		where = []string{"conversation_id = ?", "deleted_at IS NULL"}
		args  = []any{string(conv)}
	)
	if q.Before != nil {
		where = append(where, "created_at < ?")
		args = append(args, q.Before.UTC().UnixNano())
	}
	if q.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch page for %q: %w", conv, err)
	}
	defer rows.Close()

	out := make([]chatsync.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Get returns one row, unsent rows included.
func (s *Store) Get(ctx context.Context, id chatsync.MessageID) (chatsync.Message, error) {
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id chatsync.MessageID) (chatsync.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return chatsync.Message{}, fmt.Errorf("message %q: %w", id, chatsync.ErrNotFound)
	}
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("get message %q: %w", id, err)
	}
	return m, nil
}

// Insert stores a new message. A repeated clientID from the same sender
// returns the row stored the first time.
func (s *Store) Insert(ctx context.Context, conv chatsync.ConversationID, sender chatsync.ActorID, body, clientID string) (chatsync.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chatsync.Message{}, chatsync.ErrInvalidBody
	}
	if clientID != "" {
		m, err := scanMessage(s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE sender_actor_id = ? AND client_id = ?`,
			string(sender), clientID,
		))
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return chatsync.Message{}, fmt.Errorf("lookup client id %q: %w", clientID, err)
		}
	}

	m := chatsync.Message{
		ID:             chatsync.MessageID(uuid.NewString()),
		ConversationID: conv,
		SenderID:       sender,
		Body:           &body,
		ClientID:       clientID,
		CreatedAt:      fromStamp(s.stamp()),
	}
	var cid any
	if clientID != "" {
		cid = clientID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_actor_id, body, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(conv), string(sender), body, cid, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.publish(ctx, chatsync.ChangeInsert, m)
	return m, nil
}

// ownLive loads id inside tx and checks it belongs to actor and is not
// unsent.
func (s *Store) ownLive(ctx context.Context, tx *sql.Tx, id chatsync.MessageID, actor chatsync.ActorID) (chatsync.Message, error) {
	m, err := s.get(ctx, tx, id)
	if err != nil {
		return chatsync.Message{}, err
	}
	if m.SenderID != actor {
		return chatsync.Message{}, fmt.Errorf("message %q: %w", id, chatsync.ErrPermissionDenied)
	}
	if m.Deleted() {
		return chatsync.Message{}, fmt.Errorf("message %q: %w", id, chatsync.ErrMessageDeleted)
	}
	return m, nil
}

// Edit replaces the body of actor's own live message.
func (s *Store) Edit(ctx context.Context, id chatsync.MessageID, actor chatsync.ActorID, body string) (chatsync.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chatsync.Message{}, chatsync.ErrInvalidBody
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("begin edit: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	m, err := s.ownLive(ctx, tx, id, actor)
	if err != nil {
		return chatsync.Message{}, err
	}
	edited := fromStamp(s.stamp())
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET body = ?, edited_at = ? WHERE id = ?`,
		body, edited.UnixNano(), string(id),
	); err != nil {
		return chatsync.Message{}, fmt.Errorf("edit message %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return chatsync.Message{}, fmt.Errorf("commit edit: %w", err)
	}

	m.Body = &body
	m.EditedAt = &edited
	s.publish(ctx, chatsync.ChangeUpdate, m)
	return m, nil
}

// Unsend soft-deletes actor's own message for every participant.
func (s *Store) Unsend(ctx context.Context, id chatsync.MessageID, actor chatsync.ActorID) (chatsync.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("begin unsend: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	m, err := s.ownLive(ctx, tx, id, actor)
	if err != nil {
		return chatsync.Message{}, err
	}
	deleted := fromStamp(s.stamp())
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET body = NULL, deleted_at = ? WHERE id = ?`,
		deleted.UnixNano(), string(id),
	); err != nil {
		return chatsync.Message{}, fmt.Errorf("unsend message %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return chatsync.Message{}, fmt.Errorf("commit unsend: %w", err)
	}

	m.Body = nil
	m.DeletedAt = &deleted
	s.publish(ctx, chatsync.ChangeUpdate, m)
	return m, nil
}

// Purge hard-deletes a row, as retention jobs do. Subscribers receive a
// delete carrying only the id and conversation.
func (s *Store) Purge(ctx context.Context, id chatsync.MessageID) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("purge message %q: %w", id, err)
	}
	s.publish(ctx, chatsync.ChangeDelete, chatsync.Message{ID: m.ID, ConversationID: m.ConversationID})
	return nil
}
