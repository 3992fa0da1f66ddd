package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Identifiers
// ============================================================================

// ActorID identifies who is acting: a personal profile or a brand identity.
// The engine only compares actor ids for equality.
type ActorID string

// ConversationID identifies a conversation thread.
type ConversationID string

// MessageID is either a server-assigned id or a client-generated temp id.
type MessageID string

const tempIDPrefix = "tmp_"

func newTempID() MessageID {
	return MessageID(tempIDPrefix + uuid.NewString())
}

// IsTemp reports whether the id was generated locally for an optimistic send.
func (id MessageID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempIDPrefix)
}

// ============================================================================
// Message
// ============================================================================

// Message is a chat message as held by the engine.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       ActorID        `json:"senderId"`
	Body           *string        `json:"body"`
	ClientID       string         `json:"clientId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`

	// Client-only state, never persisted.
	Optimistic bool      `json:"optimistic,omitempty"`
	TempID     MessageID `json:"tempId,omitempty"`
}

// Text returns the body or "" once the message has been unsent.
func (m Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Deleted reports whether the row has been unsent.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// clone returns a copy that shares no pointers with m.
func (m Message) clone() Message {
	c := m
	if m.Body != nil {
		b := *m.Body
		c.Body = &b
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

// less orders by createdAt, breaking ties by id so that equal timestamps
// still produce a stable order.
func (m Message) less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

func strPtr(s string) *string { return &s }

// ============================================================================
// Paging & Change Feed
// ============================================================================

// Cursor marks the oldest message currently loaded.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        MessageID `json:"id"`
}

// PageQuery bounds a page fetch. Before is exclusive, Since is inclusive.
type PageQuery struct {
	Before *time.Time
	Since  *time.Time
	Limit  int
}

// ChangeKind is the kind of a row change delivered by the push feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ParseChangeKind accepts both lower-case kinds and the INSERT/UPDATE/DELETE
// spelling used by database webhooks.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(s) {
	case "insert":
		return ChangeInsert, nil
	case "update":
		return ChangeUpdate, nil
	case "delete":
		return ChangeDelete, nil
	}
	return "", fmt.Errorf("%w: unknown change kind %q", ErrMalformedRow, s)
}

// RowChange is one change notification for a message row.
type RowChange struct {
	Kind ChangeKind `json:"kind"`
	Row  Message    `json:"row"`
}

// TypingSignal reports that an actor is typing in a conversation.
type TypingSignal struct {
	ConversationID ConversationID `json:"conversationId"`
	ActorID        ActorID        `json:"actorId"`
	At             time.Time      `json:"at"`
}

// Snapshot is a copy of the engine's visible state.
type Snapshot struct {
	ConversationID ConversationID `json:"conversationId"`
	Actor          ActorID        `json:"actor"`
	Messages       []Message      `json:"messages"`
	OldestCursor   *Cursor        `json:"oldestCursor,omitempty"`
	HasMore        bool           `json:"hasMore"`
	Cutoff         *time.Time     `json:"cutoff,omitempty"`
	PendingSends   int            `json:"pendingSends"`

	// Seq increases with every visible change. Listeners never receive a
	// lower Seq after a higher one.
	Seq uint64 `json:"seq"`
}

// ============================================================================
// Wire format
// ============================================================================

// wireMessage is the row shape used by the hosted data service, the
// database webhook and the realtime feed.
type wireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderActorID  string     `json:"sender_actor_id"`
	Body           *string    `json:"body"`
	ClientID       string     `json:"client_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

func toWire(m Message) wireMessage {
	created := m.CreatedAt
	return wireMessage{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderActorID:  string(m.SenderID),
		Body:           m.Body,
		ClientID:       m.ClientID,
		CreatedAt:      &created,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
	}
}

// message validates a full row. Rows missing a required field never reach
// the engine.
func (w wireMessage) message() (Message, error) {
	var missing []string
	if w.ID == "" {
		missing = append(missing, "id")
	}
	if w.ConversationID == "" {
		missing = append(missing, "conversation_id")
	}
	if w.SenderActorID == "" {
		missing = append(missing, "sender_actor_id")
	}
	if w.CreatedAt == nil || w.CreatedAt.IsZero() {
		missing = append(missing, "created_at")
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("%w: missing %s", ErrMalformedRow, strings.Join(missing, ", "))
	}
	if strings.HasPrefix(w.ID, tempIDPrefix) {
		return Message{}, fmt.Errorf("%w: server row uses reserved id %q", ErrMalformedRow, w.ID)
	}
	m := Message{
		ID:             MessageID(w.ID),
		ConversationID: ConversationID(w.ConversationID),
		SenderID:       ActorID(w.SenderActorID),
		Body:           w.Body,
		ClientID:       w.ClientID,
		CreatedAt:      w.CreatedAt.UTC(),
	}
	if w.EditedAt != nil {
		t := w.EditedAt.UTC()
		m.EditedAt = &t
	}
	if w.DeletedAt != nil {
		t := w.DeletedAt.UTC()
		m.DeletedAt = &t
		m.Body = nil
	}
	return m, nil
}

// change validates a row for the given change kind. Hard deletes only carry
// the primary key, so they are held to a weaker contract.
func (w wireMessage) change(kind ChangeKind) (RowChange, error) {
	if kind != ChangeDelete {
		m, err := w.message()
		if err != nil {
			return RowChange{}, err
		}
		return RowChange{Kind: kind, Row: m}, nil
	}
	if w.ID == "" {
		return RowChange{}, fmt.Errorf("%w: delete without id", ErrMalformedRow)
	}
	m := Message{
		ID:             MessageID(w.ID),
		ConversationID: ConversationID(w.ConversationID),
		SenderID:       ActorID(w.SenderActorID),
	}
	if w.CreatedAt != nil {
		m.CreatedAt = w.CreatedAt.UTC()
	}
	return RowChange{Kind: kind, Row: m}, nil
}

func decodeRows(rows []wireMessage) ([]Message, error) {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
