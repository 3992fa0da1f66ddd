package chatsync

import (
	"context"
	"time"
)

// MessageStore is the engine's view of the relational store and its push
// feed. Implementations enforce row-level authorization themselves.
type MessageStore interface {
	// FetchPage returns rows sorted by createdAt descending. Soft-deleted
	// rows are excluded at the source.
	FetchPage(ctx context.Context, conv ConversationID, q PageQuery) ([]Message, error)

	// Insert stores a new message. clientID is an idempotency key that the
	// store persists and echoes back on the row and in push events.
	Insert(ctx context.Context, conv ConversationID, sender ActorID, body, clientID string) (Message, error)

	Edit(ctx context.Context, id MessageID, actor ActorID, body string) (Message, error)
	Unsend(ctx context.Context, id MessageID, actor ActorID) (Message, error)

	// Feed opens the change feed for one conversation. Closing the
	// subscription unsubscribes.
	Feed
}

// Feed is a source of row changes. MessageStore embeds one; WithFeed lets
// the engine take its push events from elsewhere, such as a WebhookFeed.
type Feed interface {
	Subscribe(ctx context.Context, conv ConversationID) (*Subscription, error)
}

// HiddenSet resolves and records per-actor "deleted for me" receipts.
type HiddenSet interface {
	ResolveHidden(ctx context.Context, actor ActorID, ids []MessageID) (map[MessageID]struct{}, error)
	Hide(ctx context.Context, actor ActorID, id MessageID) error
}

// CutoffResolver resolves the per-actor history cutoff of a conversation.
type CutoffResolver interface {
	// Cutoff returns nil when the actor never cleared the history.
	Cutoff(ctx context.Context, actor ActorID, conv ConversationID) (*time.Time, error)

	// ClearHistory advances the cutoff to the store's current time.
	ClearHistory(ctx context.Context, actor ActorID, conv ConversationID) (time.Time, error)

	// WatchCutoff delivers every later cutoff change. The channel is closed
	// when ctx ends.
	WatchCutoff(ctx context.Context, actor ActorID, conv ConversationID) (<-chan time.Time, error)
}

// Identity supplies the acting identity and the auth-ready gate.
type Identity interface {
	// CurrentActor returns "" while no identity is established.
	CurrentActor() ActorID

	// AuthReady blocks until the session is usable or ctx ends.
	AuthReady(ctx context.Context) bool
}

// ActorWatcher is implemented by identities that can announce an actor
// change. The engine drops the old actor's state as soon as fn runs.
type ActorWatcher interface {
	OnActorChange(fn func()) (cancel func())
}

// TypingTransport broadcasts typing signals.
type TypingTransport interface {
	SendTyping(ctx context.Context, conv ConversationID, actor ActorID) error
}

// noHidden is used when the engine has no HiddenSet.
type noHidden struct{}

func (noHidden) ResolveHidden(context.Context, ActorID, []MessageID) (map[MessageID]struct{}, error) {
	return nil, nil
}

func (noHidden) Hide(context.Context, ActorID, MessageID) error { return nil }

// noCutoff is used when the engine has no CutoffResolver.
type noCutoff struct{}

func (noCutoff) Cutoff(context.Context, ActorID, ConversationID) (*time.Time, error) {
	return nil, nil
}

func (noCutoff) ClearHistory(context.Context, ActorID, ConversationID) (time.Time, error) {
	return time.Time{}, ErrNotReady
}

func (noCutoff) WatchCutoff(context.Context, ActorID, ConversationID) (<-chan time.Time, error) {
	return nil, nil
}
