package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticIdentity is a fixed actor that is always authenticated.
type StaticIdentity struct {
	Actor ActorID
}

func (s StaticIdentity) CurrentActor() ActorID { return s.Actor }

func (s StaticIdentity) AuthReady(context.Context) bool { return s.Actor != "" }

// ============================================================================
// TokenIdentity
// ============================================================================

// TokenClaims are the claims read from a session token.
type TokenClaims struct {
	ActorID string `json:"actor_id,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns actor_id, falling back to the subject.
func (c *TokenClaims) Actor() ActorID {
	if c.ActorID != "" {
		return ActorID(c.ActorID)
	}
	return ActorID(c.Subject)
}

// ParseTokenClaims reads the claims of a session token without verifying
// its signature. The data service verifies tokens; the client only needs
// the actor and expiry.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// TokenIdentity derives the acting identity from a session token. The
// actor can be switched to a brand identity the session may act as.
type TokenIdentity struct {
	mu     sync.Mutex
	token  string
	claims *TokenClaims
	actor  ActorID
	ready  chan struct{}
	now    func() time.Time

	hooks  map[int]func()
	nextID int
}

// NewTokenIdentity creates an identity from token. An empty token yields an
// identity that is not ready until SetToken is called.
func NewTokenIdentity(token string) (*TokenIdentity, error) {
	t := &TokenIdentity{ready: make(chan struct{}), now: time.Now}
	if token == "" {
		return t, nil
	}
	if err := t.SetToken(token); err != nil {
		return nil, err
	}
	return t, nil
}

// SetToken installs a new session token and wakes AuthReady waiters.
func (t *TokenIdentity) SetToken(token string) error {
	claims, err := ParseTokenClaims(token)
	if err != nil {
		return err
	}
	t.mu.Lock()
	before := t.actorLocked()
	t.token = token
	t.claims = claims
	close(t.ready)
	t.ready = make(chan struct{})
	hooks := t.changedLocked(before)
	t.mu.Unlock()
	fire(hooks)
	return nil
}

// SwitchActor acts as another identity, such as a VPORT the user manages.
// An empty actor reverts to the token's own actor.
func (t *TokenIdentity) SwitchActor(actor ActorID) {
	t.mu.Lock()
	before := t.actorLocked()
	t.actor = actor
	hooks := t.changedLocked(before)
	t.mu.Unlock()
	fire(hooks)
}

// OnActorChange registers fn to run whenever CurrentActor changes. Hooks
// run outside the identity's lock.
func (t *TokenIdentity) OnActorChange(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hooks == nil {
		t.hooks = make(map[int]func())
	}
	id := t.nextID
	t.nextID++
	t.hooks[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.hooks, id)
		t.mu.Unlock()
	}
}

func (t *TokenIdentity) changedLocked(before ActorID) []func() {
	if t.actorLocked() == before {
		return nil
	}
	hooks := make([]func(), 0, len(t.hooks))
	for _, fn := range t.hooks {
		hooks = append(hooks, fn)
	}
	return hooks
}

func fire(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// Token returns the current bearer token.
func (t *TokenIdentity) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Claims returns the parsed claims, or nil before a token is set.
func (t *TokenIdentity) Claims() *TokenClaims {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claims
}

func (t *TokenIdentity) CurrentActor() ActorID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actorLocked()
}

func (t *TokenIdentity) actorLocked() ActorID {
	if t.actor != "" {
		return t.actor
	}
	if t.claims == nil {
		return ""
	}
	return t.claims.Actor()
}

func (t *TokenIdentity) validLocked() bool {
	if t.claims == nil {
		return false
	}
	if t.claims.ExpiresAt == nil {
		return true
	}
	return t.now().Before(t.claims.ExpiresAt.Time)
}

// AuthReady waits for an unexpired token or for ctx to end.
func (t *TokenIdentity) AuthReady(ctx context.Context) bool {
	for {
		t.mu.Lock()
		if t.validLocked() {
			t.mu.Unlock()
			return true
		}
		wake := t.ready
		t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
	}
}
