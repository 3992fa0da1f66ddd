// Package sqlitestore is a local SQLite backend for the sync engine. It
// implements the message store, hidden receipts and history cutoffs, and
// publishes row changes to in-process subscribers the way the hosted
// service's push feed does.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender_actor_id TEXT NOT NULL,
  body            TEXT,
  client_id       TEXT,
  created_at      INTEGER NOT NULL,
  edited_at       INTEGER,
  deleted_at      INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conv_created
ON messages (conversation_id, created_at DESC, id DESC);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_client
ON messages (sender_actor_id, client_id) WHERE client_id IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS message_hides (
  actor_id   TEXT NOT NULL,
  message_id TEXT NOT NULL,
  hidden_at  INTEGER NOT NULL,
  PRIMARY KEY (actor_id, message_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS conversation_cutoffs (
  actor_id          TEXT NOT NULL,
  conversation_id   TEXT NOT NULL,
  history_cutoff_at INTEGER NOT NULL,
  PRIMARY KEY (actor_id, conversation_id)
);
`,
}

// Store is a SQLite-backed chatsync store.
type Store struct {
	db      *sql.DB
	feed    *chatsync.Broadcaster
	cutoffs *chatsync.CutoffNotifier
	now     func() time.Time
	log     zerolog.Logger

	closeOnce sync.Once
}

var (
	_ chatsync.MessageStore   = (*Store)(nil)
	_ chatsync.HiddenSet      = (*Store)(nil)
	_ chatsync.CutoffResolver = (*Store)(nil)
)

type Option func(*Store)

// WithClock sets the clock used for created_at, edited_at, deleted_at and
// cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent sends.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:      db,
		feed:    chatsync.NewBroadcaster(),
		cutoffs: chatsync.NewCutoffNotifier(),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases every subscription and closes the database.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.feed.CloseAll()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	s.log.Debug().Int("from", version).Int("to", len(migrations)).Msg("Schema migrated")
	return nil
}

// Subscribe opens the change feed for conv.
func (s *Store) Subscribe(_ context.Context, conv chatsync.ConversationID) (*chatsync.Subscription, error) {
	return s.feed.Subscribe(conv), nil
}

// publish runs after commit. The change is delivered even when the caller's
// ctx ends meanwhile, since subscribers would otherwise miss a stored row.
func (s *Store) publish(ctx context.Context, kind chatsync.ChangeKind, m chatsync.Message) {
	n := s.feed.Publish(context.WithoutCancel(ctx), m.ConversationID, chatsync.RowChange{Kind: kind, Row: m})
	s.log.Debug().
		Str("kind", string(kind)).
		Str("message_id", string(m.ID)).
		Int("delivered", n).
		Msg("Row change published")
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixNano()
}

func fromStamp(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullStamp(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromStamp(n.Int64)
	return &t
}
