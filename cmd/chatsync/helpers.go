package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
	"github.com/VibezCitizens/VCSM-sub000/sqlitestore"
)

// session is an engine bound to one backend, plus what must be torn down
// with it.
type session struct {
	engine   *chatsync.Engine
	identity chatsync.Identity
	realtime *chatsync.RealtimeClient // nil in --local mode
	log      zerolog.Logger
	closers  []func()
}

func (s *session) Close() {
	s.engine.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openSession builds an engine over the hosted service, or over SQLite with
// --local. live connects the realtime socket so pushes and typing flow.
func openSession(ctx context.Context, live bool, extra ...chatsync.EngineOption) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)

	window, err := cfg.mergeWindow()
	if err != nil {
		return nil, err
	}
	opts := []chatsync.EngineOption{chatsync.WithLogger(log)}
	if cfg.Default.PageSize > 0 {
		opts = append(opts, chatsync.WithPageSize(cfg.Default.PageSize))
	}
	if window > 0 {
		opts = append(opts, chatsync.WithMergeWindow(window))
	}
	opts = append(opts, extra...)

	if useLocal {
		return openLocal(cfg, log, opts)
	}
	return openRemote(ctx, cfg, log, opts, live)
}

func openLocal(cfg *Config, log zerolog.Logger, opts []chatsync.EngineOption) (*session, error) {
	actor := chatsync.ActorID(cfg.Auth.ActorID)
	if actor == "" && cfg.Auth.Token != "" {
		if claims, err := chatsync.ParseTokenClaims(cfg.Auth.Token); err == nil {
			actor = claims.Actor()
		}
	}
	if actor == "" {
		return nil, fmt.Errorf("no actor. Set auth.actor_id or run 'chatsync init <token>'")
	}

	path := cfg.Local.Database
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "chatsync.db")
	}
	store, err := sqlitestore.Open(path, sqlitestore.WithLogger(log))
	if err != nil {
		return nil, err
	}
	identity := chatsync.StaticIdentity{Actor: actor}
	opts = append(opts, chatsync.WithHiddenSet(store), chatsync.WithCutoffResolver(store))

	return &session{
		engine:   chatsync.NewEngine(store, identity, opts...),
		identity: identity,
		log:      log,
		closers:  []func(){func() { store.Close() }},
	}, nil
}

func openRemote(ctx context.Context, cfg *Config, log zerolog.Logger, opts []chatsync.EngineOption, live bool) (*session, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token. Run 'chatsync init <token>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no service URL. Run 'chatsync config set default.base_url <url>'")
	}
	identity, err := chatsync.NewTokenIdentity(cfg.Auth.Token)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.ActorID != "" {
		identity.SwitchActor(chatsync.ActorID(cfg.Auth.ActorID))
	}

	client := chatsync.NewClient("",
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithAPIKey(cfg.Default.APIKey),
		chatsync.WithTokenSource(identity),
	)
	rt := client.Realtime(&chatsync.RealtimeConfig{
		Token:         identity.Token(),
		AutoReconnect: true,
		Logger:        &log,
	})
	s := &session{identity: identity, realtime: rt, log: log}
	if live {
		if err := rt.Connect(ctx); err != nil {
			return nil, fmt.Errorf("realtime connect: %w", err)
		}
		s.closers = append(s.closers, func() { rt.Disconnect() })
	}

	opts = append(opts, chatsync.WithHiddenSet(client), chatsync.WithCutoffResolver(client))
	s.engine = chatsync.NewEngine(client, identity, opts...)
	return s, nil
}

// ============================================================================
// Output
// ============================================================================

func printMessage(m chatsync.Message, self chatsync.ActorID) {
	who := string(m.SenderID)
	if m.SenderID == self {
		who = "you"
	}
	var flags []string
	if m.Optimistic {
		flags = append(flags, "sending")
	}
	if m.EditedAt != nil {
		flags = append(flags, "edited")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Printf("%-14s %-10s %s%s\n  id: %s\n", humanize.Time(m.CreatedAt), who, m.Text(), suffix, m.ID)
}

func printTimeline(snap chatsync.Snapshot) {
	if snap.Cutoff != nil {
		fmt.Printf("-- history cleared %s --\n", humanize.Time(*snap.Cutoff))
	}
	if len(snap.Messages) == 0 {
		fmt.Println("No messages.")
	}
	for _, m := range snap.Messages {
		printMessage(m, snap.Actor)
	}
	if snap.HasMore {
		fmt.Println("-- older messages available (--pages) --")
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
