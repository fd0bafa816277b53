package main

import (
	"context"
	"log"
)

// Relay is the capability set between the tool layer and the message
// routing backend. The server is per-session; the relay is shared.
//
// Two implementations exist: LocalRelay over a shared filesystem
// directory and NatsRelay over a NATS server for networked teams.
// Session keys are composite "{login}:{tty}" strings.
type Relay interface {
	// PutSession upserts the caller's session snapshot.
	PutSession(ctx context.Context, session UserSession) error

	// TouchSession refreshes last_active to now.
	TouchSession(ctx context.Context, key string) error

	// ListSessions returns all live sessions in this repository.
	ListSessions(ctx context.Context) ([]UserSession, error)

	// GetSession returns any live session of login, preferring the one
	// with the newest last_active. Nil when the user has none.
	GetSession(ctx context.Context, login string) (*UserSession, error)

	// SetPlan updates one session's plan.
	SetPlan(ctx context.Context, key, plan string) error

	// SetMesg updates one session's message-reception flag.
	SetMesg(ctx context.Context, key string, enabled bool) error

	// DeleteSession removes a session entry. Used by the logout paths.
	DeleteSession(ctx context.Context, key string) error

	// Deliver routes a message to the broadcast inbox (broadcast address)
	// or the targeted session inbox.
	Deliver(ctx context.Context, msg Message) error

	// DrainFor returns and removes all pending messages for both the
	// user's broadcast inbox and the session inbox, merged and sorted by
	// sent_at ascending. A message is delivered to at most one caller.
	DrainFor(ctx context.Context, login, tty string) ([]Message, error)

	// PeekUnread returns the same merged view without consuming anything.
	PeekUnread(ctx context.Context, login, tty string) (UnreadSummary, error)

	// LogEvent appends a login/logout event to the wtmp log.
	LogEvent(ctx context.Context, event SessionEvent) error

	// RecentEvents returns the newest events, newest first, optionally
	// filtered by login. limit bounds the result.
	RecentEvents(ctx context.Context, login string, limit int) ([]SessionEvent, error)

	// Close releases all backing resources.
	Close() error
}

// NewRelay selects the relay implementation: a relay URL in config means
// NATS, otherwise the local filesystem relay rooted at the data directory.
func NewRelay(cfg *ResolvedConfig, logger *log.Logger) Relay {
	if cfg.RelayURL != "" {
		return NewNatsRelay(cfg.RelayURL, cfg.RelayAuth, cfg.RepoName, cfg.Identity.Login, logger)
	}
	return NewLocalRelay(cfg.DataDir, logger)
}
