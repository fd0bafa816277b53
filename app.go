package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// App is the single process-wide binding: identity, session key, relay,
// MCP server, and awareness engine, constructed once in the startup path
// and passed to every handler.
type App struct {
	cfg    *ResolvedConfig
	relay  Relay
	srv    *server.MCPServer
	aware  *Awareness
	logger *log.Logger

	tty       string
	key       string // "{login}:{tty}"
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp builds the server with a fresh tty token and all tools
// registered. Nothing touches the relay until Start.
func NewApp(cfg *ResolvedConfig, relay Relay, logger *log.Logger) *App {
	if logger == nil {
		logger = discardLogger()
	}
	tty := GenerateTTY()
	a := &App{
		cfg:       cfg,
		relay:     relay,
		logger:    logger,
		tty:       tty,
		key:       SessionKeyFor(cfg.Identity.Login, tty),
		startedAt: timeNow(),
	}
	srv := server.NewMCPServer(ServerName, ServerVersion,
		server.WithToolCapabilities(true),
		server.WithInstructions(ServerInstructions),
	)
	a.registerTools(srv)
	a.srv = srv
	a.aware = NewAwareness(srv, relay, cfg.Identity.Login, tty, cfg.UnreadPath,
		a.readMessagesHandler, logger)
	return a
}

// Start reconciles orphans, announces this session, and launches the
// background tasks. Ctx bounds the startup relay calls only.
func (a *App) Start(ctx context.Context) error {
	a.reconcileOrphans(ctx)

	session := UserSession{
		Key:             a.key,
		Login:           a.cfg.Identity.Login,
		DisplayName:     a.cfg.Identity.DisplayName,
		Host:            Hostname(),
		Cwd:             Workdir(),
		StartedAt:       a.startedAt,
		LastActive:      timeNow(),
		MessagesEnabled: true,
	}
	if err := a.relay.PutSession(ctx, session); err != nil {
		return err
	}
	if err := a.relay.LogEvent(ctx, SessionEvent{
		Kind:      EventLogin,
		Key:       a.key,
		Login:     session.Login,
		Host:      session.Host,
		Timestamp: timeNow(),
	}); err != nil {
		a.logger.Printf("Failed to log login event: %v", err)
	}

	a.aware.Refresh(ctx)

	bg, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.aware.Poll(bg)
	}()

	if nr, ok := a.relay.(*NatsRelay); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.watchTTL(bg, nr)
		}()
	}

	a.logger.Printf("Session %s started", a.key)
	return nil
}

// reconcileOrphans logs out sessions this identity left behind on this
// host: crashed processes never run the graceful shutdown path, so their
// entries linger until the next startup (or the store TTL) collects them.
func (a *App) reconcileOrphans(ctx context.Context) {
	sessions, err := a.relay.ListSessions(ctx)
	if err != nil {
		a.logger.Printf("Orphan scan skipped: %v", err)
		return
	}
	host := Hostname()
	cutoff := timeNow().Add(-OrphanThreshold)
	for _, s := range sessions {
		if s.Login != a.cfg.Identity.Login || s.Host != host {
			continue
		}
		if !s.LastActive.Before(cutoff) {
			continue
		}
		a.logger.Printf("Reaping orphaned session %s (idle since %s)", s.Key, s.LastActive)
		if err := a.relay.LogEvent(ctx, SessionEvent{
			Kind:      EventLogout,
			Key:       s.Key,
			Login:     s.Login,
			Host:      s.Host,
			Timestamp: timeNow(),
			Reason:    ReasonOrphan,
		}); err != nil {
			a.logger.Printf("Failed to log orphan logout for %s: %v", s.Key, err)
		}
		if err := a.relay.DeleteSession(ctx, s.Key); err != nil {
			a.logger.Printf("Failed to remove orphan %s: %v", s.Key, err)
		}
	}
}

// watchTTL turns KV evictions into logout{ttl} events. The watcher
// reconnects with the relay's own backoff; a terminal error just ends the
// task — the 30-day TTL remains the ultimate garbage collector either way.
func (a *App) watchTTL(ctx context.Context, nr *NatsRelay) {
	for ctx.Err() == nil {
		err := nr.WatchExpiry(ctx, func(key string) {
			login, _, splitErr := SplitSessionKey(key)
			if splitErr != nil {
				return
			}
			if logErr := a.relay.LogEvent(ctx, SessionEvent{
				Kind:      EventLogout,
				Key:       key,
				Login:     login,
				Timestamp: timeNow(),
				Reason:    ReasonTTL,
			}); logErr != nil {
				a.logger.Printf("Failed to log ttl logout for %s: %v", key, logErr)
			}
		})
		if err != nil {
			a.logger.Printf("TTL watcher stopped: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(PollInterval):
		}
	}
}

// Serve runs the stdio transport until the client disconnects.
func (a *App) Serve() error {
	return server.ServeStdio(a.srv)
}

// Shutdown cancels background tasks, emits the logout event, removes the
// session entry, and closes the relay.
func (a *App) Shutdown(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.relay.LogEvent(ctx, SessionEvent{
		Kind:      EventLogout,
		Key:       a.key,
		Login:     a.cfg.Identity.Login,
		Host:      Hostname(),
		Timestamp: timeNow(),
		Reason:    ReasonNormal,
	}); err != nil {
		a.logger.Printf("Failed to log logout event: %v", err)
	}
	if err := a.relay.DeleteSession(ctx, a.key); err != nil {
		a.logger.Printf("Failed to remove session %s: %v", a.key, err)
	}
	if err := a.relay.Close(); err != nil {
		a.logger.Printf("Relay close failed: %v", err)
	}
	a.logger.Printf("Session %s stopped", a.key)
}
