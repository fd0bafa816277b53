package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Awareness surfaces the unread count without any host-side push channel,
// on three complementary surfaces:
//
//  1. The read_messages tool description, re-registered on change, which
//     makes the server emit notifications/tools/list_changed so clients
//     re-fetch the tool list.
//  2. A background poller checking the unread count every PollInterval.
//  3. A per-repo status file {home}/.biff/unread/{repo}.json consumed by
//     the external status-bar collaborator.
//
// Tool handlers call Refresh synchronously after their primary action
// (belt); the poller covers changes that arrive between tool calls
// (suspenders). The server's session registry carries the notification on
// both paths. All failures are logged and swallowed: awareness must never
// break a tool call.
type Awareness struct {
	srv        *server.MCPServer
	relay      Relay
	login      string
	tty        string
	unreadPath string
	handler    server.ToolHandlerFunc
	logger     *log.Logger

	mu        sync.Mutex // serializes description mutation + notification
	lastCount int
	lastDesc  string
}

// NewAwareness wires the engine to a server, a relay, and one session.
func NewAwareness(srv *server.MCPServer, relay Relay, login, tty, unreadPath string,
	handler server.ToolHandlerFunc, logger *log.Logger) *Awareness {
	if logger == nil {
		logger = discardLogger()
	}
	return &Awareness{
		srv:        srv,
		relay:      relay,
		login:      login,
		tty:        tty,
		unreadPath: unreadPath,
		handler:    handler,
		logger:     logger,
		lastCount:  -1, // force the first refresh to publish
	}
}

// describe renders the dynamic read_messages description.
func describe(summary UnreadSummary) string {
	if summary.Count == 0 {
		return ReadMessagesBase
	}
	return fmt.Sprintf("Check messages (%d unread: %s). Marks all as read.",
		summary.Count, summary.Preview)
}

// Refresh re-reads the unread summary and pushes it to all three
// surfaces. Safe to call from any task; mutations are serialized so at
// most one description change and notification is in flight per process.
func (w *Awareness) Refresh(ctx context.Context) {
	summary, err := w.relay.PeekUnread(ctx, w.login, w.tty)
	if err != nil {
		w.logger.Printf("Awareness refresh skipped: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCount = summary.Count
	desc := describe(summary)
	if desc != w.lastDesc {
		w.lastDesc = desc
		// Re-registering mutates the stored tool and emits
		// notifications/tools/list_changed to every connected session.
		w.srv.AddTool(readMessagesTool(desc), w.handler)
	}
	w.writeUnreadFile(summary)
}

// writeUnreadFile atomically writes the per-repo status file. Caller
// holds the mutex.
func (w *Awareness) writeUnreadFile(summary UnreadSummary) {
	if w.unreadPath == "" {
		return
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	if err := atomicWrite(w.unreadPath, append(data, '\n')); err != nil {
		w.logger.Printf("Failed to write unread status file %s: %v", w.unreadPath, err)
	}
}

// Poll runs until ctx is cancelled, refreshing whenever the unread count
// moves. A relay outage skips the tick.
func (w *Awareness) Poll(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := w.relay.PeekUnread(ctx, w.login, w.tty)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := summary.Count != w.lastCount
			w.mu.Unlock()
			if changed {
				w.Refresh(ctx)
			}
		}
	}
}
