package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerTools adds the seven biff tools to the MCP server. The
// read_messages description is owned by the awareness engine afterwards.
func (a *App) registerTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("plan",
		mcp.WithDescription("Set what you're currently working on. Visible to teammates via finger and who."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Your current plan (max 200 chars)")),
	), a.planHandler)

	s.AddTool(mcp.NewTool("mesg",
		mcp.WithDescription("Control message reception. Use true to accept messages, false to block them."),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Whether to accept messages")),
	), a.mesgHandler)

	s.AddTool(mcp.NewTool("who",
		mcp.WithDescription("List all active team members and what they're working on."),
	), a.whoHandler)

	s.AddTool(mcp.NewTool("finger",
		mcp.WithDescription("Check what a user is working on and their availability."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Login to look up, with or without @")),
	), a.fingerHandler)

	s.AddTool(mcp.NewTool("write",
		mcp.WithDescription("Send a message to a teammate. '@user' reaches their first reading session; '@user:tty' one specific session."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient: user or user:tty")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
	), a.writeHandler)

	s.AddTool(readMessagesTool(ReadMessagesBase), a.readMessagesHandler)

	s.AddTool(mcp.NewTool("last",
		mcp.WithDescription("Show session login/logout history (like Unix last)."),
		mcp.WithString("user", mcp.Description("Filter by login")),
		mcp.WithNumber("count", mcp.Description("Rows to show (default 25, max 200)")),
	), a.lastHandler)
}

// readMessagesTool builds the read_messages tool with the given
// description. The awareness engine re-registers it whenever the unread
// count changes.
func readMessagesTool(description string) mcp.Tool {
	return mcp.NewTool("read_messages", mcp.WithDescription(description))
}

// heartbeat refreshes last_active before every primary action. A failed
// heartbeat is logged, not surfaced: the primary action will report the
// relay state on its own.
func (a *App) heartbeat(ctx context.Context) {
	if err := a.relay.TouchSession(ctx, a.key); err != nil {
		a.logger.Printf("Heartbeat failed: %v", err)
	}
}

// -- Handlers --

func (a *App) planHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	args, _ := request.Params.Arguments.(map[string]any)
	message, _ := args["message"].(string)
	message = strings.TrimSpace(message)
	if len(message) > MaxPlanLen {
		return mcp.NewToolResultError(fmt.Sprintf("Plan failed: InvalidInput (%d character limit)", MaxPlanLen)), nil
	}
	if err := a.relay.SetPlan(ctx, a.key, message); err != nil {
		return mcp.NewToolResultError("Plan failed: " + errorKind(err)), nil
	}
	a.aware.Refresh(ctx)
	return mcp.NewToolResultText("Plan updated: " + message), nil
}

func (a *App) mesgHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	args, _ := request.Params.Arguments.(map[string]any)
	enabled, _ := args["enabled"].(bool)
	if err := a.relay.SetMesg(ctx, a.key, enabled); err != nil {
		return mcp.NewToolResultError("mesg failed: " + errorKind(err)), nil
	}
	a.aware.Refresh(ctx)
	if enabled {
		return mcp.NewToolResultText("is y"), nil
	}
	return mcp.NewToolResultText("is n"), nil
}

func (a *App) whoHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	sessions, err := a.relay.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	a.aware.Refresh(ctx)
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No active sessions."), nil
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		mesg := "y"
		if !s.MessagesEnabled {
			mesg = "n"
		}
		plan := s.Plan
		if plan == "" {
			plan = "-"
		}
		rows = append(rows, []string{
			"@" + s.Login, s.TTY(), s.Host, formatIdle(s.LastActive), mesg, plan,
		})
	}
	table := renderTable([]string{"NAME", "TTY", "HOST", "IDLE", "MESG", "PLAN"}, rows)
	return mcp.NewToolResultText(table), nil
}

func (a *App) fingerHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	args, _ := request.Params.Arguments.(map[string]any)
	user, _ := args["user"].(string)
	bare := strings.TrimPrefix(strings.TrimSpace(user), "@")
	session, err := a.relay.GetSession(ctx, bare)
	if err != nil {
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	a.aware.Refresh(ctx)
	if session == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Login: %s\nNever logged in.", bare)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Login: %s\n", session.Login)
	if session.DisplayName != "" {
		fmt.Fprintf(&b, "Name: %s\n", session.DisplayName)
	}
	fmt.Fprintf(&b, "On since %s on %s from %s, idle %s\n",
		formatOnSince(session.StartedAt), session.TTY(), session.Host, formatIdle(session.LastActive))
	if session.Cwd != "" {
		fmt.Fprintf(&b, "Directory: %s\n", session.Cwd)
	}
	if session.MessagesEnabled {
		b.WriteString("Messages: on\n")
	} else {
		b.WriteString("Messages: off\n")
	}
	if session.Plan != "" {
		fmt.Fprintf(&b, "Plan: %s", session.Plan)
	} else {
		b.WriteString("No Plan.")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (a *App) writeHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	args, _ := request.Params.Arguments.(map[string]any)
	to, _ := args["to"].(string)
	body, _ := args["message"].(string)

	addr, err := ParseAddress(to)
	if err != nil {
		return mcp.NewToolResultError("Message failed: " + errorKind(err)), nil
	}
	if strings.TrimSpace(body) == "" {
		return mcp.NewToolResultError("Message failed: " + errorKind(ErrEmptyMessage)), nil
	}
	if len(body) > MaxMessageLen {
		return mcp.NewToolResultError("Message failed: " + errorKind(ErrInvalidInput)), nil
	}
	if err := a.relay.Deliver(ctx, NewMessage(a.key, addr, body)); err != nil {
		return mcp.NewToolResultError("Message failed: " + errorKind(err)), nil
	}
	a.aware.Refresh(ctx)
	return mcp.NewToolResultText("Message sent to @" + addr.String() + "."), nil
}

func (a *App) readMessagesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	login, tty, err := SplitSessionKey(a.key)
	if err != nil {
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	messages, err := a.relay.DrainFor(ctx, login, tty)
	if err != nil {
		// Unread state is untouched: a failed drain consumes nothing.
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	a.aware.Refresh(ctx)
	if len(messages) == 0 {
		return mcp.NewToolResultText("No new messages."), nil
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s | from %s | %s", m.To.Login, m.FromLogin(), m.Body))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (a *App) lastHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.heartbeat(ctx)
	args, _ := request.Params.Arguments.(map[string]any)
	user, _ := args["user"].(string)
	bare := strings.TrimPrefix(strings.TrimSpace(user), "@")

	count := DefaultLastCount
	if n, ok := args["count"].(float64); ok && n > 0 {
		count = int(n)
	}
	if count > MaxLastCount {
		count = MaxLastCount
	}

	// Fetch extra events so that logouts still pair with older logins
	// near the cut.
	events, err := a.relay.RecentEvents(ctx, bare, count*2)
	if err != nil {
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	sessions, err := a.relay.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	a.aware.Refresh(ctx)

	active := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		active[s.Key] = true
	}
	table := formatLastTable(pairEvents(events), active, count)
	return mcp.NewToolResultText(table), nil
}
