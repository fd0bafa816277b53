package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp builds an app with a pinned session key over a shared local
// relay directory, with its session already announced.
func newTestApp(t *testing.T, dir, login, tty string) *App {
	t.Helper()
	cfg := &ResolvedConfig{
		Identity:   Identity{Login: login, DisplayName: login + " example"},
		RepoName:   "proj",
		DataDir:    dir,
		UnreadPath: filepath.Join(t.TempDir(), "unread", "proj.json"),
	}
	relay := NewLocalRelay(dir, nil)
	app := NewApp(cfg, relay, nil)
	app.tty = tty
	app.key = SessionKeyFor(login, tty)
	app.aware.login = login
	app.aware.tty = tty

	s := testSession(app.key)
	s.DisplayName = cfg.Identity.DisplayName
	s.StartedAt = timeNow().Add(-time.Minute)
	require.NoError(t, relay.PutSession(context.Background(), s))
	return app
}

func callTool(t *testing.T, handler server.ToolHandlerFunc, args map[string]any) string {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestPresenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")

	out := callTool(t, kai.planHandler, map[string]any{"message": "fixing auth"})
	assert.Equal(t, "Plan updated: fixing auth", out)

	finger := callTool(t, kai.fingerHandler, map[string]any{"user": "kai"})
	assert.Contains(t, finger, "Login: kai")
	assert.Contains(t, finger, "Plan: fixing auth")
	assert.Contains(t, finger, "Messages: on")
	assert.Contains(t, finger, "On since ")

	who := callTool(t, kai.whoHandler, nil)
	lines := strings.Split(who, "\n")
	assert.True(t, strings.HasPrefix(lines[0], "▶  NAME"))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "@kai")
	assert.Contains(t, lines[1], "fixing auth")
}

func TestPlanRejectsOverflow(t *testing.T) {
	kai := newTestApp(t, t.TempDir(), "kai", "aabb1122")
	out := callTool(t, kai.planHandler, map[string]any{"message": strings.Repeat("x", MaxPlanLen+1)})
	assert.Contains(t, out, "InvalidInput")
}

func TestFingerUnknownUser(t *testing.T) {
	kai := newTestApp(t, t.TempDir(), "kai", "aabb1122")
	out := callTool(t, kai.fingerHandler, map[string]any{"user": "@ghost"})
	assert.Equal(t, "Login: ghost\nNever logged in.", out)
}

func TestTargetedMessageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	eric := newTestApp(t, dir, "eric", "cc001122")

	out := callTool(t, eric.writeHandler, map[string]any{"to": "kai:aabb1122", "message": "hi"})
	assert.Equal(t, "Message sent to @kai:aabb1122.", out)

	read := callTool(t, kai.readMessagesHandler, nil)
	assert.Equal(t, "kai | from eric | hi", read)

	again := callTool(t, kai.readMessagesHandler, nil)
	assert.Equal(t, "No new messages.", again)
}

func TestBroadcastWrite(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	eric := newTestApp(t, dir, "eric", "cc001122")

	out := callTool(t, eric.writeHandler, map[string]any{"to": "kai", "message": "standup"})
	assert.Equal(t, "Message sent to @kai.", out)

	read := callTool(t, kai.readMessagesHandler, nil)
	assert.Equal(t, "kai | from eric | standup", read)
}

func TestBroadcastFirstReaderWins(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, dir, "kai", "aaaa0001")
	b := newTestApp(t, dir, "kai", "aaaa0002")
	c := newTestApp(t, dir, "kai", "aaaa0003")
	eric := newTestApp(t, dir, "eric", "cc001122")

	callTool(t, eric.writeHandler, map[string]any{"to": "kai", "message": "hi"})

	first := callTool(t, a.readMessagesHandler, nil)
	assert.Contains(t, first, "hi")
	assert.Equal(t, "No new messages.", callTool(t, b.readMessagesHandler, nil))
	assert.Equal(t, "No new messages.", callTool(t, c.readMessagesHandler, nil))
}

func TestWriteValidation(t *testing.T) {
	kai := newTestApp(t, t.TempDir(), "kai", "aabb1122")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"bad address", map[string]any{"to": "no/pe", "message": "hi"}, "Message failed: InvalidAddress"},
		{"empty tty", map[string]any{"to": "kai:", "message": "hi"}, "Message failed: InvalidAddress"},
		{"empty body", map[string]any{"to": "kai", "message": "  "}, "Message failed: EmptyMessage"},
		{"oversize body", map[string]any{"to": "kai", "message": strings.Repeat("x", MaxMessageLen+1)}, "Message failed: InvalidInput"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, callTool(t, kai.writeHandler, tt.args))
		})
	}
}

func TestMesgOpacity(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	eric := newTestApp(t, dir, "eric", "cc001122")

	assert.Equal(t, "is n", callTool(t, kai.mesgHandler, map[string]any{"enabled": false}))

	// Inbound writes still land while messages are off.
	callTool(t, eric.writeHandler, map[string]any{"to": "kai:aabb1122", "message": "psst"})

	summary, err := kai.relay.PeekUnread(context.Background(), "kai", "aabb1122")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)

	read := callTool(t, kai.readMessagesHandler, nil)
	assert.Contains(t, read, "psst")

	assert.Equal(t, "is y", callTool(t, kai.mesgHandler, map[string]any{"enabled": true}))
}

func TestWhoExcludesRemovedSessions(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	eric := newTestApp(t, dir, "eric", "cc001122")

	require.NoError(t, kai.relay.DeleteSession(context.Background(), eric.key))
	out := callTool(t, kai.whoHandler, nil)
	assert.Contains(t, out, "@kai")
	assert.NotContains(t, out, "@eric")
}

func TestHeartbeatRefreshesLastActive(t *testing.T) {
	kai := newTestApp(t, t.TempDir(), "kai", "aabb1122")
	before, err := kai.relay.GetSession(context.Background(), "kai")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	callTool(t, kai.whoHandler, nil)

	after, err := kai.relay.GetSession(context.Background(), "kai")
	require.NoError(t, err)
	assert.True(t, after.LastActive.After(before.LastActive))
}

func TestLastShowsHistory(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	ctx := context.Background()

	base := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, kai.relay.LogEvent(ctx, SessionEvent{
		Kind: EventLogin, Key: "eric:cc001122", Login: "eric", Host: "h1", Timestamp: base,
	}))
	require.NoError(t, kai.relay.LogEvent(ctx, SessionEvent{
		Kind: EventLogout, Key: "eric:cc001122", Login: "eric", Host: "h1",
		Timestamp: base.Add(90 * time.Minute), Reason: ReasonNormal,
	}))
	require.NoError(t, kai.relay.LogEvent(ctx, SessionEvent{
		Kind: EventLogin, Key: kai.key, Login: "kai", Host: "testhost", Timestamp: base.Add(2 * time.Hour),
	}))

	out := callTool(t, kai.lastHandler, nil)
	lines := strings.Split(out, "\n")
	assert.True(t, strings.HasPrefix(lines[0], "▶  NAME"))
	assert.Contains(t, out, "@eric")
	assert.Contains(t, out, "1:30")
	assert.Contains(t, out, "still logged in")

	filtered := callTool(t, kai.lastHandler, map[string]any{"user": "eric"})
	assert.NotContains(t, filtered, "@kai")
	assert.Contains(t, filtered, "@eric")
}

func TestLastEmptyHistory(t *testing.T) {
	kai := newTestApp(t, t.TempDir(), "kai", "aabb1122")
	out := callTool(t, kai.lastHandler, map[string]any{"user": "ghost"})
	assert.Equal(t, "No session history.", out)
}
