package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycleApp(t *testing.T, dir, login string) *App {
	t.Helper()
	cfg := &ResolvedConfig{
		Identity:   Identity{Login: login},
		RepoName:   "proj",
		DataDir:    dir,
		UnreadPath: filepath.Join(t.TempDir(), "unread", "proj.json"),
	}
	return NewApp(cfg, NewLocalRelay(dir, nil), nil)
}

func TestStartAnnouncesSession(t *testing.T) {
	dir := t.TempDir()
	app := newLifecycleApp(t, dir, "kai")
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(ctx)

	got, err := app.relay.GetSession(ctx, "kai")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, app.key, got.Key)
	assert.True(t, got.MessagesEnabled)
	assert.False(t, got.LastActive.Before(got.StartedAt))

	events, err := app.relay.RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventLogin, events[0].Kind)
	assert.Equal(t, app.key, events[0].Key)
}

func TestShutdownRemovesSessionAndLogsOut(t *testing.T) {
	dir := t.TempDir()
	app := newLifecycleApp(t, dir, "kai")
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	app.Shutdown(ctx)

	got, err := NewLocalRelay(dir, nil).GetSession(ctx, "kai")
	require.NoError(t, err)
	assert.Nil(t, got)

	events, err := NewLocalRelay(dir, nil).RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventLogout, events[0].Kind)
	assert.Equal(t, ReasonNormal, events[0].Reason)
}

func TestStartReconcilesOrphans(t *testing.T) {
	dir := t.TempDir()
	relay := NewLocalRelay(dir, nil)
	ctx := context.Background()

	// A crashed process left a stale session behind on this host.
	stale := UserSession{
		Key:             "kai:dead0000",
		Login:           "kai",
		Host:            Hostname(),
		StartedAt:       timeNow().Add(-2 * time.Hour),
		LastActive:      timeNow().Add(-time.Hour),
		MessagesEnabled: true,
	}
	require.NoError(t, relay.PutSession(ctx, stale))

	// A fresh session of the same login is left alone.
	live := testSession("kai:live0000")
	live.Host = Hostname()
	require.NoError(t, relay.PutSession(ctx, live))

	// Another user's stale session is not ours to reap.
	other := UserSession{
		Key:        "eric:dead1111",
		Login:      "eric",
		Host:       Hostname(),
		StartedAt:  timeNow().Add(-2 * time.Hour),
		LastActive: timeNow().Add(-time.Hour),
	}
	require.NoError(t, relay.PutSession(ctx, other))

	app := newLifecycleApp(t, dir, "kai")
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(ctx)

	sessions, err := relay.ListSessions(ctx)
	require.NoError(t, err)
	keys := make(map[string]bool)
	for _, s := range sessions {
		keys[s.Key] = true
	}
	assert.False(t, keys["kai:dead0000"], "orphan must be removed")
	assert.True(t, keys["kai:live0000"], "live session must survive")
	assert.True(t, keys["eric:dead1111"], "other users are untouched")

	events, err := relay.RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	var orphanLogout *SessionEvent
	for i := range events {
		if events[i].Kind == EventLogout && events[i].Reason == ReasonOrphan {
			orphanLogout = &events[i]
			break
		}
	}
	require.NotNil(t, orphanLogout, "orphan logout must be recorded")
	assert.Equal(t, "kai:dead0000", orphanLogout.Key)
}

func TestSessionKeysUniqueAcrossApps(t *testing.T) {
	dir := t.TempDir()
	a := newLifecycleApp(t, dir, "kai")
	b := newLifecycleApp(t, dir, "kai")
	assert.NotEqual(t, a.key, b.key)
}
