package main

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	assert.Equal(t, ReadMessagesBase, describe(UnreadSummary{}))
	assert.Equal(t,
		"Check messages (2 unread: @kai about auth, @eric about lunch). Marks all as read.",
		describe(UnreadSummary{Count: 2, Preview: "@kai about auth, @eric about lunch"}))
}

func TestRefreshMutatesDescriptionOnDeliver(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	ctx := context.Background()

	kai.aware.Refresh(ctx)
	assert.Equal(t, ReadMessagesBase, kai.aware.lastDesc)

	msg := NewMessage("eric:cc001122", Address{Login: "kai", TTY: "aabb1122"}, "ping")
	require.NoError(t, kai.relay.Deliver(ctx, msg))

	kai.aware.Refresh(ctx)
	assert.Contains(t, kai.aware.lastDesc, "1 unread")
	assert.Contains(t, kai.aware.lastDesc, "@eric about ping")
	assert.Equal(t, 1, kai.aware.lastCount)
}

func TestRefreshRevertsWhenDrained(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	ctx := context.Background()

	require.NoError(t, kai.relay.Deliver(ctx, NewMessage("eric:cc001122", Address{Login: "kai", TTY: "aabb1122"}, "ping")))
	kai.aware.Refresh(ctx)
	assert.Contains(t, kai.aware.lastDesc, "unread")

	// read_messages drains and refreshes; the description reverts.
	callTool(t, kai.readMessagesHandler, nil)
	assert.Equal(t, ReadMessagesBase, kai.aware.lastDesc)
	assert.Equal(t, 0, kai.aware.lastCount)
}

func TestRefreshWritesUnreadFile(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	ctx := context.Background()

	require.NoError(t, kai.relay.Deliver(ctx, NewMessage("eric:cc001122", Address{Login: "kai"}, "hello")))
	kai.aware.Refresh(ctx)

	data, err := os.ReadFile(kai.cfg.UnreadPath)
	require.NoError(t, err)
	var summary UnreadSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.Count)
	assert.Contains(t, summary.Preview, "@eric about hello")
}

func TestRefreshSurvivesRelayOutage(t *testing.T) {
	dir := t.TempDir()
	kai := newTestApp(t, dir, "kai", "aabb1122")
	ctx := context.Background()

	kai.aware.Refresh(ctx)
	before := kai.aware.lastDesc

	// Point the engine at an invalid session so the peek fails; the
	// previous description must survive.
	kai.aware.tty = "../bad"
	kai.aware.Refresh(ctx)
	assert.Equal(t, before, kai.aware.lastDesc)
}
