package main

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests against a live NATS server. Set BIFF_TEST_NATS_URL
// (and optionally BIFF_TEST_NATS_TOKEN / _NKEYS_SEED / _CREDS) to run.
func natsTestRelay(t *testing.T) *NatsRelay {
	t.Helper()
	url := os.Getenv("BIFF_TEST_NATS_URL")
	if url == "" {
		t.Skip("BIFF_TEST_NATS_URL not set")
	}
	auth := RelayAuth{
		Token:           os.Getenv("BIFF_TEST_NATS_TOKEN"),
		NkeysSeed:       os.Getenv("BIFF_TEST_NATS_NKEYS_SEED"),
		UserCredentials: os.Getenv("BIFF_TEST_NATS_CREDS"),
	}
	// A unique namespace per test run keeps reruns from seeing each
	// other's streams.
	repo := SanitizeRepoName(fmt.Sprintf("biff-test-%d", time.Now().UnixNano()))
	r := NewNatsRelay(url, auth, repo, "kai", nil)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNatsResourceNaming(t *testing.T) {
	r := NewNatsRelay("nats://localhost:4222", RelayAuth{}, "proj", "kai", nil)
	assert.Equal(t, "biff-proj-sessions", r.kvBucket())
	assert.Equal(t, "BIFF_proj_INBOX", r.inboxStream())
	assert.Equal(t, "BIFF_proj_WTMP", r.wtmpStream())
	assert.Equal(t, "biff-proj-kai", r.clientName())
	assert.Equal(t, "biff.proj.inbox.kai", r.broadcastSubject("kai"))
	assert.Equal(t, "biff.proj.inbox.kai.a1b2c3d4", r.targetedSubject("kai", "a1b2c3d4"))
}

func TestNatsKVKeyEncoding(t *testing.T) {
	key, err := kvKeyFor("kai:a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "kai.a1b2c3d4", key)

	_, err = kvKeyFor("nokey")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNatsSessionRoundTrip(t *testing.T) {
	r := natsTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.PutSession(ctx, testSession("kai:a1b2c3d4")))

	got, err := r.GetSession(ctx, "kai")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1b2c3d4", got.TTY())

	require.NoError(t, r.SetPlan(ctx, "kai:a1b2c3d4", "shipping"))
	require.NoError(t, r.SetMesg(ctx, "kai:a1b2c3d4", false))
	got, err = r.GetSession(ctx, "kai")
	require.NoError(t, err)
	assert.Equal(t, "shipping", got.Plan)
	assert.False(t, got.MessagesEnabled)

	require.NoError(t, r.DeleteSession(ctx, "kai:a1b2c3d4"))
	got, err = r.GetSession(ctx, "kai")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNatsDeliverDrainPop(t *testing.T) {
	r := natsTestRelay(t)
	ctx := context.Background()

	msg := NewMessage("eric:cc001122", Address{Login: "kai", TTY: "a1b2c3d4"}, "hi")
	require.NoError(t, r.Deliver(ctx, msg))
	require.NoError(t, r.Deliver(ctx, NewMessage("eric:cc001122", Address{Login: "kai"}, "all hands")))

	drained, err := r.DrainFor(ctx, "kai", "a1b2c3d4")
	require.NoError(t, err)
	require.Len(t, drained, 2)

	again, err := r.DrainFor(ctx, "kai", "a1b2c3d4")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestNatsTargetedIsolation(t *testing.T) {
	r := natsTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, NewMessage("eric:cc001122", Address{Login: "kai", TTY: "aaaa1111"}, "secret")))

	other, err := r.DrainFor(ctx, "kai", "bbbb2222")
	require.NoError(t, err)
	assert.Empty(t, other)

	mine, err := r.DrainFor(ctx, "kai", "aaaa1111")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "secret", mine[0].Body)
}

func TestNatsPeekUnread(t *testing.T) {
	r := natsTestRelay(t)
	ctx := context.Background()

	summary, err := r.PeekUnread(ctx, "kai", "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Count)

	require.NoError(t, r.Deliver(ctx, NewMessage("eric:cc001122", Address{Login: "kai", TTY: "a1b2c3d4"}, "ping")))

	summary, err = r.PeekUnread(ctx, "kai", "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)
	assert.Contains(t, summary.Preview, "@eric")

	// Peek consumed nothing.
	drained, err := r.DrainFor(ctx, "kai", "a1b2c3d4")
	require.NoError(t, err)
	assert.Len(t, drained, 1)
}

func TestNatsWtmp(t *testing.T) {
	r := natsTestRelay(t)
	ctx := context.Background()

	base := timeNow()
	require.NoError(t, r.LogEvent(ctx, SessionEvent{
		Kind: EventLogin, Key: "kai:aaaa1111", Login: "kai", Host: "h1", Timestamp: base,
	}))
	require.NoError(t, r.LogEvent(ctx, SessionEvent{
		Kind: EventLogout, Key: "kai:aaaa1111", Login: "kai", Host: "h1",
		Timestamp: base.Add(time.Second), Reason: ReasonNormal,
	}))
	require.NoError(t, r.LogEvent(ctx, SessionEvent{
		Kind: EventLogin, Key: "eric:bbbb2222", Login: "eric", Host: "h2",
		Timestamp: base.Add(2 * time.Second),
	}))

	all, err := r.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "eric", all[0].Login)

	kaiOnly, err := r.RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	require.Len(t, kaiOnly, 2)
	assert.Equal(t, EventLogout, kaiOnly[0].Kind)
}

func TestNatsUnreachableFailsFast(t *testing.T) {
	if os.Getenv("BIFF_TEST_NATS_URL") == "" {
		t.Skip("BIFF_TEST_NATS_URL not set")
	}
	r := NewNatsRelay("nats://127.0.0.1:1", RelayAuth{}, "proj", "kai", nil)
	defer r.Close()
	err := r.TouchSession(context.Background(), "kai:a1b2c3d4")
	assert.ErrorIs(t, err, ErrRelayUnavailable)
}
