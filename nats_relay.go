package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS sizing constants
const (
	// Session blobs are small JSON documents
	kvMaxBytes = 1 * 1024 * 1024
	// Messages are consumed on read, so the inbox stays small
	inboxMaxBytes = 10 * 1024 * 1024
	// Reconnect backoff cap
	maxReconnectWait = 30 * time.Second
)

// NatsRelay implements Relay over a NATS server:
//
//   - KV bucket "biff-{repo}-sessions" for presence, with a 30-day TTL as
//     the ultimate garbage collector.
//   - JetStream "BIFF_{repo}_INBOX" with WorkQueue retention for POP
//     message semantics on subjects "biff.{repo}.inbox.>".
//   - JetStream "BIFF_{repo}_WTMP" with 30-day age limits for the
//     session-history log on subjects "biff.{repo}.wtmp.>".
//
// All infrastructure is provisioned lazily on the first call and reused
// afterwards. Operations during a disconnect window fail with
// ErrRelayUnavailable; nothing is queued or retried here.
type NatsRelay struct {
	url    string
	auth   RelayAuth
	repo   string
	login  string
	logger *log.Logger

	mu          sync.Mutex
	nc          *nats.Conn
	js          jetstream.JetStream
	kv          jetstream.KeyValue
	inbox       jetstream.Stream
	wtmp        jetstream.Stream
	selfDeleted map[string]bool // KV keys we removed; the TTL watcher skips these
}

// NewNatsRelay creates a NATS relay for one repo namespace. The connection
// is opened on first use.
func NewNatsRelay(url string, auth RelayAuth, repo, login string, logger *log.Logger) *NatsRelay {
	if logger == nil {
		logger = discardLogger()
	}
	return &NatsRelay{
		url:         url,
		auth:        auth,
		repo:        repo,
		login:       login,
		logger:      logger,
		selfDeleted: make(map[string]bool),
	}
}

// Resource naming. Deterministic and repo-scoped; the repo token is
// already sanitized to alphanumerics, dash, underscore.

func (r *NatsRelay) kvBucket() string    { return "biff-" + r.repo + "-sessions" }
func (r *NatsRelay) inboxStream() string { return "BIFF_" + r.repo + "_INBOX" }
func (r *NatsRelay) wtmpStream() string  { return "BIFF_" + r.repo + "_WTMP" }
func (r *NatsRelay) inboxPrefix() string { return "biff." + r.repo + ".inbox" }
func (r *NatsRelay) wtmpPrefix() string  { return "biff." + r.repo + ".wtmp" }
func (r *NatsRelay) clientName() string  { return "biff-" + r.repo + "-" + r.login }

// Subject addressing: 3 tokens after the prefix root for broadcast, 4 for
// targeted, so exact-match consumer filters never cross kinds.

func (r *NatsRelay) broadcastSubject(login string) string {
	return r.inboxPrefix() + "." + login
}

func (r *NatsRelay) targetedSubject(login, tty string) string {
	return r.inboxPrefix() + "." + login + "." + tty
}

// KV keys cannot contain ':'; the canonical session key lives inside the
// JSON value and the KV key uses a dot separator.
func kvKeyFor(key string) (string, error) {
	login, tty, err := SplitSessionKey(key)
	if err != nil {
		return "", err
	}
	return login + "." + tty, nil
}

func (r *NatsRelay) connectOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(r.clientName()),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			wait := time.Second << uint(min(attempts, 10))
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
			return wait
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Printf("Disconnected from NATS at %s: %v", r.url, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			r.logger.Printf("Reconnected to NATS at %s", r.url)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			r.logger.Printf("NATS error: %v", err)
		}),
	}
	switch {
	case r.auth.Token != "":
		opts = append(opts, nats.Token(r.auth.Token))
	case r.auth.NkeysSeed != "":
		nkey, err := nats.NkeyOptionFromSeed(r.auth.NkeysSeed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		opts = append(opts, nkey)
	case r.auth.UserCredentials != "":
		opts = append(opts, nats.UserCredentials(r.auth.UserCredentials))
	}
	return opts, nil
}

// ensure lazily connects and provisions the KV bucket and both streams.
// Handles are cached only after all provisioning succeeds so a half-built
// connection never leaks.
func (r *NatsRelay) ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.js != nil {
		return nil
	}

	opts, err := r.connectOptions()
	if err != nil {
		return err
	}
	nc, err := nats.Connect(r.url, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:         r.kvBucket(),
		TTL:            SessionTTL,
		MaxBytes:       kvMaxBytes,
		LimitMarkerTTL: time.Minute, // surface TTL evictions to watchers
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	inbox, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      r.inboxStream(),
		Subjects:  []string{r.inboxPrefix() + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		MaxBytes:  inboxMaxBytes,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	wtmp, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     r.wtmpStream(),
		Subjects: []string{r.wtmpPrefix() + ".>"},
		MaxAge:   WtmpRetention,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	r.nc = nc
	r.js = js
	r.kv = kv
	r.inbox = inbox
	r.wtmp = wtmp
	return nil
}

// opCtx bounds one relay operation.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, RelayTimeout)
}

// -- Presence --

// PutSession stores the session in KV; put resets the TTL clock.
func (r *NatsRelay) PutSession(ctx context.Context, session UserSession) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return err
	}
	key, err := kvKeyFor(session.Key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// TouchSession refreshes last_active, recreating the entry when the TTL
// already evicted it.
func (r *NatsRelay) TouchSession(ctx context.Context, key string) error {
	return r.mutateSession(ctx, key, func(*UserSession) {})
}

// SetPlan updates one session's plan.
func (r *NatsRelay) SetPlan(ctx context.Context, key, plan string) error {
	return r.mutateSession(ctx, key, func(s *UserSession) { s.Plan = plan })
}

// SetMesg updates one session's message-reception flag.
func (r *NatsRelay) SetMesg(ctx context.Context, key string, enabled bool) error {
	return r.mutateSession(ctx, key, func(s *UserSession) { s.MessagesEnabled = enabled })
}

func (r *NatsRelay) mutateSession(ctx context.Context, key string, mutate func(*UserSession)) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return err
	}
	kvKey, err := kvKeyFor(key)
	if err != nil {
		return err
	}
	session := UserSession{}
	entry, err := r.kv.Get(ctx, kvKey)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(entry.Value(), &session); jsonErr != nil {
			r.logger.Printf("Corrupt KV session %s, recreating: %v", kvKey, jsonErr)
			session = UserSession{}
		}
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// fall through to a fresh skeleton
	default:
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	if session.Key == "" {
		login, _, _ := SplitSessionKey(key)
		session = UserSession{
			Key:             key,
			Login:           login,
			Host:            Hostname(),
			StartedAt:       timeNow(),
			MessagesEnabled: true,
		}
	}
	mutate(&session)
	session.LastActive = timeNow()
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, kvKey, data); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// ListSessions reads every KV entry. TTL expiry already pruned the dead.
func (r *NatsRelay) ListSessions(ctx context.Context) ([]UserSession, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	var sessions []UserSession
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var s UserSession
		if err := json.Unmarshal(entry.Value(), &s); err != nil {
			r.logger.Printf("Skipping corrupt KV session %s: %v", key, err)
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions, nil
}

// GetSession returns the most recently active session of login, or nil.
func (r *NatsRelay) GetSession(ctx context.Context, login string) (*UserSession, error) {
	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var best *UserSession
	for i := range sessions {
		if sessions[i].Login != login {
			continue
		}
		if best == nil || sessions[i].LastActive.After(best.LastActive) {
			best = &sessions[i]
		}
	}
	return best, nil
}

// DeleteSession removes a session entry and remembers the key so the TTL
// watcher does not report this deliberate logout as an eviction.
func (r *NatsRelay) DeleteSession(ctx context.Context, key string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return err
	}
	kvKey, err := kvKeyFor(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.selfDeleted[kvKey] = true
	r.mu.Unlock()
	if err := r.kv.Delete(ctx, kvKey); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// WatchExpiry watches the KV bucket and invokes onExpire with the session
// key of every entry removed by someone other than this process — in
// practice, TTL eviction. Runs until ctx is cancelled.
func (r *NatsRelay) WatchExpiry(ctx context.Context, onExpire func(key string)) error {
	if err := r.ensure(ctx); err != nil {
		return err
	}
	watcher, err := r.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			op := entry.Operation()
			if op != jetstream.KeyValueDelete && op != jetstream.KeyValuePurge {
				continue
			}
			r.mu.Lock()
			self := r.selfDeleted[entry.Key()]
			delete(r.selfDeleted, entry.Key())
			r.mu.Unlock()
			if self {
				continue
			}
			login, tty, ok2 := strings.Cut(entry.Key(), ".")
			if !ok2 {
				continue
			}
			onExpire(SessionKeyFor(login, tty))
		}
	}
}

// -- Messages --

// Deliver publishes to the recipient's inbox subject.
func (r *NatsRelay) Deliver(ctx context.Context, msg Message) error {
	if msg.Body == "" {
		return ErrEmptyMessage
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return err
	}
	var subject string
	if msg.To.Broadcast() {
		subject = r.broadcastSubject(msg.To.Login)
	} else {
		subject = r.targetedSubject(msg.To.Login, msg.To.TTY)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := r.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// durable consumer names, one per subject kind per caller. WorkQueue
// streams allow one consumer per filter subject; durables make repeated
// drains reuse the server-side consumer instead of racing cleanup.

func durableTargeted(login, tty string) string { return "inbox-" + login + "-" + tty }
func durableBroadcast(login string) string     { return "userinbox-" + login }

// DrainFor pulls and acks everything pending on both subject kinds.
// Ack-on-read with redelivery disabled: the server hands each message to
// at most one caller, which is the broadcast pickup rule.
func (r *NatsRelay) DrainFor(ctx context.Context, login, tty string) ([]Message, error) {
	if err := validateName(login); err != nil {
		return nil, err
	}
	if err := validateName(tty); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	var merged []Message
	pulls := []struct {
		durable string
		subject string
	}{
		{durableBroadcast(login), r.broadcastSubject(login)},
		{durableTargeted(login, tty), r.targetedSubject(login, tty)},
	}
	for _, p := range pulls {
		cons, err := r.inbox.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       p.durable,
			FilterSubject: p.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		batch, err := cons.FetchNoWait(DrainBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		for raw := range batch.Messages() {
			var m Message
			if err := json.Unmarshal(raw.Data(), &m); err != nil {
				r.logger.Printf("Skipping malformed message on %s: %v", p.subject, err)
			} else {
				merged = append(merged, m)
			}
			if err := raw.Ack(); err != nil {
				r.logger.Printf("Ack failed on %s: %v", p.subject, err)
			}
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
	}
	sortMessages(merged)
	return merged, nil
}

// PeekUnread counts pending messages from stream info subject filters and
// builds a best-effort preview from the newest message of each kind,
// without consuming anything.
func (r *NatsRelay) PeekUnread(ctx context.Context, login, tty string) (UnreadSummary, error) {
	if err := validateName(login); err != nil {
		return UnreadSummary{}, err
	}
	if err := validateName(tty); err != nil {
		return UnreadSummary{}, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return UnreadSummary{}, err
	}

	count := 0
	var previews []Message
	for _, subject := range []string{r.broadcastSubject(login), r.targetedSubject(login, tty)} {
		info, err := r.inbox.Info(ctx, jetstream.WithSubjectFilter(subject))
		if err != nil {
			return UnreadSummary{}, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		n := int(info.State.Subjects[subject])
		count += n
		if n == 0 {
			continue
		}
		raw, err := r.inbox.GetLastMsgForSubject(ctx, subject)
		if err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(raw.Data, &m); err == nil {
			previews = append(previews, m)
		}
	}
	sortMessages(previews)
	return buildUnreadSummary(previews, count), nil
}

// -- Events --

// LogEvent publishes to the wtmp stream; age limits handle retention.
func (r *NatsRelay) LogEvent(ctx context.Context, event SessionEvent) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := r.wtmpPrefix() + "." + event.Login
	if _, err := r.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// RecentEvents replays the wtmp stream through an ordered consumer and
// returns the newest events, newest first.
func (r *NatsRelay) RecentEvents(ctx context.Context, login string, limit int) ([]SessionEvent, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	filter := r.wtmpPrefix() + ".>"
	if login != "" {
		if err := validateName(login); err != nil {
			return nil, err
		}
		filter = r.wtmpPrefix() + "." + login
	}
	cons, err := r.js.OrderedConsumer(ctx, r.wtmpStream(), jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	var events []SessionEvent
	for {
		batch, err := cons.FetchNoWait(DrainBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		got := 0
		for raw := range batch.Messages() {
			got++
			var e SessionEvent
			if err := json.Unmarshal(raw.Data(), &e); err != nil {
				continue
			}
			events = append(events, e)
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		if got == 0 {
			break
		}
	}
	// Stream order is oldest first. Reverse for newest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Close drains the NATS connection and drops cached handles.
func (r *NatsRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc != nil {
		r.nc.Close()
		r.nc = nil
		r.js = nil
		r.kv = nil
		r.inbox = nil
		r.wtmp = nil
	}
	return nil
}

var _ Relay = (*NatsRelay)(nil)
