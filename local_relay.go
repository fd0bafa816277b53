package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
)

// LocalRelay implements Relay over a shared per-repo directory:
//
//	{data_dir}/
//	    session-kai-a1b2c3d4.json      # one session snapshot per file
//	    inbox-kai-a1b2c3d4.jsonl       # targeted messages
//	    userinbox-kai.jsonl            # broadcast messages
//	    wtmp.jsonl                     # login/logout events
//
// All whole-file writes go through temp-file-then-rename. Inbox appends and
// drains serialize on a sidecar advisory lock so the read-then-truncate POP
// is atomic across processes.
type LocalRelay struct {
	dataDir string
	logger  *log.Logger
}

// NewLocalRelay creates a filesystem relay rooted at dataDir.
func NewLocalRelay(dataDir string, logger *log.Logger) *LocalRelay {
	if logger == nil {
		logger = discardLogger()
	}
	return &LocalRelay{dataDir: dataDir, logger: logger}
}

// atomicWrite writes content to path via temp-file-then-rename, creating
// parent directories as needed.
func atomicWrite(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (r *LocalRelay) sessionPath(login, tty string) string {
	return filepath.Join(r.dataDir, fmt.Sprintf("session-%s-%s.json", login, tty))
}

func (r *LocalRelay) inboxPath(login, tty string) string {
	return filepath.Join(r.dataDir, fmt.Sprintf("inbox-%s-%s.jsonl", login, tty))
}

func (r *LocalRelay) userInboxPath(login string) string {
	return filepath.Join(r.dataDir, fmt.Sprintf("userinbox-%s.jsonl", login))
}

func (r *LocalRelay) wtmpPath() string {
	return filepath.Join(r.dataDir, WtmpFile)
}

// withLock runs fn holding the advisory lock for path. The lock is a
// sidecar file so truncating the inbox never races the lock itself.
func (r *LocalRelay) withLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer lock.Unlock()
	return fn()
}

// -- Presence --

// PutSession writes the session snapshot atomically.
func (r *LocalRelay) PutSession(ctx context.Context, session UserSession) error {
	login, tty, err := SplitSessionKey(session.Key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(r.sessionPath(login, tty), append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// TouchSession refreshes last_active, creating a skeleton session when the
// snapshot is missing (e.g. swept while the process was idle).
func (r *LocalRelay) TouchSession(ctx context.Context, key string) error {
	session, err := r.readSession(key)
	if err != nil {
		return err
	}
	if session == nil {
		login, _, _ := SplitSessionKey(key)
		session = &UserSession{
			Key:             key,
			Login:           login,
			Host:            Hostname(),
			StartedAt:       timeNow(),
			MessagesEnabled: true,
		}
	}
	session.LastActive = timeNow()
	return r.PutSession(ctx, *session)
}

// ListSessions globs session files, ignoring and sweeping entries whose
// last_active has fallen past the session TTL.
func (r *LocalRelay) ListSessions(ctx context.Context) ([]UserSession, error) {
	paths, err := filepath.Glob(filepath.Join(r.dataDir, "session-*.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	cutoff := timeNow().Add(-SessionTTL)
	var sessions []UserSession
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var s UserSession
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.Printf("Skipping corrupt session file %s: %v", p, err)
			continue
		}
		if s.LastActive.Before(cutoff) {
			os.Remove(p)
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions, nil
}

// GetSession returns the most recently active session of login, or nil.
func (r *LocalRelay) GetSession(ctx context.Context, login string) (*UserSession, error) {
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

// SetPlan updates one session's plan.
func (r *LocalRelay) SetPlan(ctx context.Context, key, plan string) error {
	return r.mutateSession(ctx, key, func(s *UserSession) { s.Plan = plan })
}

// SetMesg updates one session's message-reception flag. Storage is not
// affected: messages keep accumulating while disabled.
func (r *LocalRelay) SetMesg(ctx context.Context, key string, enabled bool) error {
	return r.mutateSession(ctx, key, func(s *UserSession) { s.MessagesEnabled = enabled })
}

func (r *LocalRelay) mutateSession(ctx context.Context, key string, mutate func(*UserSession)) error {
	session, err := r.readSession(key)
	if err != nil {
		return err
	}
	if session == nil {
		login, _, _ := SplitSessionKey(key)
		session = &UserSession{
			Key:             key,
			Login:           login,
			Host:            Hostname(),
			StartedAt:       timeNow(),
			MessagesEnabled: true,
		}
	}
	mutate(session)
	session.LastActive = timeNow()
	return r.PutSession(ctx, *session)
}

func (r *LocalRelay) readSession(key string) (*UserSession, error) {
	login, tty, err := SplitSessionKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.sessionPath(login, tty))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	var s UserSession
	if err := json.Unmarshal(data, &s); err != nil {
		r.logger.Printf("Corrupt session file for %s, recreating: %v", key, err)
		return nil, nil
	}
	return &s, nil
}

// DeleteSession removes the snapshot. Used by the logout paths.
func (r *LocalRelay) DeleteSession(ctx context.Context, key string) error {
	login, tty, err := SplitSessionKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(r.sessionPath(login, tty)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// -- Messages --

// Deliver appends to the broadcast inbox for broadcast addresses, the
// targeted session inbox otherwise. Targeted messages never touch the
// broadcast file, and vice versa.
func (r *LocalRelay) Deliver(ctx context.Context, msg Message) error {
	if msg.Body == "" {
		return ErrEmptyMessage
	}
	var path string
	if msg.To.Broadcast() {
		path = r.userInboxPath(msg.To.Login)
	} else {
		path = r.inboxPath(msg.To.Login, msg.To.TTY)
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.withLock(path, func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		return nil
	})
}

// DrainFor pops all pending messages from both inboxes of the session,
// merged and sorted by sent_at ascending. Each inbox is read and truncated
// under its advisory lock, so a message goes to exactly one drainer.
func (r *LocalRelay) DrainFor(ctx context.Context, login, tty string) ([]Message, error) {
	if err := validateName(login); err != nil {
		return nil, err
	}
	if err := validateName(tty); err != nil {
		return nil, err
	}
	var merged []Message
	for _, path := range []string{r.userInboxPath(login), r.inboxPath(login, tty)} {
		var batch []Message
		err := r.withLock(path, func() error {
			var readErr error
			batch, readErr = r.readInboxFile(path)
			if readErr != nil {
				return readErr
			}
			if len(batch) == 0 {
				return nil
			}
			return atomicWrite(path, nil)
		})
		if err != nil {
			return nil, err
		}
		merged = append(merged, batch...)
	}
	sortMessages(merged)
	return merged, nil
}

// PeekUnread builds the merged unread view without consuming anything.
func (r *LocalRelay) PeekUnread(ctx context.Context, login, tty string) (UnreadSummary, error) {
	if err := validateName(login); err != nil {
		return UnreadSummary{}, err
	}
	if err := validateName(tty); err != nil {
		return UnreadSummary{}, err
	}
	var merged []Message
	for _, path := range []string{r.userInboxPath(login), r.inboxPath(login, tty)} {
		batch, err := r.readInboxFile(path)
		if err != nil {
			return UnreadSummary{}, err
		}
		merged = append(merged, batch...)
	}
	sortMessages(merged)
	return buildUnreadSummary(merged, len(merged)), nil
}

// readInboxFile parses one JSONL inbox, skipping malformed lines.
func (r *LocalRelay) readInboxFile(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	var messages []Message
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			r.logger.Printf("Skipping malformed inbox line in %s: %.80s", filepath.Base(path), line)
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// sortMessages orders by sent_at ascending, preserving arrival order for
// ties.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

// -- Events --

// LogEvent appends to wtmp.jsonl, compacting the file once it grows past
// the line bound. Compaction keeps the last 30 days of events.
func (r *LocalRelay) LogEvent(ctx context.Context, event SessionEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	path := r.wtmpPath()
	return r.withLock(path, func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		f.Close()
		return r.compactWtmp(path)
	})
}

// compactWtmp rewrites the event log when it exceeds the line bound,
// dropping events older than the retention window. Caller holds the lock.
func (r *LocalRelay) compactWtmp(path string) error {
	events, lines, err := r.readWtmp(path)
	if err != nil || lines <= WtmpMaxLines {
		return err
	}
	cutoff := timeNow().Add(-WtmpRetention)
	var keep []byte
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		keep = append(keep, line...)
		keep = append(keep, '\n')
	}
	r.logger.Printf("Compacted wtmp from %d lines", lines)
	return atomicWrite(path, keep)
}

func (r *LocalRelay) readWtmp(path string) ([]SessionEvent, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	var events []SessionEvent
	lines := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines++
		var e SessionEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, lines, nil
}

// RecentEvents returns the newest events, newest first, optionally
// filtered by login.
func (r *LocalRelay) RecentEvents(ctx context.Context, login string, limit int) ([]SessionEvent, error) {
	events, _, err := r.readWtmp(r.wtmpPath())
	if err != nil {
		return nil, err
	}
	var filtered []SessionEvent
	for _, e := range events {
		if login != "" && e.Login != login {
			continue
		}
		filtered = append(filtered, e)
	}
	// wtmp is append-ordered; newest last. Reverse for newest-first.
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Close is a no-op: the filesystem relay holds no connection.
func (r *LocalRelay) Close() error {
	return nil
}

var _ Relay = (*LocalRelay)(nil)
