package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeNow returns current time (allows for mock in tests)
var timeNow = func() time.Time {
	return time.Now().UTC()
}

// Identity is who this process is acting as. Resolved once at startup
// from the identity authority and immutable afterwards.
type Identity struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// UserSession is one live server process: an identity bound to a tty token.
// Stored by the relay and mutated through put/touch/set operations only.
type UserSession struct {
	Key             string    `json:"key"` // "{login}:{tty}"
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Host            string    `json:"host"`
	Cwd             string    `json:"cwd"`
	StartedAt       time.Time `json:"started_at"`
	LastActive      time.Time `json:"last_active"`
	MessagesEnabled bool      `json:"messages_enabled"`
	Plan            string    `json:"plan"`
}

// TTY returns the tty token portion of the session key.
func (s UserSession) TTY() string {
	_, tty, _ := strings.Cut(s.Key, ":")
	return tty
}

// Message is a single async message between two sessions. Immutable once
// created; consumption is tracked by the relay, not by mutating the message.
type Message struct {
	ID          uuid.UUID `json:"id"`
	FromSession string    `json:"from_session"` // "{login}:{tty}"
	To          Address   `json:"to_addr"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
}

// FromLogin returns the sender's login without the tty token.
func (m Message) FromLogin() string {
	login, _, _ := strings.Cut(m.FromSession, ":")
	return login
}

// NewMessage builds a message from the current session to addr.
func NewMessage(fromKey string, to Address, body string) Message {
	return Message{
		ID:          uuid.New(),
		FromSession: fromKey,
		To:          to,
		Body:        body,
		SentAt:      timeNow(),
	}
}

// Event kinds and logout reasons recorded on the wtmp log.
const (
	EventLogin  = "login"
	EventLogout = "logout"

	ReasonNormal = "normal"
	ReasonOrphan = "orphan"
	ReasonTTL    = "ttl"
)

// SessionEvent is one login or logout on the append-only wtmp log.
type SessionEvent struct {
	Kind      string    `json:"kind"` // "login" | "logout"
	Key       string    `json:"key"`  // "{login}:{tty}"
	Login     string    `json:"login"`
	Host      string    `json:"host"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"` // logout only: "normal" | "orphan" | "ttl"
}

// TTY returns the tty token portion of the event's session key.
func (e SessionEvent) TTY() string {
	_, tty, _ := strings.Cut(e.Key, ":")
	return tty
}

// UnreadSummary drives the dynamic read_messages description and the
// per-repo status file.
type UnreadSummary struct {
	Count   int    `json:"count"`
	Preview string `json:"preview"`
}

// buildUnreadSummary formats a preview from pending messages. Shared by both
// relay implementations so the description text never depends on the backend.
func buildUnreadSummary(messages []Message, count int) UnreadSummary {
	if count == 0 {
		return UnreadSummary{}
	}
	previews := make([]string, 0, MaxPreviewMessages)
	for i, m := range messages {
		if i >= MaxPreviewMessages {
			break
		}
		body := m.Body
		if len(body) > MaxBodyPreview {
			body = body[:MaxBodyPreview]
		}
		previews = append(previews, "@"+m.FromLogin()+" about "+body)
	}
	preview := strings.Join(previews, ", ")
	if len(preview) > MaxPreviewLen {
		preview = preview[:MaxPreviewLen-3] + "..."
	}
	return UnreadSummary{Count: count, Preview: preview}
}
