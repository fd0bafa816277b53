package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Address is where a message is routed: a broadcast inbox ("kai") or a
// targeted session inbox ("kai:a1b2c3d4"). The zero TTY means broadcast.
type Address struct {
	Login string
	TTY   string
}

// Broadcast reports whether the address names a user inbox rather than a
// single session.
func (a Address) Broadcast() bool {
	return a.TTY == ""
}

// String renders the wire form: "login" or "login:tty".
func (a Address) String() string {
	if a.TTY == "" {
		return a.Login
	}
	return a.Login + ":" + a.TTY
}

// MarshalJSON stores the compact wire form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON parses the compact wire form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses "@user" or "@user:tty" into an Address. The leading @
// and surrounding whitespace are optional. Names that could escape file or
// subject boundaries are rejected with ErrInvalidAddress.
func ParseAddress(raw string) (Address, error) {
	bare := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	login, tty, hasTTY := strings.Cut(bare, ":")
	login = strings.TrimSpace(login)
	if err := validateName(login); err != nil {
		return Address{}, err
	}
	if !hasTTY {
		return Address{Login: login}, nil
	}
	tty = strings.TrimSpace(tty)
	if tty == "" {
		return Address{}, fmt.Errorf("%w: empty tty in %q", ErrInvalidAddress, raw)
	}
	if err := validateName(tty); err != nil {
		return Address{}, err
	}
	return Address{Login: login, TTY: tty}, nil
}

// validateName rejects path separators, parent references, NATS subject
// separators and wildcards. One rule covers both backends so an address
// accepted locally never breaks on the cluster relay.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAddress)
	}
	if strings.ContainsAny(name, "/\\.:*> \t") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, name)
	}
	return nil
}

// SessionKeyFor builds the composite "{login}:{tty}" session key.
func SessionKeyFor(login, tty string) string {
	return login + ":" + tty
}

// SplitSessionKey splits a "{login}:{tty}" key. Returns an error for keys
// that would not survive a round trip through ParseAddress.
func SplitSessionKey(key string) (login, tty string, err error) {
	addr, err := ParseAddress(key)
	if err != nil {
		return "", "", err
	}
	if addr.Broadcast() {
		return "", "", fmt.Errorf("%w: session key missing tty: %q", ErrInvalidAddress, key)
	}
	return addr.Login, addr.TTY, nil
}

// GenerateTTY returns a fresh random hex tty token.
func GenerateTTY() string {
	buf := make([]byte, TTYHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Hostname returns the local hostname, or "unknown" when unavailable.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Workdir returns the process working directory, or "" when unavailable.
func Workdir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
