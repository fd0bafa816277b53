package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPrefix is the base path for per-repo data directories.
const DefaultPrefix = "/tmp"

// RelayAuth holds credentials for a remote NATS relay. At most one field
// may be set; mutual exclusivity is enforced at config-parse time.
type RelayAuth struct {
	Token           string
	NkeysSeed       string
	UserCredentials string
}

// biffFile mirrors the .biff TOML file at the repo root:
//
//	[team]
//	members = ["kai", "eric", "priya"]
//
//	[relay]
//	url = "nats://localhost:4222"
type biffFile struct {
	Team struct {
		Members []string `toml:"members"`
	} `toml:"team"`
	Relay struct {
		URL             string `toml:"url"`
		Token           string `toml:"token"`
		NkeysSeed       string `toml:"nkeys_seed"`
		UserCredentials string `toml:"user_credentials"`
	} `toml:"relay"`
}

// ResolvedConfig is the fully resolved configuration ready for startup.
type ResolvedConfig struct {
	Identity   Identity
	Team       []string
	RelayURL   string // empty means LocalRelay
	RelayAuth  RelayAuth
	RepoRoot   string // empty outside a git repo
	RepoName   string // sanitized, "_default" outside a repo
	DataDir    string
	UnreadPath string // {home}/.biff/unread/{repo}.json
}

// ConfigOverrides carries CLI flag values into config resolution.
type ConfigOverrides struct {
	User    string
	DataDir string
	Prefix  string
	Start   string // starting directory for git-root discovery
}

// LoadConfig discovers and resolves all configuration.
//
// Resolution order: CLI overrides, then the .biff TOML for team roster and
// relay settings, then gh identity falling back to the OS username. The
// data directory is {prefix}/biff/{repo} and the repo name falls back to
// "_default" outside a version-controlled root.
func LoadConfig(overrides ConfigOverrides, logger *log.Logger) (*ResolvedConfig, error) {
	if logger == nil {
		logger = discardLogger()
	}
	start := overrides.Start
	if start == "" {
		start = Workdir()
	}
	repoRoot := FindGitRoot(start)

	cfg := &ResolvedConfig{RepoRoot: repoRoot}
	if repoRoot != "" {
		raw, err := loadBiffFile(repoRoot)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			cfg.Team = raw.Team.Members
			cfg.RelayURL = raw.Relay.URL
			auth, err := extractAuth(raw)
			if err != nil {
				return nil, err
			}
			cfg.RelayAuth = auth
		}
	}

	identity, err := resolveIdentity(overrides.User, logger)
	if err != nil {
		return nil, err
	}
	cfg.Identity = identity

	cfg.RepoName = repoNameFor(repoRoot)

	prefix := overrides.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	} else {
		cfg.DataDir = filepath.Join(prefix, "biff", cfg.RepoName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg.UnreadPath = filepath.Join(home, ".biff", "unread", cfg.RepoName+".json")

	logger.Printf("Resolved config: user=%s repo=%s relay=%q data=%s",
		identity.Login, cfg.RepoName, cfg.RelayURL, cfg.DataDir)
	return cfg, nil
}

// FindGitRoot walks up from start looking for a .git entry. Returns ""
// when start is not inside a repository.
func FindGitRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadBiffFile parses {repoRoot}/.biff. A missing file is not an error;
// a malformed one is, so a typo never silently drops the team roster.
func loadBiffFile(repoRoot string) (*biffFile, error) {
	path := filepath.Join(repoRoot, ".biff")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var raw biffFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &raw, nil
}

// extractAuth validates that at most one credential form is configured.
func extractAuth(raw *biffFile) (RelayAuth, error) {
	auth := RelayAuth{
		Token:           raw.Relay.Token,
		NkeysSeed:       raw.Relay.NkeysSeed,
		UserCredentials: raw.Relay.UserCredentials,
	}
	set := 0
	for _, v := range []string{auth.Token, auth.NkeysSeed, auth.UserCredentials} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return RelayAuth{}, fmt.Errorf(
			"conflicting auth in .biff [relay]: set at most one of token, nkeys_seed, user_credentials")
	}
	return auth, nil
}

// resolveIdentity resolves login and display name: CLI override first, then
// gh, then the OS username.
func resolveIdentity(override string, logger *log.Logger) (Identity, error) {
	if override != "" {
		return Identity{Login: override}, nil
	}
	if id, ok := githubIdentity(); ok {
		return id, nil
	}
	logger.Printf("gh identity unavailable, falling back to OS user")
	if u, err := user.Current(); err == nil && u.Username != "" {
		return Identity{Login: u.Username}, nil
	}
	return Identity{}, fmt.Errorf(
		"no user configured: install and authenticate the gh CLI, or pass --user <handle>")
}

// githubIdentity resolves login and display name in a single gh API call.
func githubIdentity() (Identity, bool) {
	out, err := exec.Command("gh", "api", "user",
		"--jq", `select(.login) | [.login, .name // ""] | @tsv`).Output()
	if err != nil {
		return Identity{}, false
	}
	login, name, _ := strings.Cut(strings.TrimSpace(string(out)), "\t")
	login = strings.TrimSpace(login)
	if login == "" {
		return Identity{}, false
	}
	return Identity{Login: login, DisplayName: strings.TrimSpace(name)}, true
}

var (
	slugSSHRe   = regexp.MustCompile(`^[^@]+@[^:]+:(.+?)(?:\.git)?$`)
	slugHTTPSRe = regexp.MustCompile(`^https?://[^/]+/(.+?)(?:\.git)?$`)
)

// parseRepoSlug extracts "owner/repo" from an SSH or HTTPS remote URL.
// Nested paths (gitlab subgroups) don't reduce to a two-part slug and
// return "".
func parseRepoSlug(url string) string {
	for _, re := range []*regexp.Regexp{slugSSHRe, slugHTTPSRe} {
		if m := re.FindStringSubmatch(url); m != nil {
			slug := m[1]
			if strings.Count(slug, "/") == 1 {
				return slug
			}
		}
	}
	return ""
}

// repoSlug resolves "owner/repo" from the origin remote, or "".
func repoSlug(repoRoot string) string {
	out, err := exec.Command("git", "-C", repoRoot, "remote", "get-url", "origin").Output()
	if err != nil {
		return ""
	}
	return parseRepoSlug(strings.TrimSpace(string(out)))
}

// repoNameFor produces the sanitized repo-scoping token for relay
// resources. Outside a repo the shared "_default" namespace is used.
func repoNameFor(repoRoot string) string {
	if repoRoot == "" {
		return DefaultRepoName
	}
	name := repoSlug(repoRoot)
	if name == "" {
		name = filepath.Base(repoRoot)
	}
	return SanitizeRepoName(name)
}

// SanitizeRepoName maps a repo name or slug onto the character set that
// every relay resource name allows: ASCII alphanumerics, dash, underscore.
// Slashes mark the owner/repo boundary and become underscores; dots and
// spaces become dashes; everything else is stripped. An empty result falls
// back to "_default" rather than colliding on a shared empty namespace.
func SanitizeRepoName(name string) string {
	r := strings.NewReplacer("/", "_", ".", "-", " ", "-")
	clean := r.Replace(name)
	var b strings.Builder
	for _, c := range clean {
		if c > 127 {
			continue
		}
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return DefaultRepoName
	}
	return b.String()
}
