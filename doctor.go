package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nats-io/nats.go"
)

// CheckResult is the outcome of a single diagnostic probe.
type CheckResult struct {
	Name     string
	Passed   bool
	Message  string
	Required bool
}

// Doctor runs environment diagnostics. Paths are fields so tests can
// point the probes at a scratch home directory.
type Doctor struct {
	HomeDir string
}

// NewDoctor probes against the real home directory.
func NewDoctor() *Doctor {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Doctor{HomeDir: home}
}

// checkIdentity verifies the gh CLI is installed and authenticated.
func (d *Doctor) checkIdentity() CheckResult {
	gh, err := exec.LookPath("gh")
	if err != nil {
		return CheckResult{"gh CLI", false, "not found (install: brew install gh)", true}
	}
	if err := exec.Command(gh, "auth", "status").Run(); err != nil {
		return CheckResult{"gh CLI", false, "not authenticated (run: gh auth login)", true}
	}
	return CheckResult{"gh CLI", true, "authenticated", true}
}

// checkTransport verifies the MCP server registration in ~/.claude.json.
func (d *Doctor) checkTransport() CheckResult {
	path := filepath.Join(d.HomeDir, ".claude.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return CheckResult{"MCP registration", false, "not registered (run: biff install)", true}
	}
	var cfg struct {
		MCPServers map[string]json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return CheckResult{"MCP registration", false, "could not read " + path, true}
	}
	if _, ok := cfg.MCPServers["biff"]; !ok {
		return CheckResult{"MCP registration", false, "not registered (run: biff install)", true}
	}
	return CheckResult{"MCP registration", true, "registered in " + path, true}
}

// checkPluginFiles verifies the installed support files exist.
func (d *Doctor) checkPluginFiles() CheckResult {
	script := filepath.Join(d.HomeDir, ".biff", "statusline.sh")
	if _, err := os.Stat(script); err != nil {
		return CheckResult{"Plugin files", false, "missing (run: biff install-statusline)", true}
	}
	return CheckResult{"Plugin files", true, script, true}
}

// checkRelay verifies the configured relay answers within the probe
// deadline: a NATS dial for cluster relays, a data-dir write for local.
func (d *Doctor) checkRelay() CheckResult {
	cfg, err := LoadConfig(ConfigOverrides{}, nil)
	if err != nil {
		return CheckResult{"Relay", false, err.Error(), true}
	}
	if cfg.RelayURL == "" {
		probe := filepath.Join(cfg.DataDir, ".probe")
		if err := atomicWrite(probe, []byte("ok\n")); err != nil {
			return CheckResult{"Relay", false, fmt.Sprintf("data dir not writable (%s)", cfg.DataDir), true}
		}
		os.Remove(probe)
		return CheckResult{"Relay", true, fmt.Sprintf("local (%s)", cfg.DataDir), true}
	}
	opts := []nats.Option{nats.Timeout(DoctorRelayTimeout)}
	switch {
	case cfg.RelayAuth.Token != "":
		opts = append(opts, nats.Token(cfg.RelayAuth.Token))
	case cfg.RelayAuth.NkeysSeed != "":
		if nkey, err := nats.NkeyOptionFromSeed(cfg.RelayAuth.NkeysSeed); err == nil {
			opts = append(opts, nkey)
		}
	case cfg.RelayAuth.UserCredentials != "":
		opts = append(opts, nats.UserCredentials(cfg.RelayAuth.UserCredentials))
	}
	nc, err := nats.Connect(cfg.RelayURL, opts...)
	if err != nil {
		return CheckResult{"Relay", false, fmt.Sprintf("unreachable (%s)", cfg.RelayURL), true}
	}
	nc.Close()
	return CheckResult{"Relay", true, fmt.Sprintf("reachable (%s)", cfg.RelayURL), true}
}

// checkBiffFile reports whether the per-repo config exists (informational).
func (d *Doctor) checkBiffFile() CheckResult {
	root := FindGitRoot(Workdir())
	if root == "" {
		return CheckResult{".biff file", false, "not in a git repo (run 'biff init' inside a project)", false}
	}
	path := filepath.Join(root, ".biff")
	if _, err := os.Stat(path); err != nil {
		return CheckResult{".biff file", false, fmt.Sprintf("not found (run 'biff init' in %s)", root), false}
	}
	return CheckResult{".biff file", true, path, false}
}

// checkStatusBar reports whether the status bar is installed (informational).
func (d *Doctor) checkStatusBar() CheckResult {
	stash := filepath.Join(d.HomeDir, ".biff", "statusline-original.json")
	if _, err := os.Stat(stash); err != nil {
		return CheckResult{"Status bar", false, "not installed (run: biff install-statusline)", false}
	}
	return CheckResult{"Status bar", true, "installed", false}
}

// Run executes all six probes, prints results, and returns 0 when every
// required probe passed.
func (d *Doctor) Run() int {
	fmt.Printf("%s %s\n\n", ServerName, ServerVersion)
	checks := []CheckResult{
		d.checkIdentity(),
		d.checkTransport(),
		d.checkPluginFiles(),
		d.checkRelay(),
		d.checkBiffFile(),
		d.checkStatusBar(),
	}
	failed := 0
	for _, c := range checks {
		symbol := "✓"
		if !c.Passed {
			if c.Required {
				symbol = "✗"
				failed++
			} else {
				symbol = "○"
			}
		}
		fmt.Printf("  %s %s: %s\n", symbol, c.Name, c.Message)
	}
	if failed > 0 {
		fmt.Printf("\n%d required check(s) failed.\n", failed)
		return 1
	}
	fmt.Println("\nAll required checks passed.")
	return 0
}
