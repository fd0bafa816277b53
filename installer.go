package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Installer writes the host-side integration files: the MCP server entry
// in ~/.claude.json and the status-bar script wired into
// ~/.claude/settings.json. Paths are fields so tests run against a
// scratch home.
type Installer struct {
	SettingsPath  string // ~/.claude/settings.json
	MCPConfigPath string // ~/.claude.json
	StashPath     string // ~/.biff/statusline-original.json
	ScriptPath    string // ~/.biff/statusline.sh
}

// NewInstaller targets the real home directory.
func NewInstaller() (*Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return &Installer{
		SettingsPath:  filepath.Join(home, ".claude", "settings.json"),
		MCPConfigPath: filepath.Join(home, ".claude.json"),
		StashPath:     filepath.Join(home, ".biff", "statusline-original.json"),
		ScriptPath:    filepath.Join(home, ".biff", "statusline.sh"),
	}, nil
}

// readJSONFile loads a JSON object, returning an empty map when the file
// is absent.
func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func writeJSONFile(path string, obj map[string]any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, append(data, '\n'))
}

// mcpServerEntry is the registration Claude Code expects under
// mcpServers.biff.
func mcpServerEntry() map[string]any {
	exe, err := os.Executable()
	if err != nil {
		exe = "biff"
	}
	return map[string]any{
		"type":    "stdio",
		"command": exe,
		"args":    []any{"serve"},
	}
}

// Install registers the MCP server entry. Idempotent: repeated runs
// reconcile the entry without touching anything else.
func (i *Installer) Install() (string, error) {
	cfg, err := readJSONFile(i.MCPConfigPath)
	if err != nil {
		return "", err
	}
	servers, _ := cfg["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	servers["biff"] = mcpServerEntry()
	cfg["mcpServers"] = servers
	if err := writeJSONFile(i.MCPConfigPath, cfg); err != nil {
		return "", err
	}
	return "Installed MCP server entry.", nil
}

// Uninstall removes the MCP server entry.
func (i *Installer) Uninstall() (string, error) {
	cfg, err := readJSONFile(i.MCPConfigPath)
	if err != nil {
		return "", err
	}
	servers, _ := cfg["mcpServers"].(map[string]any)
	if _, ok := servers["biff"]; !ok {
		return "Not installed.", nil
	}
	delete(servers, "biff")
	cfg["mcpServers"] = servers
	if err := writeJSONFile(i.MCPConfigPath, cfg); err != nil {
		return "", err
	}
	return "Uninstalled MCP server entry.", nil
}

// statuslineScript aggregates unread counts across all repos' status
// files. Written as a shell script so it works with no biff binary on
// PATH at render time.
const statuslineScript = `#!/bin/sh
# biff status segment: sums unread counts across repositories.
total=0
for f in "$HOME"/.biff/unread/*.json; do
    [ -f "$f" ] || continue
    n=$(sed -n 's/.*"count":[[:space:]]*\([0-9][0-9]*\).*/\1/p' "$f" | head -n 1)
    total=$((total + ${n:-0}))
done
printf 'biff(%s)' "$total"
`

// InstallStatusline stashes the user's current statusLine setting and
// points it at the generated aggregation script.
func (i *Installer) InstallStatusline() (string, error) {
	if _, err := os.Stat(i.StashPath); err == nil {
		return "Already installed.", nil
	}

	settings, err := readJSONFile(i.SettingsPath)
	if err != nil {
		return "", err
	}
	stash := map[string]any{"original": settings["statusLine"]}
	if err := writeJSONFile(i.StashPath, stash); err != nil {
		return "", err
	}

	if err := atomicWrite(i.ScriptPath, []byte(statuslineScript)); err != nil {
		return "", err
	}
	if err := os.Chmod(i.ScriptPath, 0o755); err != nil {
		return "", err
	}

	settings["statusLine"] = map[string]any{"type": "command", "command": i.ScriptPath}
	if err := writeJSONFile(i.SettingsPath, settings); err != nil {
		return "", err
	}
	return "Installed status bar.", nil
}

// UninstallStatusline restores the stashed statusLine value and removes
// the script and stash.
func (i *Installer) UninstallStatusline() (string, error) {
	stash, err := readJSONFile(i.StashPath)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(i.StashPath); statErr != nil {
		return "Not installed.", nil
	}

	settings, err := readJSONFile(i.SettingsPath)
	if err != nil {
		return "", err
	}
	if original, ok := stash["original"]; ok && original != nil {
		settings["statusLine"] = original
	} else {
		delete(settings, "statusLine")
	}
	if err := writeJSONFile(i.SettingsPath, settings); err != nil {
		return "", err
	}
	os.Remove(i.StashPath)
	os.Remove(i.ScriptPath)
	return "Uninstalled status bar.", nil
}
