package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /tmp/ngome-ws
sandbox:
  default_timeout_seconds: 15
  max_timeout_seconds: 120
outputs:
  inline_limit_bytes: 2048
permission:
  mode: network
  policy: allow_all
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/ngome-ws" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if got := cfg.Sandbox.DefaultTimeout(); got != 15*time.Second {
		t.Errorf("DefaultTimeout = %v, want 15s", got)
	}
	if got := cfg.Outputs.InlineLimit(); got != 2048 {
		t.Errorf("InlineLimit = %d, want 2048", got)
	}
	if got := cfg.Permission.EffectiveMode(); got != "network" {
		t.Errorf("EffectiveMode = %q, want network", got)
	}
	if got := cfg.Permission.EffectivePolicy(); got != "allow_all" {
		t.Errorf("EffectivePolicy = %q, want allow_all", got)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "permission": {"mode": "unsafe"},
  "outputs": {"default_max_lines": 100, "hard_max_lines": 400}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Permission.EffectiveMode(); got != "unsafe" {
		t.Errorf("EffectiveMode = %q, want unsafe", got)
	}
	if got := cfg.Outputs.MaxLines(); got != 100 {
		t.Errorf("MaxLines = %d, want 100", got)
	}
	if got := cfg.Outputs.MaxLinesCeiling(); got != 400 {
		t.Errorf("MaxLinesCeiling = %d, want 400", got)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if got := cfg.Sandbox.DefaultTimeout(); got != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", got)
	}
	if got := cfg.Sandbox.MaxTimeout(); got != 10*time.Minute {
		t.Errorf("MaxTimeout = %v, want 10m", got)
	}
	if got := cfg.Sandbox.ShellPath(); got != "bash" {
		t.Errorf("ShellPath = %q, want bash", got)
	}
	if got := cfg.Outputs.InlineLimit(); got != 4000 {
		t.Errorf("InlineLimit = %d, want 4000", got)
	}
	if got := cfg.Outputs.MaxLines(); got != 200 {
		t.Errorf("MaxLines = %d, want 200", got)
	}
	if got := cfg.Outputs.MaxLinesCeiling(); got != 800 {
		t.Errorf("MaxLinesCeiling = %d, want 800", got)
	}
	if got := cfg.Permission.EffectiveMode(); got != "sandboxed" {
		t.Errorf("EffectiveMode = %q, want sandboxed", got)
	}
	if got := cfg.Permission.ApprovalTTL(); got != 5*time.Minute {
		t.Errorf("ApprovalTTL = %v, want 5m", got)
	}
	if got := cfg.Janitor.CronSchedule(); got != "0 * * * *" {
		t.Errorf("CronSchedule = %q", got)
	}
}

func TestLoadInvalidPermissionMode(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
permission:
  mode: wild
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid permission mode")
	}
}

func TestLoadInvalidKillSignal(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
sandbox:
  kill_signal: SIGSTOP
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid kill signal")
	}
}

func TestLoadMCPValidation(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mcp:
  - name: github
    transport: stdio
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for stdio server without command")
	}

	path = writeConfig(t, "dup.yaml", `
mcp:
  - name: github
    transport: stdio
    command: gh-mcp
  - name: github
    transport: stdio
    command: gh-mcp
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate server name")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NGOME_WORKSPACE", "/tmp/env-ws")
	t.Setenv("NGOME_PERMISSION_MODE", "network")

	path := writeConfig(t, "config.yaml", `
workspace: /tmp/file-ws
permission:
  mode: sandboxed
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/env-ws" {
		t.Errorf("Workspace = %q, want env override", cfg.Workspace)
	}
	if got := cfg.Permission.EffectiveMode(); got != "network" {
		t.Errorf("EffectiveMode = %q, want network", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestHardMaxLinesBelowDefault(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
outputs:
  default_max_lines: 500
  hard_max_lines: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when hard_max_lines < default_max_lines")
	}
}
