package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadLocalDefaults(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "data")
	if err := os.Mkdir(entryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
global:
  backupmethod: local
local:
  localmount: ` + dir + `
entry:
  - name: data
    path: ` + entryDir + `
    recursive: true
`
	p := writeConfig(t, dir, body)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeLocal {
		t.Errorf("Mode = %v, want local", cfg.Mode)
	}
	if cfg.SyncInterval != DefaultSyncInterval {
		t.Errorf("SyncInterval = %v, want default", cfg.SyncInterval)
	}
	if cfg.CommitThreshold != DefaultCommitThresh {
		t.Errorf("CommitThreshold = %d, want default", cfg.CommitThreshold)
	}
	if !cfg.RetainBackups {
		t.Errorf("RetainBackups = false, want true by default")
	}
	if len(cfg.Entries) != 1 || cfg.Entries[0].Name != "data" {
		t.Errorf("Entries = %+v", cfg.Entries)
	}
}

func TestLoadRsyncForcesRetention(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "data")
	if err := os.Mkdir(entryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
global:
  backupmethod: rsync
  retainbackup: false
rsync:
  server: backup.example.com
  remotemount: /srv/backups
  sshuser: duckbill
entry:
  - name: data
    path: ` + entryDir + `
`
	p := writeConfig(t, dir, body)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.RetainBackups {
		t.Errorf("RetainBackups = false, want forced true for rsync mode")
	}
	if cfg.SSHPort != DefaultSSHPort {
		t.Errorf("SSHPort = %d, want default %d", cfg.SSHPort, DefaultSSHPort)
	}
	if cfg.DestinationRoot() != "/srv/backups" {
		t.Errorf("DestinationRoot = %q", cfg.DestinationRoot())
	}
}

func TestLoadRejectsBadSyncInterval(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "data")
	if err := os.Mkdir(entryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
global:
  backupmethod: local
  syncinterval: 1
local:
  localmount: ` + dir + `
entry:
  - name: data
    path: ` + entryDir + `
`
	p := writeConfig(t, dir, body)
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for syncinterval below minimum")
	}
}

func TestLoadRejectsOverlappingEntries(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "data")
	nested := filepath.Join(entryDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `
global:
  backupmethod: local
local:
  localmount: ` + dir + `
entry:
  - name: data
    path: ` + entryDir + `
    recursive: true
  - name: nested
    path: ` + nested + `
`
	p := writeConfig(t, dir, body)
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for entry nested under a recursive entry")
	}
}

func TestLoadRejectsMissingEntryPath(t *testing.T) {
	dir := t.TempDir()
	body := `
global:
  backupmethod: local
local:
  localmount: ` + dir + `
entry:
  - name: gone
    path: ` + filepath.Join(dir, "does-not-exist") + `
`
	p := writeConfig(t, dir, body)
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for nonexistent entry path")
	}
}

func TestResolveUsesOverride(t *testing.T) {
	got, err := Resolve("/tmp/custom.yaml")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/tmp/custom.yaml" {
		t.Errorf("Resolve = %q, want override", got)
	}
}
