package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/guildstore/record"
)

func setupDiskStore(t *testing.T) string {
	t.Helper()
	isolateConfig(t)
	dir := t.TempDir()
	t.Setenv("GUILDSTORE_STORE", "disk:"+dir)
	t.Setenv("GUILDSTORE_MAX_WAIT", "10ms")
	return dir
}

func TestShowCommand(t *testing.T) {
	dir := setupDiskStore(t)
	path := filepath.Join(dir, record.ID(42).Key())
	if err := os.WriteFile(path, []byte(`{"WelcomeChannel":7,"OptinCreatorsRoles":[3,1]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := executeRootCommand(t, "show", "42")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if want := `{"OptinCreatorsRoles":[1,3],"WelcomeChannel":7}` + "\n"; stdout != want {
		t.Fatalf("unexpected output %q want %q", stdout, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"WelcomeChannel":7,"OptinCreatorsRoles":[3,1]}` {
		t.Fatalf("show rewrote the record: %s", data)
	}
}

func TestShowCommandMissingAndInvalid(t *testing.T) {
	setupDiskStore(t)
	if _, _, err := executeRootCommand(t, "show", "5"); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected not configured error, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "show", "guild"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestSetCommand(t *testing.T) {
	dir := setupDiskStore(t)
	path := filepath.Join(dir, record.ID(9).Key())
	if err := os.WriteFile(path, []byte(`{"AnnouncementChannel":4}`), 0o600); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := executeRootCommand(t, "set", "9",
		"--add-creator-role", "2,1",
		"--add-updater-role", "5",
		"--welcome-channel", "11",
		"--clear", "announcement-channel",
	)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	want := `{"OptinCreatorsRoles":[1,2],"OptinUpdatersRoles":[5],"WelcomeChannel":11}`
	if strings.TrimSpace(stdout) != want {
		t.Fatalf("unexpected output %q", stdout)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != want {
		t.Fatalf("unexpected persisted record %s", data)
	}
}

func TestSetCommandRejects(t *testing.T) {
	setupDiskStore(t)
	cases := map[string][]string{
		"nothing":       {"set", "1"},
		"bad role":      {"set", "1", "--add-creator-role", "admin"},
		"bad channel":   {"set", "1", "--welcome-channel", "-3"},
		"set and clear": {"set", "1", "--welcome-channel", "3", "--clear", "welcome_channel"},
		"unknown clear": {"set", "1", "--clear", "nickname"},
		"missing guild": {"set", "1", "--add-updater-role", "3"},
	}
	for name, args := range cases {
		if _, _, err := executeRootCommand(t, args...); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
