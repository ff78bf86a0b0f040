package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/guildstore"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// isolateConfig resets viper and hides $HOME/.guildstore and GUILDSTORE_* variables.
func isolateConfig(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Setenv("GUILDSTORE_CONFIG_DIR", dir)
	t.Setenv("GUILDSTORE_CONFIG", "")
	for _, name := range configNames {
		if name == "config" {
			continue
		}
		t.Setenv("GUILDSTORE_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_")), "")
	}
	return dir
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "root flag with equals", args: []string{"--listen=:9000"}, want: true},
		{name: "subcommand", args: []string{"show", "1"}, want: false},
		{name: "subcommand after root flag", args: []string{"--store", "mem://", "set", "1"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigFromEnvironment(t *testing.T) {
	isolateConfig(t)
	t.Setenv("GUILDSTORE_STORE", "mem://")
	t.Setenv("GUILDSTORE_CACHE_TTL", "90s")
	t.Setenv("GUILDSTORE_MAX_RECORD_BYTES", "64KiB")
	t.Setenv("GUILDSTORE_AWS_REGION", "eu-north-1")
	newRootCommand(pslog.NoopLogger())

	var cfg guildstore.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "mem://" || cfg.CacheTTL != 90*time.Second || cfg.AWSRegion != "eu-north-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxRecordBytes != 64<<10 {
		t.Fatalf("expected 64KiB, got %d", cfg.MaxRecordBytes)
	}
	if cfg.MaxWait != guildstore.DefaultMaxWait || cfg.LeaseTTL != guildstore.DefaultLeaseTTL {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestBindConfigZeroMaxWaitDisablesWaiting(t *testing.T) {
	isolateConfig(t)
	t.Setenv("GUILDSTORE_STORE", "mem://")
	t.Setenv("GUILDSTORE_MAX_WAIT", "0s")
	newRootCommand(pslog.NoopLogger())

	var cfg guildstore.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxWait != guildstore.NoWait || cfg.CheckoutWait() != 0 {
		t.Fatalf("expected NoWait, got %s", cfg.MaxWait)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	isolateConfig(t)
	t.Setenv("GUILDSTORE_MAX_RECORD_BYTES", "lots")
	newRootCommand(pslog.NoopLogger())
	var cfg guildstore.Config
	if err := bindConfig(&cfg); err == nil || !strings.Contains(err.Error(), "max-record-bytes") {
		t.Fatalf("expected max-record-bytes error, got %v", err)
	}
}

func TestLoadConfigFileFromDefaultDir(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, guildstore.DefaultConfigFileName)
	if err := os.WriteFile(path, []byte("store: mem://\ncache-ttl: 2m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	newRootCommand(pslog.NoopLogger())
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s, got %q", path, loaded)
	}
	var cfg guildstore.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "mem://" || cfg.CacheTTL != 2*time.Minute {
		t.Fatalf("config file ignored: %+v", cfg)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	isolateConfig(t)
	t.Setenv("GUILDSTORE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	newRootCommand(pslog.NoopLogger())
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestSubmainUnknownSubcommandToStderr(t *testing.T) {
	isolateConfig(t)
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"guildstore", "show"}

	stderr := captureStderr(t, func() {
		if code := submain(context.Background()); code != 1 {
			t.Fatalf("submain() exitCode=%d want 1", code)
		}
	})
	if !strings.Contains(stderr, "accepts 1 arg") {
		t.Fatalf("expected argument error on stderr, got %q", stderr)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
