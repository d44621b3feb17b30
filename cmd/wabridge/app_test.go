package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix+"_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	for _, aliases := range envAliases {
		for _, name := range aliases {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func resolvedSettings(t *testing.T, args ...string) map[string]any {
	t.Helper()
	out, err := executeRootCommand(t, append(args, "--check-config")...)
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal([]byte(out), &settings); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return settings
}

func TestCheckConfigDefaults(t *testing.T) {
	clearEnv(t)
	settings := resolvedSettings(t, "--store", "mem://")
	want := map[string]any{
		"store":              "mem://",
		"listen":             ":8000",
		"session-prefix":     "whatsapp-session",
		"phone-number":       "not-configured",
		"qr-debounce":        "5s",
		"reconnect-delay":    "5s",
		"queue-size":         100,
		"queue-max-attempts": 3,
		"queue-retry-delay":  "2s",
		"queue-item-delay":   "1s",
		"lock-ttl":           "5m0s",
	}
	for key, value := range want {
		if settings[key] != value {
			t.Fatalf("%s: got %v want %v", key, settings[key], value)
		}
	}
}

func TestCheckConfigLegacyEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SESSION_BUCKET", "sessions")
	t.Setenv("PORT", "9001")
	t.Setenv("WHATSAPP_PHONE_NUMBER", "+5511999999999")
	t.Setenv("WEBHOOK_URL", "http://bot.local/hook")
	settings := resolvedSettings(t)
	if settings["store"] != "aws://sessions" {
		t.Fatalf("unexpected store %v", settings["store"])
	}
	if settings["listen"] != ":9001" {
		t.Fatalf("unexpected listen %v", settings["listen"])
	}
	if settings["phone-number"] != "+5511999999999" || settings["notify-url"] != "http://bot.local/hook" {
		t.Fatalf("unexpected settings %v", settings)
	}
}

func TestPrefixedEnvironmentWinsOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9001")
	t.Setenv("WABRIDGE_LISTEN", "127.0.0.1:7000")
	t.Setenv("WABRIDGE_STORE", "mem://")
	t.Setenv("WABRIDGE_QUEUE_SIZE", "7")
	settings := resolvedSettings(t)
	if settings["listen"] != "127.0.0.1:7000" {
		t.Fatalf("unexpected listen %v", settings["listen"])
	}
	if settings["queue-size"] != 7 {
		t.Fatalf("unexpected queue size %v", settings["queue-size"])
	}
}

func TestFlagWinsOverEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("WABRIDGE_SESSION_PREFIX", "from-env")
	settings := resolvedSettings(t, "--store", "mem://", "--session-prefix", "/from/flag/")
	if settings["session-prefix"] != "from/flag" {
		t.Fatalf("unexpected prefix %v", settings["session-prefix"])
	}
}

func TestConfigFileIsRead(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "wabridge.yaml")
	if err := os.WriteFile(path, []byte("store: mem://\nqueue-size: 5\nreconnect-backoff: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	settings := resolvedSettings(t, "--config", path)
	if settings["store"] != "mem://" || settings["queue-size"] != 5 || settings["reconnect-backoff"] != true {
		t.Fatalf("unexpected settings %v", settings)
	}
}

func TestMissingStoreFails(t *testing.T) {
	clearEnv(t)
	_, err := executeRootCommand(t, "--check-config")
	if err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
}

func TestConfigGenPrintsDefaults(t *testing.T) {
	clearEnv(t)
	out, err := executeRootCommand(t, "config", "gen")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal([]byte(out), &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings["session-prefix"] != "whatsapp-session" || settings["listen"] != ":8000" {
		t.Fatalf("unexpected defaults %v", settings)
	}
	if settings["disable-lock"] != false {
		t.Fatalf("expected boolean default, got %v", settings["disable-lock"])
	}
	if _, ok := settings["check-config"]; ok {
		t.Fatal("check-config must not be written to config files")
	}
}

func TestConfigGenWritesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cfg", "wabridge.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil {
		t.Fatal("expected refusal to overwrite without --force")
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	out, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := version.Module() + " " + version.Current() + "\n"; out != want {
		t.Fatalf("unexpected output %q want %q", out, want)
	}
}
