package botctl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// testConfig builds a runtime whose "interpreter" is /bin/sh linked into
// .venv, so no python is needed.
func testConfig(t *testing.T) *Config {
	t.Helper()
	tmpl := t.TempDir()
	files := map[string]string{
		"bot.sh":           "echo bot up\nwhile true; do sleep 1; done\n",
		"requirements.txt": "requests==2.32.0\n",
		".env":             "TOKEN=template\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(tmpl, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c := DefaultConfig()
	c.Runtime.Dir = filepath.Join(t.TempDir(), "runtime")
	c.Runtime.Entry = "bot.sh"
	c.Runtime.Interpreter = ".venv/bin/sh"
	c.Runtime.GracePeriod = 200 * time.Millisecond
	c.Runtime.StopTimeout = time.Second
	c.Runtime.StopOnShutdown = true
	c.Provision.TemplateDir = tmpl
	c.Provision.Files = []string{"bot.sh", "requirements.txt", ".env"}
	c.Provision.CreateEnv = "mkdir -p .venv/bin && ln -s /bin/sh .venv/bin/sh"
	c.Provision.InstallDeps = "true"
	return c
}

func TestBotLifecycle(t *testing.T) {
	requireUnix(t)
	b, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = b.Close() }()

	rep := b.ProvisionAndStart()
	if rep.Outcome != "started" {
		t.Fatalf("expected started, got %+v", rep)
	}
	snap := b.Snapshot()
	if snap.State != "running" || snap.PID != rep.PID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Ready == nil || !snap.Ready.EnvCreated {
		t.Fatalf("provision result missing from snapshot: %+v", snap.Ready)
	}

	lines, err := b.TailLog(5)
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if len(lines) == 0 || !strings.Contains(strings.Join(lines, "\n"), "bot up") {
		t.Fatalf("worker output missing from log: %q", lines)
	}

	if rep := b.Stop(); rep.Outcome != "stopped" || rep.PID != snap.PID {
		t.Fatalf("unexpected stop report %+v", rep)
	}
	if st := b.Refresh(); st.Outcome != "stopped" {
		t.Fatalf("worker still running: %+v", st)
	}
}

func TestSecondBotIsLockedOut(t *testing.T) {
	c := testConfig(t)
	a, err := New(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = a.Close() }()

	b, err := New(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Open(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Provision.Files = nil
	if _, err := New(c, nil); err == nil {
		t.Fatal("expected validation error")
	}
	p := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(p, []byte("[runtime]\ngrace_period = \"0s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected LoadConfig to validate")
	}
}

func TestHandlerServesStatus(t *testing.T) {
	b, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(b.Handler("/api"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "stopped" || snap.LogPath != b.LogPath() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	b, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterMetrics(reg); err != nil {
		t.Fatalf("Bot.RegisterMetrics: %v", err)
	}
	srv := NewMetricsServer("127.0.0.1:0")
	if srv.Handler == nil || srv.ReadHeaderTimeout == 0 {
		t.Fatalf("metrics server not configured: %+v", srv)
	}
}
