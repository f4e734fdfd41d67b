package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/botctl/internal/detector"
	"github.com/loykin/botctl/internal/layout"
)

const (
	loopWorker  = "#!/bin/sh\necho \"worker up\"\nwhile true; do sleep 1; done\n"
	crashWorker = "#!/bin/sh\necho \"boom: TELEGRAM_TOKEN missing\" >&2\nexit 3\n"
	// ignores SIGTERM so stop has to escalate
	stubbornWorker = "#!/bin/sh\ntrap '' TERM\necho \"stubborn\"\nwhile true; do sleep 1; done\n"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell and signals")
	}
}

func waitFor(d time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fn()
}

// newTestSupervisor writes body as the entry script of a fresh runtime
// directory, interpreted by /bin/sh.
func newTestSupervisor(t *testing.T, body string, mod func(*Options)) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bot.sh"), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Layout:      layout.Layout{Dir: dir, EntryScript: "bot.sh", Interpreter: "/bin/sh"},
		GracePeriod: 200 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	s := New(opts)
	t.Cleanup(func() { s.Stop() })
	return s
}

func readPID(t *testing.T, s *Supervisor) (int, bool) {
	t.Helper()
	b, err := os.ReadFile(s.Layout().PIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid, err == nil
}

func TestStartStatusStop(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, nil)

	res := s.Start()
	if res.Outcome != OutcomeStarted || res.PID <= 0 {
		t.Fatalf("expected started, got %+v", res)
	}
	pid, ok := readPID(t, s)
	if !ok || pid != res.PID {
		t.Fatalf("pid file %d does not match %d", pid, res.PID)
	}

	st := s.Status()
	if st.State != StateRunning || st.PID != res.PID {
		t.Fatalf("expected running %d, got %+v", res.PID, st)
	}
	if st.DetectedBy != "pidfile:"+s.Layout().PIDPath() {
		t.Fatalf("unexpected detector %q", st.DetectedBy)
	}
	if !waitFor(2*time.Second, func() bool {
		b, _ := os.ReadFile(s.LogPath())
		return strings.Contains(string(b), "worker up")
	}) {
		t.Fatal("worker output not captured in log")
	}

	if out := s.Stop(); out.Outcome != OutcomeStopped || out.PID != res.PID {
		t.Fatalf("expected stopped %d, got %+v", res.PID, out)
	}
	if _, err := os.Stat(s.Layout().PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
	if detector.PIDAlive(res.PID) {
		t.Fatal("worker still alive after stop")
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("expected stopped, got %+v", st)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, nil)
	first := s.Start()
	if first.Outcome != OutcomeStarted {
		t.Fatalf("first start: %+v", first)
	}
	second := s.Start()
	if second.Outcome != OutcomeAlreadyRunning || second.PID != first.PID {
		t.Fatalf("expected already_running %d, got %+v", first.PID, second)
	}
	pids := s.Checker().Scan.PIDs()
	if len(pids) != 1 || pids[0] != first.PID {
		t.Fatalf("expected exactly one worker %d, found %v", first.PID, pids)
	}
}

func TestStartCrashReportsFailed(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, crashWorker, nil)

	res := s.Start()
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if !strings.Contains(res.Detail, "TELEGRAM_TOKEN missing") {
		t.Fatalf("detail should carry the log tail, got %q", res.Detail)
	}
	if _, ok := readPID(t, s); ok {
		t.Fatal("failed start must not leave a pid record")
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("crashed worker reported as %+v", st)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, func(o *Options) {
		o.Layout.Interpreter = ".venv/bin/python"
	})
	res := s.Start()
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	b, _ := os.ReadFile(s.LogPath())
	if !strings.Contains(string(b), "spawn failed") {
		t.Fatalf("spawn failure not logged: %q", b)
	}
}

func TestStatusFallsBackToScan(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, nil)
	res := s.Start()
	if res.Outcome != OutcomeStarted {
		t.Fatalf("start: %+v", res)
	}
	if err := os.Remove(s.Layout().PIDPath()); err != nil {
		t.Fatal(err)
	}

	st := s.Status()
	if st.State != StateRunning || st.PID != res.PID {
		t.Fatalf("scan should find the worker, got %+v", st)
	}
	if st.DetectedBy != "cmdline:"+s.Layout().EntryScriptPath() {
		t.Fatalf("unexpected detector %q", st.DetectedBy)
	}

	// stop still reaches the untracked worker
	if out := s.Stop(); out.Outcome != OutcomeStopped {
		t.Fatalf("stop: %+v", out)
	}
	if !waitFor(2*time.Second, func() bool { return s.Status().State == StateStopped }) {
		t.Fatal("untracked worker survived stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, nil)
	for i := 0; i < 2; i++ {
		if out := s.Stop(); out.Outcome != OutcomeStopped || out.PID != 0 {
			t.Fatalf("stop %d on idle runtime: %+v", i, out)
		}
	}
	// stale record is cleared too
	if err := os.WriteFile(s.Layout().PIDPath(), []byte("4194303\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if out := s.Stop(); out.Outcome != OutcomeStopped {
		t.Fatalf("stop with stale pid: %+v", out)
	}
	if _, err := os.Stat(s.Layout().PIDPath()); !os.IsNotExist(err) {
		t.Fatal("stale pid file not cleared")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, stubbornWorker, func(o *Options) {
		o.StopTimeout = 300 * time.Millisecond
	})
	res := s.Start()
	if res.Outcome != OutcomeStarted {
		t.Fatalf("start: %+v", res)
	}
	began := time.Now()
	s.Stop()
	if detector.PIDAlive(res.PID) {
		t.Fatal("stubborn worker survived")
	}
	if took := time.Since(began); took > 3*time.Second {
		t.Fatalf("stop took %v", took)
	}
}

func TestLogAppendsAcrossStarts(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, nil)
	for i := 0; i < 2; i++ {
		if res := s.Start(); res.Outcome != OutcomeStarted {
			t.Fatalf("start %d: %+v", i, res)
		}
		if !waitFor(2*time.Second, func() bool {
			b, _ := os.ReadFile(s.LogPath())
			return strings.Count(string(b), "worker up") == i+1
		}) {
			t.Fatalf("log after start %d missing output", i)
		}
		s.Stop()
	}
}

func TestPreStartHookFailBlocksSpawn(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, func(o *Options) {
		o.Hooks.PreStart = []Hook{{Name: "check-token", Command: "echo no token; exit 1", FailureMode: FailureModeFail}}
	})
	res := s.Start()
	if res.Outcome != OutcomeFailed || !strings.Contains(res.Detail, "check-token") {
		t.Fatalf("expected failed by hook, got %+v", res)
	}
	if _, err := os.Stat(s.LogPath()); !os.IsNotExist(err) {
		t.Fatal("worker must not be spawned")
	}
}

func TestHooksRunAroundLifecycle(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t, loopWorker, func(o *Options) {
		o.Hooks = Hooks{
			PreStart:  []Hook{{Name: "pre", Command: "echo pre_start >> hooks.log"}},
			PostStart: []Hook{{Name: "post", Command: "echo post_start >> hooks.log"}},
			PreStop:   []Hook{{Name: "broken", Command: "exit 7"}},
			PostStop:  []Hook{{Name: "done", Command: "echo post_stop >> hooks.log"}},
		}
	})
	if res := s.Start(); res.Outcome != OutcomeStarted {
		t.Fatalf("start: %+v", res)
	}
	if out := s.Stop(); out.Outcome != OutcomeStopped {
		t.Fatalf("ignored hook failure must not block stop: %+v", out)
	}
	b, err := os.ReadFile(filepath.Join(s.Layout().Dir, "hooks.log"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Fields(string(b)); strings.Join(got, ",") != "pre_start,post_start,post_stop" {
		t.Fatalf("unexpected hook order %v", got)
	}
}
