package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// startScript runs a looping shell script so its command line references
// the script path, and returns the started command.
func startScript(t *testing.T, dir string) (*exec.Cmd, string) {
	t.Helper()
	script := filepath.Join(dir, "worker.sh")
	body := "#!/bin/sh\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cmd := exec.Command("/bin/sh", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start script: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd, script
}

func TestPIDFileDetector(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pf := filepath.Join(dir, "p.pid")
	d := PIDFileDetector{PIDFile: pf}

	// not exists -> false,nil
	alive, err := d.Alive()
	if err != nil || alive {
		t.Fatalf("expected false,nil for missing file, got %v %v", alive, err)
	}

	// invalid content -> false,nil (corrupt file is no record)
	if err := os.WriteFile(pf, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	alive, err = d.Alive()
	if err != nil || alive {
		t.Fatalf("expected false,nil for invalid pid, got %v %v", alive, err)
	}

	// current process pid -> alive
	if err := os.WriteFile(pf, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	alive, err = d.Alive()
	if err != nil || !alive {
		t.Fatalf("expected own pid alive, got %v %v", alive, err)
	}
	if d.Describe() != "pidfile:"+pf {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}
}

func TestPIDAliveIgnoresZombie(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() { _ = cmd.Wait() }()

	// Not reaped yet: the child lingers as a zombie.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("exited child %d still reported alive", pid)
}

func TestPIDDetector(t *testing.T) {
	requireUnix(t)
	if ok, _ := (PIDDetector{PID: os.Getpid()}).Alive(); !ok {
		t.Fatal("own pid should be alive")
	}
	if ok, _ := (PIDDetector{PID: 0}).Alive(); ok {
		t.Fatal("pid 0 should not be alive")
	}
	if (PIDDetector{PID: 12}).Describe() != "pid:12" {
		t.Fatal("Describe mismatch")
	}
}

func TestStartedAt(t *testing.T) {
	requireUnix(t)
	at := StartedAt(os.Getpid())
	if at.IsZero() {
		t.Skip("process start time unavailable on this platform")
	}
	if at.After(time.Now()) {
		t.Fatalf("start time in the future: %v", at)
	}
	if !StartedAt(-1).IsZero() {
		t.Fatal("expected zero time for invalid pid")
	}
}
