// Package supervisor starts, stops and reports on the single detached worker
// process living in a runtime directory.
//
// The worker is spawned in its own session so it outlives the controlling
// application; liveness is tracked through the PID file and a command-line
// scan, never through an in-memory handle. Operations are synchronous and
// provide no locking: callers serialize them.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/botctl/internal/detector"
	"github.com/loykin/botctl/internal/env"
	"github.com/loykin/botctl/internal/layout"
	"github.com/loykin/botctl/internal/pidfile"
	"github.com/loykin/botctl/internal/shell"
)

// Outcome is the result of a lifecycle operation. The string values are
// part of the control protocol shared with front-ends.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeStopped        Outcome = "stopped"
)

// State is the observed worker state.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

const (
	DefaultGracePeriod = time.Second
	DefaultStopTimeout = 3 * time.Second
	// failureTailLines bounds the log excerpt attached to a failed start.
	failureTailLines = 20
)

// Result carries an Outcome plus the pid it concerns and a human readable
// detail (the log tail for a failed start).
type Result struct {
	Outcome Outcome `json:"outcome"`
	PID     int     `json:"pid,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// Status is a liveness snapshot.
type Status struct {
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	DetectedBy string    `json:"detected_by,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

type Options struct {
	Layout      layout.Layout
	Args        []string // extra arguments after the entry script
	Env         *env.Env // worker environment; nil inherits the OS env with the default PATH prefix
	GracePeriod time.Duration
	StopTimeout time.Duration
	Hooks       Hooks
	Detectors   []detector.Detector
	Exec        shell.Executor // runs hooks
	Logger      *slog.Logger
}

type Supervisor struct {
	opts    Options
	layout  layout.Layout
	pids    *pidfile.Store
	checker *detector.Checker
	log     *slog.Logger
}

func New(opts Options) *Supervisor {
	l := opts.Layout.WithDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Env == nil {
		opts.Env = env.New()
		opts.Env.PathPrefix = env.DefaultPathPrefix
	}
	if opts.Exec == nil {
		opts.Exec = shell.New(opts.Logger)
	}
	log := opts.Logger.With("worker", l.EntryScript)
	pids := pidfile.New(l.PIDPath())
	return &Supervisor{
		opts:   opts,
		layout: l,
		pids:   pids,
		checker: &detector.Checker{
			PIDs:   pids,
			Scan:   detector.CmdlineDetector{Path: l.EntryScriptPath()},
			Extra:  opts.Detectors,
			Logger: log,
		},
		log: log,
	}
}

// Layout returns the resolved runtime layout.
func (s *Supervisor) Layout() layout.Layout { return s.layout }

// LogPath is the worker's log file.
func (s *Supervisor) LogPath() string { return s.layout.LogPath() }

// Checker exposes the liveness oracle.
func (s *Supervisor) Checker() *detector.Checker { return s.checker }

// Start launches the worker unless the recorded pid is alive. After the
// grace period the recorded pid must still be alive, otherwise the start
// failed and the PID file is cleared.
func (s *Supervisor) Start() Result {
	if pid, ok := s.checker.RecordedAlive(); ok {
		s.log.Info("worker already running", "pid", pid)
		return Result{Outcome: OutcomeAlreadyRunning, PID: pid}
	}
	if err := s.runHooks(PhasePreStart); err != nil {
		return Result{Outcome: OutcomeFailed, Detail: err.Error()}
	}

	logFile, err := openLog(s.layout.LogPath())
	if err != nil {
		s.log.Error("open worker log", "path", s.layout.LogPath(), "error", err)
		return Result{Outcome: OutcomeFailed, Detail: fmt.Sprintf("open log: %v", err)}
	}

	args := append([]string{s.layout.EntryScriptPath()}, s.opts.Args...)
	cmd := exec.Command(s.layout.InterpreterPath(), args...)
	cmd.Dir = s.layout.Dir
	cmd.Env = s.opts.Env.Merge(nil)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedAttrs()

	err = cmd.Start()
	// The child holds its own descriptor; ours is no longer needed.
	_ = logFile.Close()
	if err != nil {
		s.log.Error("spawn worker", "interpreter", s.layout.InterpreterPath(), "error", err)
		appendLog(s.layout.LogPath(), fmt.Sprintf("botctl: spawn failed: %v\n", err))
		_ = s.pids.Clear()
		return Result{Outcome: OutcomeFailed, Detail: s.failureDetail(err)}
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := s.pids.Write(pid); err != nil {
		s.log.Error("record pid", "pid", pid, "error", err)
		s.terminate(pid)
		return Result{Outcome: OutcomeFailed, PID: pid, Detail: fmt.Sprintf("write pid file: %v", err)}
	}
	s.log.Info("worker spawned", "pid", pid, "grace", s.opts.GracePeriod)

	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()
	var (
		exitErr error
		gone    bool
	)
	select {
	case exitErr = <-exited:
		gone = true
	case <-timer.C:
	}

	if rec, ok := s.checker.RecordedAlive(); !gone && ok && rec == pid {
		s.log.Info("worker started", "pid", pid)
		_ = s.runHooks(PhasePostStart)
		return Result{Outcome: OutcomeStarted, PID: pid}
	}

	s.log.Warn("worker exited during grace period", "pid", pid, "error", exitErr)
	if err := s.pids.Clear(); err != nil {
		s.log.Warn("clear pid file", "error", err)
	}
	return Result{Outcome: OutcomeFailed, PID: pid, Detail: s.failureDetail(exitErr)}
}

// Stop terminates the recorded worker and any process still referencing
// the entry script, then clears the PID file. It always reports stopped.
func (s *Supervisor) Stop() Result {
	_ = s.runHooks(PhasePreStop)

	recorded, ok := s.checker.RecordedAlive()
	if ok {
		s.log.Info("stopping worker", "pid", recorded)
		s.terminate(recorded)
	} else {
		recorded = 0
	}
	for _, pid := range s.checker.Scan.PIDs() {
		if pid == recorded {
			continue
		}
		s.log.Info("stopping untracked worker", "pid", pid)
		s.terminate(pid)
	}

	if err := s.pids.Clear(); err != nil {
		s.log.Warn("clear pid file", "error", err)
	}
	_ = s.runHooks(PhasePostStop)
	return Result{Outcome: OutcomeStopped, PID: recorded}
}

// Status reports the liveness oracle's verdict.
func (s *Supervisor) Status() Status {
	res := s.checker.Probe()
	if !res.Running {
		return Status{State: StateStopped}
	}
	return Status{
		State:      StateRunning,
		PID:        res.PID,
		DetectedBy: res.DetectedBy,
		StartedAt:  detector.StartedAt(res.PID),
	}
}

// terminate sends SIGTERM, waits up to StopTimeout, then SIGKILL. Signal
// errors are logged and otherwise ignored: the process may already be gone.
func (s *Supervisor) terminate(pid int) {
	if err := signalTerm(pid); err != nil {
		s.log.Debug("sigterm", "pid", pid, "error", err)
	}
	if waitGone(pid, s.opts.StopTimeout) {
		return
	}
	s.log.Warn("worker ignored sigterm, killing", "pid", pid, "timeout", s.opts.StopTimeout)
	if err := signalKill(pid); err != nil {
		s.log.Debug("sigkill", "pid", pid, "error", err)
	}
	if !waitGone(pid, time.Second) {
		s.log.Error("worker survived sigkill", "pid", pid)
	}
}

func (s *Supervisor) failureDetail(err error) string {
	lines, _ := TailLines(s.layout.LogPath(), failureTailLines)
	detail := strings.Join(lines, "\n")
	if detail == "" && err != nil {
		detail = err.Error()
	}
	if detail == "" {
		detail = "worker exited during startup"
	}
	return detail
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !detector.PIDAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !detector.PIDAlive(pid)
}

func openLog(p string) (*os.File, error) {
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func appendLog(p, line string) {
	f, err := openLog(p)
	if err != nil {
		return
	}
	_, _ = f.WriteString(line)
	_ = f.Close()
}
