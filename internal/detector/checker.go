package detector

import (
	"log/slog"

	"github.com/loykin/botctl/internal/pidfile"
)

// Result is the outcome of one liveness probe.
type Result struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	DetectedBy string `json:"detected_by,omitempty"`
}

// Checker is the liveness oracle for the worker. It consults the recorded
// PID first, then scans for a process referencing the entry script, then
// any extra detectors. It is best-effort, not transactional.
type Checker struct {
	PIDs   *pidfile.Store
	Scan   CmdlineDetector
	Extra  []Detector
	Logger *slog.Logger
}

// RecordedAlive returns the recorded pid when it names a live process.
func (c *Checker) RecordedAlive() (int, bool) {
	if c.PIDs == nil {
		return 0, false
	}
	pid, ok := c.PIDs.Read()
	if !ok {
		return 0, false
	}
	return pid, PIDAlive(pid)
}

// Probe runs the detectors in order; the first success wins.
func (c *Checker) Probe() Result {
	if pid, ok := c.RecordedAlive(); ok {
		return Result{Running: true, PID: pid, DetectedBy: "pidfile:" + c.PIDs.Path}
	}
	// A stale or missing record falls through to the scan.
	if pids := c.Scan.PIDs(); len(pids) > 0 {
		return Result{Running: true, PID: pids[0], DetectedBy: c.Scan.Describe()}
	}
	for _, d := range c.Extra {
		ok, err := d.Alive()
		if err != nil {
			c.logger().Debug("detector failed", "detector", d.Describe(), "error", err)
			continue
		}
		if ok {
			return Result{Running: true, DetectedBy: d.Describe()}
		}
	}
	return Result{}
}

func (c *Checker) IsRunning() bool { return c.Probe().Running }

func (c *Checker) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
