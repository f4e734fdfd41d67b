package detector

import (
	"os"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// CmdlineDetector scans the process table for any process whose command
// line references Path, the way `pgrep -f <path>` does. It recovers
// liveness when the PID file is stale or missing. A different process that
// happens to mention the same path is reported as well; that false positive
// is accepted.
type CmdlineDetector struct {
	Path string
	// Exclude lists pids never reported; the supervisor's own pid is always
	// excluded.
	Exclude []int
}

func (d CmdlineDetector) Alive() (bool, error) {
	procs, err := d.Find()
	if err != nil {
		return false, err
	}
	return len(procs) > 0, nil
}

func (d CmdlineDetector) Describe() string { return "cmdline:" + d.Path }

// Find returns the live, non-zombie processes referencing Path.
func (d CmdlineDetector) Find() ([]*gopsproc.Process, error) {
	if strings.TrimSpace(d.Path) == "" {
		return nil, nil
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	skip := map[int32]bool{int32(os.Getpid()): true}
	for _, pid := range d.Exclude {
		skip[int32(pid)] = true
	}
	var out []*gopsproc.Process
	for _, p := range procs {
		if skip[p.Pid] {
			continue
		}
		args, err := p.CmdlineSlice()
		if err != nil || len(args) == 0 {
			// gone, a kernel thread, or not ours to inspect
			continue
		}
		if !strings.Contains(strings.Join(args, " "), d.Path) {
			continue
		}
		if zombieStatus(p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PIDs returns the pids of Find, ignoring scan errors.
func (d CmdlineDetector) PIDs() []int {
	procs, _ := d.Find()
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, int(p.Pid))
	}
	return pids
}
