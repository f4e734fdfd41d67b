//go:build windows

package supervisor

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: createNewProcessGroup | detachedProcess}
}

// Windows has no SIGTERM for console-less processes; both escalate to
// TerminateProcess through gopsutil.
func signalTerm(pid int) error { return terminate(pid) }

func signalKill(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}
