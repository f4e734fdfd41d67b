package detector

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDAlive reports whether a process with pid exists and is not a zombie.
// A child that crashed right after spawn stays in the process table until it
// is reaped; it must not count as running.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	return zombieStatus(p)
}

func zombieStatus(p *gopsproc.Process) bool {
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}

// StartedAt returns the creation time of pid, or the zero time when the
// platform cannot report it.
func StartedAt(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
