//go:build !windows

package supervisor

import "syscall"

// detachedAttrs starts the worker in a new session so it has no controlling
// terminal and survives the exit of the controlling application. The worker
// leads its own process group, which lets stop signal its children too.
func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func signalTerm(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func signalKill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// signalGroup signals the whole group when pid leads one, the process alone
// otherwise (a worker found by scan may share a group with its launcher).
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		return syscall.Kill(-pid, sig)
	}
	return syscall.Kill(pid, sig)
}
