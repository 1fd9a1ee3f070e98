//go:build !windows

package claudecode

import "syscall"

// sysProcAttr puts the child in its own session so the whole process group
// (the CLI plus anything it forks) can be signaled together.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// signalGroup delivers sig to the child's entire process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
