//go:build !windows
// +build !windows

package pty

import (
	"os"

	"golang.org/x/sys/unix"
)

// hangup sends SIGHUP to the whole process group so jobs started from the
// shell go away with it.
func hangup(proc *os.Process) error {
	err := unix.Kill(-proc.Pid, unix.SIGHUP)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
