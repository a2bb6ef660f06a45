//go:build windows
// +build windows

package pty

import "os"

func hangup(proc *os.Process) error {
	return proc.Kill()
}
