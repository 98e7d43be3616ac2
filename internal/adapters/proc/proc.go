// Package proc implements the ProcessControl port with plain unix
// signals. The probe is kill(pid, 0) and is deliberately pessimistic:
// any error, including permission denied, counts as "not alive".
package proc

import (
	"syscall"
)

type Control struct{}

func New() *Control {
	return &Control{}
}

// Alive reports whether pid still refers to a signallable process.
func (c *Control) Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Group resolves the process group id for a pid.
func (c *Control) Group(pid int) (int, error) {
	return syscall.Getpgid(pid)
}

// Terminate sends SIGTERM to the whole group. A group that is already
// gone is success.
func (c *Control) Terminate(pgid int) error {
	return c.signal(pgid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the whole group.
func (c *Control) Kill(pgid int) error {
	return c.signal(pgid, syscall.SIGKILL)
}

func (c *Control) signal(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
