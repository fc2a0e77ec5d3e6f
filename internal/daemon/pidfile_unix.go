//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports the PID in the file and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	// Signal 0 only checks that the process exists.
	err = syscall.Kill(pid, 0)
	return pid, err == nil
}

// Stop asks the daemon to shut down gracefully.
func (p *PIDFile) Stop() error {
	return p.Signal(syscall.SIGTERM)
}

// Signal sends the given signal to the process in the PID file.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(pid, sig)
}
