//go:build !windows

package proxyproc

import (
	"os"
	"os/exec"
	"syscall"
)

func isProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	// Signal 0 checks existence on Unix-y platforms.
	if err = p.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// interrupt asks the process group led by p to exit. npx and bunx run the proxy as a
// grandchild, so signalling only the leader is not enough.
func interrupt(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGINT); err == nil {
		return nil
	}
	return p.Signal(os.Interrupt)
}

// kill force-stops the process group led by p.
func kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}

// setSysProcAttr puts the child in its own process group so terminal signals aimed at
// copilotctl do not reach it.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
