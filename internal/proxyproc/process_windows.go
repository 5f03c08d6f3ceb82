//go:build windows

package proxyproc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func isProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// If we can't open it, assume it's not ours / not running.
		return false, nil
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err = windows.GetExitCodeProcess(h, &code); err != nil {
		return false, fmt.Errorf("GetExitCodeProcess: %w", err)
	}
	// STILL_ACTIVE == 259
	return code == 259, nil
}

// interrupt is unsupported for console-less children on Windows; the caller falls back
// to Kill.
func interrupt(*os.Process) error {
	return fmt.Errorf("interrupt not supported on windows")
}

func kill(p *os.Process) error {
	return p.Kill()
}

// setSysProcAttr hides the console window of the child.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
