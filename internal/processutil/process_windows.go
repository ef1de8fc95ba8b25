//go:build windows

package processutil

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Configure keeps a console window from flashing when ffmpeg is launched
// from a GUI session.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NO_WINDOW
}

// Kill kills the process directly. ffmpeg does not spawn children here, so
// no job object is needed.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
