//go:build !windows

package job

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startOnPty starts the command attached to a pseudo-terminal and
// returns the master side. Interactive build tools only emit their
// prompts when stdout is a TTY. pty.StartWithSize puts the child in
// its own session, so group signalling via Getpgid keeps working.
func startOnPty(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
}
