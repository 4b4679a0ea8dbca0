//go:build linux && arm64

package runloop

import (
	"fmt"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// rawTerminal holds what's needed to restore stdin's terminal state.
// Grounded on golang.org/x/term's MakeRaw, with the VMIN/VTIME override
// spec §5 requires (x/term's raw mode alone leaves VMIN/VTIME at their
// prior values, which for an interactive shell is usually VMIN=1 already
// but is not guaranteed, so it is set explicitly here).
type rawTerminal struct {
	fd    int
	state *term.State
}

func enterRawMode(fd int) (*rawTerminal, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("runloop: enter raw mode: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = term.Restore(fd, state)
		return nil, fmt.Errorf("runloop: get termios: %w", err)
	}
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		_ = term.Restore(fd, state)
		return nil, fmt.Errorf("runloop: set VMIN/VTIME: %w", err)
	}

	return &rawTerminal{fd: fd, state: state}, nil
}

func (t *rawTerminal) restore() error {
	if t == nil {
		return nil
	}
	return term.Restore(t.fd, t.state)
}
