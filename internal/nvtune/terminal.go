/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package nvtune

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

const (
	escHideCursor = "\033[?25l"
	escShowCursor = "\033[?25h"
	escHome       = "\033[H"
	escClear      = "\033[2J"
	escEraseLine  = "\033[K"
	escEraseBelow = "\033[J"
)

// Console is the operator's terminal: a frame sink and a keystroke source.
type Console interface {
	io.Writer
	// Enter switches to unbuffered, no-echo input and hides the cursor.
	Enter() error
	// Restore undoes Enter. It must be safe to call more than once and
	// after an Enter that failed.
	Restore() error
	// ReadKeys delivers single keystrokes until ctx is done.
	ReadKeys(ctx context.Context, keys chan<- byte) error
}

type Terminal struct {
	in  *os.File
	out *os.File

	mu      sync.Mutex
	saved   unix.Termios
	entered bool
}

func NewTerminal(in, out *os.File) *Terminal {
	return &Terminal{in: in, out: out}
}

func (t *Terminal) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

func (t *Terminal) Enter() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entered {
		return nil
	}

	if err := termios.Tcgetattr(t.in.Fd(), &t.saved); err != nil {
		return err
	}
	attr := t.saved
	// ISIG stays on so that Ctrl-C still raises SIGINT.
	termios.Cfmakecbreak(&attr)
	// reads return after 100ms without input so the reader can notice
	// cancellation
	attr.Cc[unix.VMIN] = 0
	attr.Cc[unix.VTIME] = 1
	if err := termios.Tcsetattr(t.in.Fd(), termios.TCSANOW, &attr); err != nil {
		return err
	}
	if _, err := t.out.WriteString(escHideCursor + escClear + escHome); err != nil {
		_ = termios.Tcsetattr(t.in.Fd(), termios.TCSANOW, &t.saved)
		return err
	}
	t.entered = true
	return nil
}

func (t *Terminal) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.entered {
		return nil
	}
	t.entered = false

	_, werr := t.out.WriteString(escShowCursor + "\n")
	if err := termios.Tcsetattr(t.in.Fd(), termios.TCSANOW, &t.saved); err != nil {
		return err
	}
	return werr
}

func (t *Terminal) ReadKeys(ctx context.Context, keys chan<- byte) error {
	fd := int(t.in.Fd())
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		select {
		case keys <- buf[0]:
		case <-ctx.Done():
		}
	}
	return nil
}
