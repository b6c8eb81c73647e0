//go:build !windows

package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Shell runs the ssh binary under a local pty so that password prompts from
// sshpass and full-screen remote programs behave.
func (c *SystemClient) Shell(ctx context.Context, remoteCmd string, t Terminal) (int, error) {
	if !c.Alive() {
		return -1, ErrClientClosed
	}

	cmd := c.command(ctx, remoteCmd, "-tt")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	fd := int(t.In.Fd())
	if term.IsTerminal(fd) {
		resize := make(chan os.Signal, 1)
		signal.Notify(resize, syscall.SIGWINCH)
		defer signal.Stop(resize)
		go func() {
			for range resize {
				_ = pty.InheritSize(t.In, ptmx)
			}
		}()
		resize <- syscall.SIGWINCH

		state, err := term.MakeRaw(fd)
		if err != nil {
			return -1, fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, state)
	}

	go func() { _, _ = io.Copy(ptmx, t.In) }()
	// Copy returns EIO once the child closes the pty.
	_, _ = io.Copy(t.Out, ptmx)

	code, err := exitCodeFromProcess(cmd.Wait())
	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	return code, err
}
