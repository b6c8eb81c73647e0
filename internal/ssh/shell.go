package ssh

import (
	"context"
	"fmt"
	"io"
	"os"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Terminal is the local side of an interactive session.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// Interactive is implemented by clients that can attach a terminal.
type Interactive interface {
	// Shell runs remoteCmd, or a login shell when empty, with a remote pty.
	Shell(ctx context.Context, remoteCmd string, t Terminal) (int, error)
}

// Shell attaches t to a remote pty until the remote side exits or ctx ends.
func (c *NativeClient) Shell(ctx context.Context, remoteCmd string, t Terminal) (int, error) {
	if !c.Alive() {
		return -1, ErrClientClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open session: %w: %w", ErrChannelDropped, err)
	}
	defer sess.Close()

	width, height := 80, 24
	fd := int(t.In.Fd())
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return -1, fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, state)
	}

	modes := xssh.TerminalModes{
		xssh.ECHO:          1,
		xssh.TTY_OP_ISPEED: 14400,
		xssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", height, width, modes); err != nil {
		return -1, fmt.Errorf("request pty: %w", err)
	}

	sess.Stdin = t.In
	sess.Stdout = t.Out
	sess.Stderr = t.Out

	if remoteCmd == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(remoteCmd)
	}
	if err != nil {
		return -1, fmt.Errorf("start shell: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	code, err := exitCodeFromWait(sess.Wait())
	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	return code, err
}
