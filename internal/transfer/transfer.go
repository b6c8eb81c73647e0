// Package transfer uploads files to the bastion over SFTP.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
)

// ErrUnsupportedClient means the session's backend cannot carry SFTP.
var ErrUnsupportedClient = errors.New("session backend does not support sftp")

// DefaultProgressInterval throttles progress callbacks.
const DefaultProgressInterval = 500 * time.Millisecond

// executableExts are given mode 0755 after upload.
var executableExts = map[string]bool{
	".sh": true, ".py": true, ".bash": true, ".pl": true, ".rb": true, ".exe": true,
}

var executableNames = map[string]bool{
	"upgrade_tool": true,
}

// Progress describes an upload in flight.
type Progress struct {
	File      string
	Bytes     int64
	Total     int64
	Rate      float64 // bytes per second
	Remaining time.Duration
}

// Percent returns completion in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Bytes) * 100 / float64(p.Total)
}

// ProgressFunc receives throttled progress updates and always a final one.
type ProgressFunc func(Progress)

// Sessions is the part of session.Pool Uploader needs.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session)
}

// Uploader copies local files to the bastion using pooled sessions.
type Uploader struct {
	sessions Sessions
	interval time.Duration
	progress ProgressFunc
}

// NewUploader creates an uploader. progress may be nil.
func NewUploader(sessions Sessions, progress ProgressFunc) *Uploader {
	return &Uploader{sessions: sessions, interval: DefaultProgressInterval, progress: progress}
}

// Upload copies local to remote, creating parent directories. A leading ~/
// in remote is resolved against the login directory.
func (u *Uploader) Upload(ctx context.Context, local, remote string) error {
	sess, err := u.sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer u.sessions.Release(sess)

	client, closeFn, err := Open(ctx, sess)
	if err != nil {
		return err
	}
	defer closeFn()

	return Copy(ctx, client, local, remote, u.interval, u.progress)
}

// Open starts an SFTP client over sess. The returned func closes it.
func Open(ctx context.Context, sess *session.Session) (*sftp.Client, func(), error) {
	switch c := sess.Client.(type) {
	case *ssh.NativeClient:
		client, err := sftp.NewClient(c.Raw())
		if err != nil {
			return nil, nil, fmt.Errorf("start sftp: %w", err)
		}
		return client, func() { _ = client.Close() }, nil

	case *ssh.SystemClient:
		cmd := c.Command(ctx, "sftp", "-s")
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("start sftp subsystem: %w", err)
		}
		client, err := sftp.NewClientPipe(stdout, stdin)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, nil, fmt.Errorf("start sftp: %w", err)
		}
		return client, func() {
			_ = client.Close()
			_ = cmd.Wait()
		}, nil

	default:
		return nil, nil, ErrUnsupportedClient
	}
}

// Copy uploads one file with an open client.
func Copy(ctx context.Context, client *sftp.Client, local, remote string, interval time.Duration, progress ProgressFunc) error {
	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}

	remote, err = resolveHome(client, remote)
	if err != nil {
		return err
	}
	if dir := path.Dir(remote); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	dst, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}

	w := &progressWriter{
		ctx:      ctx,
		w:        dst,
		interval: interval,
		fn:       progress,
		start:    time.Now(),
		p:        Progress{File: filepath.Base(local), Total: info.Size()},
	}
	_, copyErr := io.Copy(w, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return fmt.Errorf("upload %s: %w", local, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("upload %s: %w", local, closeErr)
	}
	w.report(true)

	if IsExecutable(remote) {
		if err := client.Chmod(remote, 0o755); err != nil {
			return fmt.Errorf("chmod %s: %w", remote, err)
		}
	}

	logging.Debug().Str("local", local).Str("remote", remote).Int64("bytes", info.Size()).Msg("uploaded")
	return nil
}

// IsExecutable reports whether a remote file should be made executable.
func IsExecutable(name string) bool {
	base := path.Base(name)
	return executableNames[base] || executableExts[strings.ToLower(path.Ext(base))]
}

func resolveHome(client *sftp.Client, remote string) (string, error) {
	rest, ok := strings.CutPrefix(remote, "~/")
	if !ok {
		return remote, nil
	}
	home, err := client.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return path.Join(home, rest), nil
}

type progressWriter struct {
	ctx      context.Context
	w        io.Writer
	interval time.Duration
	fn       ProgressFunc
	start    time.Time
	last     time.Time
	p        Progress
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	if err := pw.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pw.w.Write(b)
	pw.p.Bytes += int64(n)
	pw.report(false)
	return n, err
}

func (pw *progressWriter) report(final bool) {
	if pw.fn == nil {
		return
	}
	now := time.Now()
	if !final && now.Sub(pw.last) < pw.interval {
		return
	}
	pw.last = now

	if elapsed := now.Sub(pw.start).Seconds(); elapsed > 0 {
		pw.p.Rate = float64(pw.p.Bytes) / elapsed
	}
	pw.p.Remaining = 0
	if pw.p.Rate > 0 && pw.p.Total > pw.p.Bytes {
		pw.p.Remaining = time.Duration(float64(pw.p.Total-pw.p.Bytes) / pw.p.Rate * float64(time.Second))
	}
	pw.fn(pw.p)
}
