package ssh

import (
	"bytes"
	"io"
	"sync"
)

// WaitFunc blocks until the remote command exits and reports its exit code.
type WaitFunc func() (int, error)

// StreamChannel adapts a pair of output readers and a wait function into a
// Channel. Output is pumped into internal buffers so ReadAvailable never blocks.
type StreamChannel struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer

	done     chan struct{}
	exitCode int
	exitErr  error

	closeOnce sync.Once
	closeFn   func() error
}

// NewStreamChannel starts pumping stdout and stderr. wait is invoked only after
// both readers reach EOF. closeFn may be nil.
func NewStreamChannel(stdout, stderr io.Reader, wait WaitFunc, closeFn func() error) *StreamChannel {
	c := &StreamChannel{
		done:     make(chan struct{}),
		exitCode: -1,
		closeFn:  closeFn,
	}

	var wg sync.WaitGroup
	pump := func(r io.Reader, buf *bytes.Buffer) {
		defer wg.Done()
		if r == nil {
			return
		}
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				c.mu.Lock()
				buf.Write(chunk[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go pump(stdout, &c.stdout)
	go pump(stderr, &c.stderr)

	go func() {
		wg.Wait()
		code, err := wait()
		c.mu.Lock()
		c.exitCode = code
		c.exitErr = err
		c.mu.Unlock()
		close(c.done)
	}()

	return c
}

// ExitReady reports whether the command has finished.
func (c *StreamChannel) ExitReady() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadAvailable drains buffered output.
func (c *StreamChannel) ReadAvailable() ([]byte, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out, errOut []byte
	if c.stdout.Len() > 0 {
		out = append([]byte(nil), c.stdout.Bytes()...)
		c.stdout.Reset()
	}
	if c.stderr.Len() > 0 {
		errOut = append([]byte(nil), c.stderr.Bytes()...)
		c.stderr.Reset()
	}
	return out, errOut
}

// ExitStatus blocks until the command has exited.
func (c *StreamChannel) ExitStatus() (int, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.exitErr
}

// Done is closed when the command has exited.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// Close abandons the channel.
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			err = c.closeFn()
		}
	})
	return err
}
