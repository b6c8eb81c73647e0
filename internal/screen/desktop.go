package screen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
)

var (
	ErrVNCPasswordMissing = errors.New("vnc password file missing (run x11vnc -storepasswd on the bastion)")
	ErrNoVNCMissing       = errors.New("noVNC not installed on the bastion")
	ErrDisplayNotReady    = errors.New("graphical desktop not ready (is auto-login enabled?)")
	ErrNoVNCPort          = errors.New("x11vnc did not report a port")
)

const (
	displayAttempts = 60
	displayInterval = time.Second
	x11vncTimeout   = 15 * time.Second
	stepTimeout     = 5 * time.Second
)

// DesktopInfo describes a running remote desktop.
type DesktopInfo struct {
	VNCPort int
	WebPort int
}

// URL is the browser address of the noVNC client on host.
func (d DesktopInfo) URL(host string) string {
	return fmt.Sprintf("http://%s/vnc.html?autoconnect=true", net.JoinHostPort(host, strconv.Itoa(d.WebPort)))
}

// Desktop starts and stops x11vnc with its websocket proxy.
type Desktop struct {
	cfg    config.ScreenConfig
	clock  poll.Clock
	logger zerolog.Logger
}

// NewDesktop creates a desktop manager.
func NewDesktop(cfg config.ScreenConfig, clock poll.Clock) *Desktop {
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Desktop{cfg: cfg, clock: clock, logger: logging.Component("desktop")}
}

// Start brings up x11vnc on the configured display and noVNC in front of it.
func (d *Desktop) Start(ctx context.Context, e remote.Execer) (*DesktopInfo, error) {
	if remote.PathExists(ctx, e, d.cfg.VNCPasswdFile, false) != remote.Exists {
		return nil, ErrVNCPasswordMissing
	}
	if remote.PathExists(ctx, e, d.cfg.NoVNCDir, true) != remote.Exists {
		return nil, fmt.Errorf("%w: %s", ErrNoVNCMissing, d.cfg.NoVNCDir)
	}
	dir := strings.TrimRight(d.cfg.NoVNCDir, "/")
	_, _ = remote.Run(ctx, e, "chmod +x "+remote.Quote(dir+"/utils/websockify/run"), stepTimeout)
	_, _ = remote.Run(ctx, e, "mkdir -p ~/logs", stepTimeout)

	if err := d.waitDisplay(ctx, e); err != nil {
		return nil, err
	}

	x11vnc := displayEnv(d.cfg) + fmt.Sprintf(
		"x11vnc -display %s -forever -shared -rfbauth %s -bg -o ~/logs/x11vnc.log",
		remote.Quote(d.cfg.Display), remote.QuoteHome(d.cfg.VNCPasswdFile))
	res, err := remote.Run(ctx, e, x11vnc, x11vncTimeout)
	if err != nil {
		return nil, err
	}
	port, ok := ParseVNCPort(res.Stdout)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoVNCPort, strings.TrimSpace(res.Stdout+res.Stderr))
	}
	d.logger.Info().Int("port", port).Msg("x11vnc started")

	proxy := fmt.Sprintf("cd %s && nohup ./utils/websockify/run --web %s %d localhost:%d > ~/logs/novnc.log 2>&1 &",
		remote.Quote(dir), remote.Quote(dir), d.cfg.WebPort, port)
	if _, err := remote.Run(ctx, e, proxy, 2*stepTimeout); err != nil {
		return nil, fmt.Errorf("start websockify: %w", err)
	}
	d.logger.Info().Int("web_port", d.cfg.WebPort).Msg("noVNC started")
	return &DesktopInfo{VNCPort: port, WebPort: d.cfg.WebPort}, nil
}

func (d *Desktop) waitDisplay(ctx context.Context, e remote.Execer) error {
	probe := "export DISPLAY=" + remote.Quote(d.cfg.Display) + " && xprop -root &>/dev/null && echo 'ready'"
	policy := poll.Policy{Interval: displayInterval, MaxAttempts: displayAttempts}
	_, err := poll.Until(ctx, d.clock, policy, func(ctx context.Context) (bool, error) {
		res, err := remote.Run(ctx, e, probe, stepTimeout)
		if err != nil {
			return false, nil
		}
		return strings.Contains(res.Stdout, "ready"), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return ErrDisplayNotReady
	}
	return err
}

// ParseVNCPort finds the PORT=N line x11vnc prints when backgrounding.
func ParseVNCPort(output string) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "PORT=")
		if !ok {
			continue
		}
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port, true
		}
	}
	return 0, false
}

// Stop kills x11vnc and websockify. Neither running is not an error.
func (d *Desktop) Stop(ctx context.Context, e remote.Execer) error {
	var errs []error
	for _, p := range []string{"x11vnc", "websockify"} {
		if _, err := remote.Run(ctx, e, remote.Pkill(p), stepTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// PortOpen reports whether a TCP connection to host:port succeeds.
func PortOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
