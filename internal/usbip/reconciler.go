package usbip

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/hostos"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/session"
)

// DefaultDeviceFilter selects adb-capable devices in `usbipd list`.
const DefaultDeviceFilter = "Android ADB Interface"

const (
	probeTimeout   = 5 * time.Second
	commandTimeout = 15 * time.Second
	driverSettle   = time.Second
)

var (
	ErrNotWindows        = errors.New("usbip requires a windows device host")
	ErrUsbipdMissing     = errors.New("usbipd is not installed on the device host")
	ErrNoDevices         = errors.New("no matching usb devices on the device host")
	ErrNothingBound      = errors.New("no device could be bound")
	ErrDriverUnavailable = errors.New("vhci_hcd driver could not be loaded on the bastion")

	// ErrReconciliationIncomplete means a pass confirmed no attached device.
	ErrReconciliationIncomplete = errors.New("usb attach produced no confirmed devices")

	errVanished = errors.New("device disappeared from usbipd list")
)

// Failure records why one bus id was not attached.
type Failure struct {
	BusID  string `json:"busid"`
	Reason string `json:"reason"`
}

// Report is the outcome of an attach run.
type Report struct {
	Found    []string  `json:"found"`
	Bound    []string  `json:"bound"`
	Attached []string  `json:"attached"`
	Failed   []Failure `json:"failed,omitempty"`
	Passes   int       `json:"passes"`
}

// Reconciler binds devices on the device host and attaches them on the
// bastion. Calls are serialised.
type Reconciler struct {
	sessions *session.Manager
	cfg      config.USBIPConfig
	clock    poll.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	connected bool
	busIDs    []string
}

// New creates a reconciler. Zero config values take defaults.
func New(sessions *session.Manager, cfg config.USBIPConfig, clock poll.Clock) *Reconciler {
	if cfg.DeviceFilter == "" {
		cfg.DeviceFilter = DefaultDeviceFilter
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = 8
	}
	if cfg.BindInterval <= 0 {
		cfg.BindInterval = time.Second
	}
	if cfg.PassRetries < 0 {
		cfg.PassRetries = 0
	}
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Reconciler{
		sessions: sessions,
		cfg:      cfg,
		clock:    clock,
		logger:   logging.Component("usbip"),
	}
}

// Connected reports whether the last Attach succeeded without a Detach since.
func (r *Reconciler) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Attach runs the bind and attach sequence. When a pass confirms nothing it
// is repeated up to PassRetries more times.
func (r *Reconciler) Attach(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		rep Report
		err error
	)
	for pass := 0; pass <= r.cfg.PassRetries; pass++ {
		rep, err = r.attachPass(ctx)
		rep.Passes = pass + 1
		if err == nil {
			r.connected = true
			r.busIDs = rep.Found
			return rep, nil
		}
		if !errors.Is(err, ErrReconciliationIncomplete) {
			return rep, err
		}
		r.logger.Warn().Err(err).Int("pass", pass+1).Msg("attach pass incomplete")
	}
	return rep, err
}

// Detach unbinds every device on the device host. The bastion side drops
// its imports when the link goes away.
func (r *Reconciler) Detach(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions.DeviceHost().Host == "" {
		return &config.MissingError{Field: "device_host.target"}
	}
	dev, err := r.sessions.ConnectDeviceHost(ctx)
	if err != nil {
		return fmt.Errorf("connect device host: %w", err)
	}
	defer dev.Close()

	res, err := remote.Run(ctx, dev, "usbipd unbind --all", commandTimeout)
	if err != nil {
		return err
	}
	if out := strings.TrimSpace(res.Stdout + res.Stderr); out != "" {
		r.logger.Debug().Str("output", out).Msg("unbind")
	}
	if err := res.Err(); err != nil {
		return err
	}

	r.connected = false
	r.busIDs = nil
	r.logger.Info().Msg("all usbip bindings removed")
	return nil
}

// Status lists matching devices on the device host.
func (r *Reconciler) Status(ctx context.Context) ([]Device, error) {
	if r.sessions.DeviceHost().Host == "" {
		return nil, &config.MissingError{Field: "device_host.target"}
	}
	dev, err := r.sessions.ConnectDeviceHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect device host: %w", err)
	}
	defer dev.Close()

	out, err := remote.Output(ctx, dev, "usbipd list", probeTimeout)
	if err != nil {
		return nil, err
	}
	return ParseList(out, r.cfg.DeviceFilter), nil
}

func (r *Reconciler) attachPass(ctx context.Context) (Report, error) {
	var rep Report

	deviceHost := r.sessions.DeviceHost()
	if deviceHost.Host == "" {
		return rep, &config.MissingError{Field: "device_host.target"}
	}
	hostIP := deviceHost.Host
	log := logging.WithHost(r.logger, deviceHost.String())

	bound, err := r.bindAll(ctx, &rep)
	if err != nil {
		return rep, err
	}

	bastion, err := r.sessions.Bastion().Acquire(ctx)
	if err != nil {
		return rep, fmt.Errorf("connect bastion: %w", err)
	}
	defer r.sessions.Bastion().Release(bastion)

	if err := r.ensureDriver(ctx, bastion); err != nil {
		return rep, err
	}

	for _, busID := range bound {
		if err := r.attachOne(ctx, bastion, hostIP, busID); err != nil {
			return rep, err
		}
	}

	if err := r.clock.Sleep(ctx, r.cfg.FinalSettle); err != nil {
		return rep, err
	}
	final, err := r.ports(ctx, bastion)
	if err != nil {
		return rep, err
	}
	log.Debug().Int("ports", CountPorts(final)).Msg("final port table")

	// Only devices bound in this pass count; a bind failure stays a failure
	// even if an older import of it is still listed.
	for _, id := range RemoteBusIDs(final, hostIP) {
		if slices.Contains(bound, id) {
			rep.Attached = append(rep.Attached, id)
		}
	}
	for _, id := range bound {
		if !slices.Contains(rep.Attached, id) {
			rep.Failed = append(rep.Failed, Failure{BusID: id, Reason: "not listed after attach"})
		}
	}

	r.settleUdev(ctx, bastion)

	if len(rep.Attached) == 0 {
		return rep, ErrReconciliationIncomplete
	}
	log.Info().Strs("attached", rep.Attached).Msg("usb devices attached")
	return rep, nil
}

// bindAll prepares the device host and drives every matching device to a
// bound state. It returns the bus ids that are bound.
func (r *Reconciler) bindAll(ctx context.Context, rep *Report) ([]string, error) {
	dev, err := r.sessions.ConnectDeviceHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect device host: %w", err)
	}
	defer dev.Close()

	if hostos.Detect(ctx, dev) != hostos.Windows {
		return nil, ErrNotWindows
	}

	res, err := remote.Run(ctx, dev, "usbipd --version", probeTimeout)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Stdout) == "" || strings.TrimSpace(res.Stderr) != "" || !res.OK() {
		return nil, ErrUsbipdMissing
	}

	// A running adb server holds the interface and blocks binding.
	if _, err := remote.Run(ctx, dev, "taskkill /F /IM adb.exe /T", commandTimeout); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	list, err := remote.Output(ctx, dev, "usbipd list", probeTimeout)
	if err != nil {
		return nil, err
	}
	rep.Found = BusIDs(ParseList(list, r.cfg.DeviceFilter))
	if len(rep.Found) == 0 {
		return nil, ErrNoDevices
	}
	r.logger.Info().Strs("busids", rep.Found).Msg("found usb devices")

	for _, busID := range rep.Found {
		if err := r.ensureBound(ctx, dev, busID); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("busid", busID).Msg("bind failed")
			rep.Failed = append(rep.Failed, Failure{BusID: busID, Reason: err.Error()})
			continue
		}
		rep.Bound = append(rep.Bound, busID)
	}
	if len(rep.Bound) == 0 {
		return nil, ErrNothingBound
	}
	return rep.Bound, nil
}

// ensureBound binds busID unless the device host already exports it.
func (r *Reconciler) ensureBound(ctx context.Context, dev remote.Execer, busID string) error {
	state, err := r.state(ctx, dev, busID)
	if err != nil {
		return err
	}
	if state.Bound() {
		r.logger.Debug().Str("busid", busID).Str("state", state.String()).Msg("already bound")
		return nil
	}

	res, err := remote.Run(ctx, dev, "usbipd bind --busid "+remote.Quote(busID), commandTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		r.logger.Debug().Str("stderr", strings.TrimSpace(res.Stderr)).Msg("bind returned non-zero")
	}

	policy := poll.Policy{Interval: r.cfg.BindInterval, MaxAttempts: r.cfg.BindAttempts}
	_, err = poll.Until(ctx, r.clock, policy, func(ctx context.Context) (bool, error) {
		state, err := r.state(ctx, dev, busID)
		if err != nil {
			if errors.Is(err, errVanished) {
				return false, err
			}
			return false, nil
		}
		return state.Bound(), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("not shared after %d checks", r.cfg.BindAttempts)
	}
	return err
}

func (r *Reconciler) state(ctx context.Context, dev remote.Execer, busID string) (State, error) {
	out, err := remote.Output(ctx, dev, "usbipd list", probeTimeout)
	if err != nil {
		return Unknown, err
	}
	state, ok := FindState(out, busID)
	if !ok {
		return Unknown, errVanished
	}
	return state, nil
}

func (r *Reconciler) sudo(cmd string) string {
	if r.cfg.Sudo {
		return "sudo -n " + cmd
	}
	return cmd
}

func (r *Reconciler) ensureDriver(ctx context.Context, bastion remote.Execer) error {
	loaded := func() bool {
		res, err := remote.Run(ctx, bastion, "lsmod | grep vhci_hcd", probeTimeout)
		return err == nil && strings.TrimSpace(res.Stdout) != ""
	}
	if loaded() {
		return nil
	}
	r.logger.Info().Msg("loading vhci_hcd")
	if _, err := remote.Run(ctx, bastion, r.sudo("modprobe vhci_hcd"), commandTimeout); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.clock.Sleep(ctx, driverSettle); err != nil {
		return err
	}
	if !loaded() {
		return ErrDriverUnavailable
	}
	return nil
}

func (r *Reconciler) ports(ctx context.Context, bastion remote.Execer) (string, error) {
	res, err := remote.Run(ctx, bastion, r.sudo("usbip port"), commandTimeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// attachOne detaches any existing import of busID and attaches it again.
// An empty port table afterwards fails the whole pass.
func (r *Reconciler) attachOne(ctx context.Context, bastion remote.Execer, hostIP, busID string) error {
	log := r.logger.With().Str("busid", busID).Logger()

	before, err := r.ports(ctx, bastion)
	if err != nil {
		return err
	}
	if port, ok := ParsePortMap(before, hostIP)[busID]; ok {
		log.Debug().Str("port", port).Msg("detaching stale import")
		if _, err := remote.Run(ctx, bastion, r.sudo("usbip detach -p "+port), commandTimeout); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.clock.Sleep(ctx, r.cfg.DetachSettle); err != nil {
			return err
		}
	}

	cmd := r.sudo(fmt.Sprintf("usbip attach -r %s -b %s", remote.Quote(hostIP), remote.Quote(busID)))
	res, err := remote.Run(ctx, bastion, cmd, commandTimeout)
	if err != nil {
		return err
	}
	if out := strings.TrimSpace(res.Stdout + res.Stderr); out != "" {
		log.Debug().Str("output", out).Int("exit", res.ExitCode).Msg("attach")
	}
	if err := r.clock.Sleep(ctx, r.cfg.AttachSettle); err != nil {
		return err
	}

	after, err := r.ports(ctx, bastion)
	if err != nil {
		return err
	}
	if !HasPorts(after) {
		return fmt.Errorf("%w: port table empty after attaching %s", ErrReconciliationIncomplete, busID)
	}
	return nil
}

func (r *Reconciler) settleUdev(ctx context.Context, bastion remote.Execer) {
	for _, cmd := range []string{"udevadm trigger", "udevadm settle"} {
		if _, err := remote.Run(ctx, bastion, r.sudo(cmd), commandTimeout); err != nil {
			r.logger.Debug().Err(err).Str("cmd", cmd).Msg("udev")
		}
	}
}
