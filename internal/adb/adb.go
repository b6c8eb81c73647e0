// Package adb wraps the adb commands droidrig runs on the bastion.
package adb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
)

// StateDevice marks a usable device in `adb devices` output.
const StateDevice = "device"

const commandTimeout = 10 * time.Second

// ErrOffline is returned by WaitOnline when the device never came back.
var ErrOffline = errors.New("device did not come online")

// ParseDevices returns the serials of usable devices, in listing order.
// Lines for offline, unauthorized or recovery devices are skipped.
func ParseDevices(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.Contains(line, "\t"+StateDevice) {
			continue
		}
		serial, state, _ := strings.Cut(line, "\t")
		fields := strings.Fields(state)
		if serial == "" || len(fields) == 0 || fields[0] != StateDevice {
			continue
		}
		devices = append(devices, serial)
	}
	return devices
}

// Cmd renders an adb invocation against one device.
func Cmd(serial string, args ...string) string {
	return "adb -s " + remote.Quote(serial) + " " + strings.Join(args, " ")
}

// Shell renders `adb -s serial shell args...`.
func Shell(serial string, args ...string) string {
	return Cmd(serial, append([]string{"shell"}, args...)...)
}

// ListDevices runs `adb devices` and parses the result.
func ListDevices(ctx context.Context, e remote.Execer) ([]string, error) {
	res, err := remote.Run(ctx, e, "adb devices", commandTimeout)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return ParseDevices(res.Stdout), nil
}

// GetState returns the trimmed output of `adb -s serial get-state`.
func GetState(ctx context.Context, e remote.Execer, serial string) (string, error) {
	res, err := remote.Run(ctx, e, Cmd(serial, "get-state"), commandTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// WaitOnline polls get-state until the device reports "device" or timeout.
// Probe failures are retried.
func WaitOnline(ctx context.Context, e remote.Execer, clock poll.Clock, serial string, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	_, err := poll.Until(ctx, clock, poll.Policy{Interval: interval, Timeout: timeout}, func(ctx context.Context) (bool, error) {
		state, err := GetState(ctx, e, serial)
		if err != nil {
			return false, nil
		}
		return strings.Contains(state, StateDevice), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("%s: %w", serial, ErrOffline)
	}
	return err
}

// GetProp reads one system property. An unset property yields "".
func GetProp(ctx context.Context, e remote.Execer, serial, prop string) (string, error) {
	res, err := remote.Run(ctx, e, Shell(serial, "getprop", prop), commandTimeout)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
