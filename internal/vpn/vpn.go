// Package vpn checks and brings up the bastion's NetworkManager VPN.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
)

var (
	ErrUnknownConnection = errors.New("vpn connection does not exist")
	ErrNoConnection      = errors.New("no vpn connection configured")
)

const (
	probeTimeout   = 10 * time.Second
	connectTimeout = 20 * time.Second
)

// State is the VPN reachability verdict.
type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

// ProbeCommand pings target once; hostnames must resolve first.
func ProbeCommand(target string) string {
	q := remote.Quote(target)
	ping := "timeout 5 ping -c 1 -W 3 " + q
	if net.ParseIP(target) == nil && strings.Contains(target, ".") {
		return "timeout 5 nslookup " + q + " >/dev/null 2>&1 && " + ping
	}
	return ping
}

// Status reports Connected as soon as any target answers.
func Status(ctx context.Context, e remote.Execer, targets []string) (State, error) {
	log := logging.Component("vpn")
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		res, err := remote.Run(ctx, e, ProbeCommand(target), probeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return Disconnected, ctx.Err()
			}
			log.Debug().Err(err).Str("target", target).Msg("probe failed")
			continue
		}
		if res.OK() {
			log.Debug().Str("target", target).Msg("target reachable")
			return Connected, nil
		}
	}
	return Disconnected, nil
}

// ConnectResult says how Connect succeeded.
type ConnectResult struct {
	AlreadyActive bool
}

// Connect brings up the named NetworkManager connection.
func Connect(ctx context.Context, e remote.Execer, name string) (ConnectResult, error) {
	if strings.TrimSpace(name) == "" {
		return ConnectResult{}, ErrNoConnection
	}
	cmd := "sudo nmcli connection up " + remote.Quote(name)
	res, err := remote.Run(ctx, e, cmd, connectTimeout)
	if err != nil {
		return ConnectResult{}, err
	}
	if res.OK() {
		return ConnectResult{}, nil
	}
	msg := strings.ToLower(res.Stderr)
	switch {
	case strings.Contains(msg, "already active"):
		return ConnectResult{AlreadyActive: true}, nil
	case strings.Contains(msg, "unknown connection"):
		return ConnectResult{}, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return ConnectResult{}, res.Err()
}
