// Package netroute checks whether the bastion and the device host share a
// /24 network and suggests routes when they do not.
package netroute

import (
	"fmt"
	"net/netip"
	"strings"
)

// Platform selects the route syntax of the suggestions.
type Platform string

const (
	Linux   Platform = "linux"
	Windows Platform = "windows"
)

// Report is the outcome of Check.
type Report struct {
	BastionIP     string
	DeviceHostIP  string
	BastionNet    string
	DeviceHostNet string

	// Reachable is true when both share a /24 or either side is not an
	// IPv4 literal.
	Reachable   bool
	Suggestions []string
}

// Check compares the /24 networks of two hosts. Either argument may carry a
// user@ prefix.
func Check(bastionHost, deviceHost string, platform Platform) Report {
	r := Report{
		BastionIP:    stripUser(bastionHost),
		DeviceHostIP: stripUser(deviceHost),
	}
	b, okB := ipv4(r.BastionIP)
	d, okD := ipv4(r.DeviceHostIP)
	if !okB || !okD {
		r.Reachable = true
		return r
	}

	bNet := netip.PrefixFrom(b, 24).Masked()
	dNet := netip.PrefixFrom(d, 24).Masked()
	r.BastionNet, r.DeviceHostNet = bNet.String(), dNet.String()
	if bNet == dNet {
		r.Reachable = true
		return r
	}
	r.Suggestions = suggestions(platform, bNet, dNet, b, d)
	return r
}

func suggestions(p Platform, bNet, dNet netip.Prefix, b, d netip.Addr) []string {
	if p == Windows {
		return []string{
			fmt.Sprintf("route add %s mask 255.255.255.0 %s", bNet.Addr(), d),
			fmt.Sprintf("route add %s mask 255.255.255.0 %s", dNet.Addr(), b),
		}
	}
	return []string{
		fmt.Sprintf("sudo ip route add %s via %s", bNet, d),
		fmt.Sprintf("sudo ip route add %s via %s", dNet, b),
	}
}

func stripUser(host string) string {
	host = strings.TrimSpace(host)
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	return host
}

func ipv4(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}
