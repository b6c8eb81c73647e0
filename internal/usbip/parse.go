// Package usbip drives Android devices to a bound and attached state across a
// Windows usbipd server (the device host) and a Linux usbip client (the
// bastion). All state is parsed from live command output on every pass.
package usbip

import (
	"regexp"
	"strings"
)

// State is a device's sharing state on the device host.
type State int

const (
	Unknown State = iota
	Unshared
	Shared
	Attached
)

func (s State) String() string {
	switch s {
	case Unshared:
		return "not shared"
	case Shared:
		return "shared"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Bound reports whether the device host is exporting the device.
func (s State) Bound() bool {
	return s == Shared || s == Attached
}

// Device is one row of `usbipd list`.
type Device struct {
	BusID       string `json:"busid"`
	VIDPID      string `json:"vid_pid"`
	Description string `json:"description"`
	State       State  `json:"state"`
}

var (
	busIDPattern = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)
	vidPIDRegexp = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{4}$`)
	portPattern  = regexp.MustCompile(`^Port\s+(\d+):`)
)

// ParseList parses the Connected section of `usbipd list`. When filter is
// non-empty only rows whose text contains it are returned.
func ParseList(output, filter string) []Device {
	var devices []Device
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Persisted:") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !busIDPattern.MatchString(fields[0]) {
			continue
		}
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}

		d := Device{BusID: fields[0], State: parseState(line)}
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if vidPIDRegexp.MatchString(fields[1]) {
			d.VIDPID = fields[1]
			rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		}
		d.Description = strings.TrimSpace(trimState(rest))
		devices = append(devices, d)
	}
	return devices
}

// parseState reads the trailing STATE column. "Not shared" is checked first
// since it contains "shared".
func parseState(line string) State {
	switch {
	case strings.HasSuffix(line, "Not shared"):
		return Unshared
	case strings.Contains(line, "Attached"):
		return Attached
	case strings.Contains(line, "Shared"):
		return Shared
	default:
		return Unknown
	}
}

func trimState(s string) string {
	for _, suffix := range []string{"Not shared", "Shared (forced)", "Attached", "Shared"} {
		if before, ok := strings.CutSuffix(s, suffix); ok {
			return before
		}
	}
	return s
}

// FindState returns the state of busID in a `usbipd list` output and
// whether the device is present at all.
func FindState(output, busID string) (State, bool) {
	for _, d := range ParseList(output, "") {
		if d.BusID == busID {
			return d.State, true
		}
	}
	return Unknown, false
}

// BusIDs returns the deduplicated bus ids of devices in listing order.
func BusIDs(devices []Device) []string {
	seen := make(map[string]bool, len(devices))
	var ids []string
	for _, d := range devices {
		if seen[d.BusID] {
			continue
		}
		seen[d.BusID] = true
		ids = append(ids, d.BusID)
	}
	return ids
}

func remotePattern(hostIP string) *regexp.Regexp {
	return regexp.MustCompile(`usbip://` + regexp.QuoteMeta(hostIP) + `:\d+/(\d+-\d+(?:\.\d+)*)`)
}

// ParsePortMap parses `usbip port` into busID -> port number for devices
// imported from hostIP. A `Port N:` line opens a block; the first remote
// URI for hostIP inside it names the bus id.
func ParsePortMap(output, hostIP string) map[string]string {
	mapping := make(map[string]string)
	remote := remotePattern(hostIP)

	current := ""
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := portPattern.FindStringSubmatch(trimmed); m != nil {
			current = m[1]
			continue
		}
		if current == "" {
			continue
		}
		if m := remote.FindStringSubmatch(line); m != nil {
			mapping[m[1]] = current
			current = ""
		}
	}
	return mapping
}

// RemoteBusIDs returns every bus id imported from hostIP, deduplicated.
func RemoteBusIDs(output, hostIP string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range remotePattern(hostIP).FindAllStringSubmatch(output, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

// HasPorts reports whether the port table lists any port.
func HasPorts(output string) bool {
	return strings.Contains(output, "Port")
}

// CountPorts returns the number of `Port N:` lines.
func CountPorts(output string) int {
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if portPattern.MatchString(strings.TrimSpace(line)) {
			n++
		}
	}
	return n
}
