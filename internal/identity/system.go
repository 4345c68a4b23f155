package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// Environment variables that override detected host properties. Values
// shorter than three characters are ignored.
const (
	EnvSystemID = "PEERSYNC_SYSTEM_ID"
	EnvNodeID   = "PEERSYNC_NODE_ID"
)

// SystemInfo holds the host properties an instance ID is derived from.
// SystemID and NodeID are hashed; raw machine identifiers are never stored.
type SystemInfo struct {
	SystemID string
	NodeID   string
	Hostname string
}

// DetectSystemInfo reads host properties from the environment, the machine
// ID file and the network interfaces. Missing properties are left empty.
func DetectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	return SystemInfo{
		SystemID: saltedHash(systemID()),
		NodeID:   saltedHash(nodeID()),
		Hostname: hostname,
	}
}

func systemID() string {
	if v := strings.TrimSpace(os.Getenv(EnvSystemID)); len(v) >= 3 {
		return v
	}
	if runtime.GOOS != "linux" {
		return ""
	}
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}

func nodeID() string {
	if v := strings.TrimSpace(os.Getenv(EnvNodeID)); len(v) >= 3 {
		return v
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	return pickHardwareAddr(ifaces)
}

// pickHardwareAddr returns the first universally administered unicast MAC,
// preferring wired then wireless interfaces, which are the least likely to
// come and go.
func pickHardwareAddr(ifaces []net.Interface) string {
	sort.SliceStable(ifaces, func(i, j int) bool {
		return deviceSortKey(ifaces[i].Name) < deviceSortKey(ifaces[j].Name)
	})
	for _, iface := range ifaces {
		mac := iface.HardwareAddr
		if len(mac) < 6 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isMulticast(mac) || isLocallyAdministered(mac) {
			continue
		}
		return mac.String()
	}
	return ""
}

func deviceSortKey(name string) string {
	dev := strings.ToLower(name)
	switch {
	case strings.HasPrefix(dev, "eth"), strings.HasPrefix(dev, "en"):
		return "0" + dev
	case strings.HasPrefix(dev, "wl"):
		return "1" + dev
	case strings.HasPrefix(dev, "e"), strings.HasPrefix(dev, "w"):
		return "2" + dev
	}
	return "3" + dev
}

func isMulticast(mac net.HardwareAddr) bool { return mac[0]&0x01 != 0 }

func isLocallyAdministered(mac net.HardwareAddr) bool { return mac[0]&0x02 != 0 }

func saltedHash(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("peersync:" + value))
	return hex.EncodeToString(sum[:])
}
