package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLeaseDir is where libvirt's dnsmasq writes one status file per network bridge.
const DefaultLeaseDir = "/var/lib/libvirt/dnsmasq"

// LeaseSource resolves a guest MAC address to the IP leased on a NAT interface.
type LeaseSource interface {
	Lookup(natInterface, mac string) (ip string, ok bool)
}

// StatusFileLeases reads <Dir>/<natInterface>.status lease files.
type StatusFileLeases struct {
	Dir string
}

type leaseEntry struct {
	MACAddress string `json:"mac-address"`
	IPAddress  string `json:"ip-address"`
}

// Lookup returns the IP of the first entry matching mac. A missing or malformed
// file means the address is not known yet.
func (s StatusFileLeases) Lookup(natInterface, mac string) (string, bool) {
	dir := s.Dir
	if dir == "" {
		dir = DefaultLeaseDir
	}

	data, err := os.ReadFile(filepath.Join(dir, natInterface+".status"))
	if err != nil {
		return "", false
	}

	var entries []leaseEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return "", false
	}

	for _, entry := range entries {
		if strings.EqualFold(entry.MACAddress, mac) && entry.IPAddress != "" {
			return entry.IPAddress, true
		}
	}
	return "", false
}
