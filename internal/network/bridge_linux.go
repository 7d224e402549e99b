//go:build linux

// Package network checks and prepares the host interfaces containers attach to.
package network

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// BridgeConfig holds configuration for the host bridge of the containers.
type BridgeConfig struct {
	BridgeName string // e.g., "anwdlbr0"
	BridgeIP   string // optional CIDR, e.g., "10.10.0.1/24"
}

// DefaultBridgeConfig returns the default bridge configuration.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		BridgeName: "anwdlbr0",
	}
}

// CheckInterfaces verifies that every named interface exists and is up.
func CheckInterfaces(names ...string) error {
	for _, name := range names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("interface %s: %w", name, err)
		}
		if link.Attrs().Flags&net.FlagUp == 0 {
			return fmt.Errorf("interface %s is down", name)
		}
	}
	return nil
}

// Swapped in tests.
var (
	addrList = netlink.AddrList
	addrAdd  = netlink.AddrAdd
)

// EnsureBridge creates the bridge if it is missing, assigns BridgeIP when set
// and brings the bridge up.
func EnsureBridge(cfg BridgeConfig, logger *logrus.Logger) error {
	link, err := netlink.LinkByName(cfg.BridgeName)
	if err != nil {
		bridge := &netlink.Bridge{
			LinkAttrs: netlink.LinkAttrs{
				Name: cfg.BridgeName,
			},
		}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("failed to create bridge %s: %w", cfg.BridgeName, err)
		}
		logger.Infof("Created bridge %s", cfg.BridgeName)

		link, err = netlink.LinkByName(cfg.BridgeName)
		if err != nil {
			return fmt.Errorf("bridge %s: %w", cfg.BridgeName, err)
		}
	}

	if cfg.BridgeIP != "" {
		addr, err := netlink.ParseAddr(cfg.BridgeIP)
		if err != nil {
			return fmt.Errorf("invalid bridge address %q: %w", cfg.BridgeIP, err)
		}
		if err := ensureAddr(link, addr); err != nil {
			return err
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up bridge: %w", err)
	}
	return nil
}

// ensureAddr assigns addr to link unless it already carries that IP.
func ensureAddr(link netlink.Link, addr *netlink.Addr) error {
	addrs, err := addrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
	}
	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			return nil
		}
	}
	if err := addrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign IP to bridge: %w", err)
	}
	return nil
}
