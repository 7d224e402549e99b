//go:build !linux

// Package network checks and prepares the host interfaces containers attach to.
package network

import "github.com/sirupsen/logrus"

// BridgeConfig holds configuration for the host bridge of the containers.
type BridgeConfig struct {
	BridgeName string
	BridgeIP   string
}

// DefaultBridgeConfig returns the default bridge configuration.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		BridgeName: "anwdlbr0",
	}
}

// CheckInterfaces is a no-op on non-Linux platforms.
func CheckInterfaces(names ...string) error {
	return nil
}

// EnsureBridge is a no-op on non-Linux platforms.
func EnsureBridge(cfg BridgeConfig, logger *logrus.Logger) error {
	logger.Info("Bridge setup skipped (not Linux)")
	return nil
}
