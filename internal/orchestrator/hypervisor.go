package orchestrator

import (
	"context"
)

// Hypervisor is an open connection to the hypervisor control API.
type Hypervisor interface {
	// DefineDomain registers a persistent domain from its XML descriptor.
	DefineDomain(xml string) (Domain, error)
	Close() error
}

// Domain is a handle on a defined hypervisor domain.
type Domain interface {
	Create() error
	Destroy() error
	Shutdown() error
	Undefine() error
	IsActive() (bool, error)
	XMLDesc() (string, error)
}

// HypervisorDialer opens a hypervisor connection for a driver URI.
type HypervisorDialer func(ctx context.Context, uri string) (Hypervisor, error)

// runWithContext runs fn in its own goroutine and returns early when ctx ends.
// onCancel is called after an early return so the caller can abort fn, typically
// by closing the connection fn is blocked on.
func runWithContext(ctx context.Context, fn func() error, onCancel func()) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		return ctx.Err()
	}
}
