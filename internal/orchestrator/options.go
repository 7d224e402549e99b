package orchestrator

import (
	"github.com/sirupsen/logrus"
)

// Option customizes how a Pool or Container reaches its collaborators.
type Option func(*options)

type options struct {
	dial   HypervisorDialer
	leases LeaseSource
	logger *logrus.Logger
}

func newOptions(opts []Option) options {
	o := options{
		dial:   DialLibvirt,
		leases: StatusFileLeases{Dir: DefaultLeaseDir},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetLevel(logrus.InfoLevel)
	}
	return o
}

// WithHypervisorDialer replaces the libvirt dialer.
func WithHypervisorDialer(dial HypervisorDialer) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// WithLeaseSource replaces the dnsmasq status file reader.
func WithLeaseSource(leases LeaseSource) Option {
	return func(o *options) {
		if leases != nil {
			o.leases = leases
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func (o options) asOptions() []Option {
	return []Option{
		WithHypervisorDialer(o.dial),
		WithLeaseSource(o.leases),
		WithLogger(o.logger),
	}
}
