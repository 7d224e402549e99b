package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anweddol/anwdlserver/internal/sshutil"
)

const (
	DefaultDriverURI    = "qemu:///system"
	DefaultMaxTryout    = 20
	DefaultPollInterval = time.Second
)

// ContainerConfig holds the configuration of a single container.
type ContainerConfig struct {
	ISOPath          string // Live ISO booted by the domain
	MemoryMiB        uint   // Guest memory (default: 2048)
	VCPUs            uint   // Guest vCPUs (default: 2)
	NATInterface     string // Bridge served by libvirt's dnsmasq (default: virbr0)
	BridgeInterface  string // Host bridge (default: anwdlbr0)
	EndpointUsername string // Bootstrap SSH user baked in the ISO (default: endpoint)
	EndpointPassword string // Bootstrap SSH password (default: endpoint)
	EndpointPort     int    // Guest SSH port (default: 22)
	MaxPortAttempts  int    // Bound on the session port search (default: 200)
	SSHDialTimeout   time.Duration
}

// DefaultContainerConfig returns the default container configuration.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		MemoryMiB:        2048,
		VCPUs:            2,
		NATInterface:     "virbr0",
		BridgeInterface:  "anwdlbr0",
		EndpointUsername: "endpoint",
		EndpointPassword: "endpoint",
		EndpointPort:     22,
		MaxPortAttempts:  DefaultMaxPortAttempts,
		SSHDialTimeout:   sshutil.DefaultDialTimeout,
	}
}

// StartOptions controls StartDomain.
type StartOptions struct {
	WaitAvailable bool          // Poll the lease file until the guest has an IP
	MaxTryout     int           // Number of polls (default: 20)
	PollInterval  time.Duration // Delay between polls (default: 1s)
	DriverURI     string        // Hypervisor URI (default: qemu:///system)
}

func (o StartOptions) withDefaults() StartOptions {
	if o.MaxTryout <= 0 {
		o.MaxTryout = DefaultMaxTryout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DriverURI == "" {
		o.DriverURI = DefaultDriverURI
	}
	return o
}

// Stage is the lifecycle stage of a container.
type Stage int

const (
	StageUnstarted Stage = iota
	StageStarting
	StageRunning
	StageStopped
)

func (s Stage) String() string {
	switch s {
	case StageUnstarted:
		return "unstarted"
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Container is one sandbox VM. It is started at most once; a stopped container
// is discarded and a new one created for the next run.
type Container struct {
	uuid   string
	dial   HypervisorDialer
	leases LeaseSource
	logger *logrus.Entry

	mu     sync.Mutex
	config ContainerConfig
	stage  Stage
	hv     Hypervisor
	domain Domain

	shellMu sync.Mutex
	shell   *EndpointShell
}

// NewContainer creates an unstarted container. The ISO path must exist and is
// resolved to an absolute path once, here.
func NewContainer(uuid string, cfg ContainerConfig, opts ...Option) (*Container, error) {
	isoPath, err := resolveISOPath(cfg.ISOPath)
	if err != nil {
		return nil, err
	}
	cfg.ISOPath = isoPath
	if cfg.MaxPortAttempts <= 0 {
		cfg.MaxPortAttempts = DefaultMaxPortAttempts
	}

	o := newOptions(opts)
	return &Container{
		uuid:   uuid,
		dial:   o.dial,
		leases: o.leases,
		logger: o.logger.WithField("container", uuid),
		config: cfg,
	}, nil
}

func resolveISOPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("ISO path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve ISO path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("ISO image %s: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("ISO image %s is a directory", abs)
	}
	return abs, nil
}

// UUID returns the container identifier, also used as the domain name.
func (c *Container) UUID() string {
	return c.uuid
}

// Config returns a copy of the current configuration.
func (c *Container) Config() ContainerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Stage returns the current lifecycle stage.
func (c *Container) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// configure applies fn to the configuration if the container was never started.
func (c *Container) configure(fn func(*ContainerConfig)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != StageUnstarted {
		return stateError(c.uuid, "configuration is frozen once the domain is started")
	}
	fn(&c.config)
	return nil
}

func (c *Container) SetMemory(mib uint) error {
	if mib == 0 {
		return errors.New("memory must be positive")
	}
	return c.configure(func(cfg *ContainerConfig) { cfg.MemoryMiB = mib })
}

func (c *Container) SetVCPUs(vcpus uint) error {
	if vcpus == 0 {
		return errors.New("vCPU count must be positive")
	}
	return c.configure(func(cfg *ContainerConfig) { cfg.VCPUs = vcpus })
}

func (c *Container) SetNATInterfaceName(name string) error {
	if name == "" {
		return errors.New("NAT interface name is required")
	}
	return c.configure(func(cfg *ContainerConfig) { cfg.NATInterface = name })
}

func (c *Container) SetBridgeInterfaceName(name string) error {
	if name == "" {
		return errors.New("bridge interface name is required")
	}
	return c.configure(func(cfg *ContainerConfig) { cfg.BridgeInterface = name })
}

// SetEndpointCredentials sets the bootstrap SSH identity baked in the ISO.
func (c *Container) SetEndpointCredentials(username, password string, port int) error {
	if username == "" {
		return errors.New("endpoint username is required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid endpoint port %d", port)
	}
	return c.configure(func(cfg *ContainerConfig) {
		cfg.EndpointUsername = username
		cfg.EndpointPassword = password
		cfg.EndpointPort = port
	})
}

// StartDomain defines and boots the domain. With WaitAvailable it then polls the
// lease file until the guest has an IP, at most MaxTryout times.
//
// The hypervisor connection is kept until StopDomain or Close. It is released on
// every failure path; a failure after the domain was defined also destroys and
// undefines it and leaves the container Stopped.
func (c *Container) StartDomain(ctx context.Context, opts StartOptions) error {
	opts = opts.withDefaults()

	c.mu.Lock()
	if c.stage != StageUnstarted {
		stage := c.stage
		c.mu.Unlock()
		return stateError(c.uuid, "cannot start a "+stage.String()+" domain")
	}
	c.stage = StageStarting
	cfg := c.config
	c.mu.Unlock()

	hv, err := c.dial(ctx, opts.DriverURI)
	if err != nil {
		c.setStage(StageUnstarted)
		return fmt.Errorf("container %s: %w", c.uuid, err)
	}

	xml, err := buildDomainXML(c.uuid, cfg)
	if err != nil {
		hv.Close()
		c.setStage(StageUnstarted)
		return err
	}

	var domain Domain
	err = runWithContext(ctx, func() error {
		d, err := hv.DefineDomain(xml)
		if err != nil {
			return fmt.Errorf("failed to define domain: %w", err)
		}
		if err := d.Create(); err != nil {
			d.Undefine()
			return fmt.Errorf("failed to start domain: %w", err)
		}
		domain = d
		return nil
	}, func() {
		hv.Close()
	})
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Warn("Start interrupted while defining the domain; a stale definition may remain")
		}
		hv.Close()
		c.setStage(StageUnstarted)
		return fmt.Errorf("container %s: %w", c.uuid, err)
	}

	c.logger.WithFields(logrus.Fields{
		"memory_mib": cfg.MemoryMiB,
		"vcpus":      cfg.VCPUs,
		"iso":        cfg.ISOPath,
	}).Info("Domain started")

	if opts.WaitAvailable {
		ip, err := c.waitForIP(ctx, domain, cfg.NATInterface, opts)
		if err != nil {
			c.abortStart(hv, domain)
			return err
		}
		c.logger.WithField("ip", ip).Info("Domain is reachable")
	}

	c.mu.Lock()
	c.hv = hv
	c.domain = domain
	c.stage = StageRunning
	c.mu.Unlock()
	return nil
}

func (c *Container) waitForIP(ctx context.Context, domain Domain, natInterface string, opts StartOptions) (string, error) {
	desc, err := domain.XMLDesc()
	if err != nil {
		return "", fmt.Errorf("container %s: failed to read domain descriptor: %w", c.uuid, err)
	}
	mac, err := parseFirstMAC(desc)
	if err != nil {
		return "", fmt.Errorf("container %s: %w", c.uuid, err)
	}

	timer := time.NewTimer(opts.PollInterval)
	defer timer.Stop()

	for tryout := 1; ; tryout++ {
		if ip, ok := c.leases.Lookup(natInterface, mac); ok {
			return ip, nil
		}
		c.logger.WithField("tryout", tryout).Debug("Waiting for IP lease")
		if tryout >= opts.MaxTryout {
			return "", &TimeoutError{UUID: c.uuid, Tryouts: opts.MaxTryout}
		}

		timer.Reset(opts.PollInterval)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("container %s: waiting for IP: %w", c.uuid, ctx.Err())
		case <-timer.C:
		}
	}
}

// abortStart tears down a domain that booted but never became usable.
func (c *Container) abortStart(hv Hypervisor, domain Domain) {
	if err := domain.Destroy(); err != nil {
		c.logger.WithError(err).Warn("Failed to destroy domain")
	}
	if err := domain.Undefine(); err != nil {
		c.logger.WithError(err).Warn("Failed to undefine domain")
	}
	if err := hv.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close hypervisor connection")
	}
	c.setStage(StageStopped)
}

func (c *Container) setStage(stage Stage) {
	c.mu.Lock()
	c.stage = stage
	c.mu.Unlock()
}

// StopDomain stops a running domain. With destroy the domain is powered off at
// once; otherwise an ACPI shutdown is requested and StopDomain returns without
// waiting for the guest to halt. Either way the persistent definition is
// removed, so a gracefully stopping domain vanishes once it halts.
func (c *Container) StopDomain(destroy bool) error {
	c.mu.Lock()
	if c.stage != StageRunning || !c.isActiveLocked() {
		c.mu.Unlock()
		return stateError(c.uuid, "domain is not running")
	}

	var err error
	if destroy {
		err = c.domain.Destroy()
	} else {
		err = c.domain.Shutdown()
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("container %s: failed to stop domain: %w", c.uuid, err)
	}

	if err := c.domain.Undefine(); err != nil {
		c.logger.WithError(err).Warn("Failed to undefine domain")
	}
	c.releaseLocked()
	c.mu.Unlock()

	c.closeShell()
	c.logger.WithField("destroy", destroy).Info("Domain stopped")
	return nil
}

// Close releases the hypervisor connection without touching the domain. It is
// meant for domains that already halted on their own.
func (c *Container) Close() error {
	c.mu.Lock()
	err := c.releaseLocked()
	c.mu.Unlock()

	c.closeShell()
	return err
}

func (c *Container) releaseLocked() error {
	var err error
	if c.hv != nil {
		err = c.hv.Close()
	}
	c.hv = nil
	c.domain = nil
	if c.stage != StageStarting {
		c.stage = StageStopped
	}
	return err
}

func (c *Container) closeShell() {
	c.shellMu.Lock()
	shell := c.shell
	c.shell = nil
	c.shellMu.Unlock()

	if shell != nil {
		shell.Close()
	}
}

// IsDomainRunning asks the hypervisor whether the domain is active.
func (c *Container) IsDomainRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActiveLocked()
}

func (c *Container) isActiveLocked() bool {
	if c.domain == nil {
		return false
	}
	active, err := c.domain.IsActive()
	if err != nil {
		c.logger.WithError(err).Debug("Failed to query domain state")
		return false
	}
	return active
}

// GetMAC returns the MAC address of the domain's first network interface.
func (c *Container) GetMAC() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.domain == nil {
		return "", stateError(c.uuid, "domain is not defined")
	}
	desc, err := c.domain.XMLDesc()
	if err != nil {
		return "", fmt.Errorf("container %s: failed to read domain descriptor: %w", c.uuid, err)
	}
	return parseFirstMAC(desc)
}

// GetIP returns the address leased to the domain on the NAT interface, if any.
func (c *Container) GetIP() (string, bool) {
	mac, err := c.GetMAC()
	if err != nil {
		return "", false
	}
	return c.leases.Lookup(c.Config().NATInterface, mac)
}

// MakeISOChecksum returns the hex SHA-256 of the ISO image.
func (c *Container) MakeISOChecksum(ctx context.Context) (string, error) {
	return ISOChecksum(ctx, c.Config().ISOPath)
}

// ISOChecksum streams the file at path through SHA-256.
func ISOChecksum(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open ISO image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, contextReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("failed to hash ISO image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// CreateEndpointShell opens the bootstrap SSH session into the running guest.
// A container has at most one open shell.
func (c *Container) CreateEndpointShell(ctx context.Context) (*EndpointShell, error) {
	c.shellMu.Lock()
	defer c.shellMu.Unlock()

	if c.shell != nil && !c.shell.IsClosed() {
		return nil, stateError(c.uuid, "an endpoint shell is already open")
	}
	if c.Stage() != StageRunning || !c.IsDomainRunning() {
		return nil, stateError(c.uuid, "domain is not running")
	}

	ip, ok := c.GetIP()
	if !ok {
		return nil, fmt.Errorf("container %s: no IP address leased yet", c.uuid)
	}

	cfg := c.Config()
	addr := net.JoinHostPort(ip, strconv.Itoa(cfg.EndpointPort))
	client, err := sshutil.DialPassword(ctx, addr, cfg.EndpointUsername, cfg.EndpointPassword, cfg.SSHDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", c.uuid, err)
	}

	var shell *EndpointShell
	shell = newEndpointShell(client, c.uuid, cfg.MaxPortAttempts, c.logger.Logger, func() {
		c.shellMu.Lock()
		if c.shell == shell {
			c.shell = nil
		}
		c.shellMu.Unlock()
	})
	c.shell = shell

	c.logger.WithField("ip", ip).Debug("Endpoint shell opened")
	return shell, nil
}

// WithEndpointShell opens a shell, runs fn and closes the shell whatever fn returns.
func (c *Container) WithEndpointShell(ctx context.Context, fn func(*EndpointShell) error) error {
	shell, err := c.CreateEndpointShell(ctx)
	if err != nil {
		return err
	}
	defer shell.Close()
	return fn(shell)
}
