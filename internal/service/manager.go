// Package service runs the container sessions handed out to clients: creation
// with credential rotation, destruction, statistics and reaping of domains that
// halted on their own.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anweddol/anwdlserver/internal/auth"
	"github.com/anweddol/anwdlserver/internal/events"
	"github.com/anweddol/anwdlserver/internal/orchestrator"
	"github.com/anweddol/anwdlserver/internal/sshutil"
	"github.com/anweddol/anwdlserver/internal/store"
)

var (
	ErrUnauthorized = errors.New("client token rejected")
	ErrShuttingDown = errors.New("server is shutting down")
)

// DefaultReapInterval is used by RunReaper when no interval is given.
const DefaultReapInterval = 10 * time.Second

// Config wires a Manager to its collaborators.
type Config struct {
	Pool   *orchestrator.Pool
	Store  store.Store
	Tokens *auth.Issuer
	Events *events.Broker // optional
	Logger *logrus.Logger // optional

	StartOptions  orchestrator.StartOptions
	PortRange     orchestrator.PortRange
	CreateTimeout time.Duration // bounds a whole Create call; 0 = caller's context only
	DestroyOnStop bool          // power off instead of ACPI shutdown
}

// CreatedContainer is returned to the client that requested a container.
type CreatedContainer struct {
	UUID        string `json:"container_uuid"`
	ClientToken string `json:"client_token"`
	ISOChecksum string `json:"container_iso_sha256"`
	Username    string `json:"container_username"`
	Password    string `json:"container_password"`
	IP          string `json:"container_ip"`
	Port        int    `json:"container_listen_port"`
	SSHCommand  string `json:"ssh_command"`
}

// Stat summarizes the server state.
type Stat struct {
	UptimeSeconds       int64 `json:"uptime"`
	AvailableContainers int   `json:"available"`
	RunningContainers   int   `json:"running"`
	MaxContainers       int   `json:"max"`
	RuntimeErrors       int64 `json:"runtime_errors"`
}

// ContainerInfo describes a tracked container.
type ContainerInfo struct {
	UUID    string `json:"container_uuid"`
	Stage   string `json:"stage"`
	Running bool   `json:"running"`
	IP      string `json:"ip,omitempty"`
}

type Manager struct {
	pool   *orchestrator.Pool
	store  store.Store
	tokens *auth.Issuer
	events *events.Broker
	logger *logrus.Logger

	startOptions  orchestrator.StartOptions
	portRange     orchestrator.PortRange
	createTimeout time.Duration
	destroyOnStop bool

	startedAt     time.Time
	runtimeErrors atomic.Int64

	checksumMu sync.Mutex
	checksum   string

	// Create calls in flight; Shutdown cancels them through baseCtx and waits.
	lifecycleMu sync.Mutex
	closing     bool
	inflight    sync.WaitGroup
	baseCtx     context.Context
	cancelBase  context.CancelFunc
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Pool == nil || cfg.Store == nil || cfg.Tokens == nil {
		return nil, errors.New("service: pool, store and token issuer are required")
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.InfoLevel)
	}
	if cfg.PortRange.Size() == 0 {
		cfg.PortRange = orchestrator.DefaultPortRange
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Manager{
		baseCtx:       baseCtx,
		cancelBase:    cancelBase,
		pool:          cfg.Pool,
		store:         cfg.Store,
		tokens:        cfg.Tokens,
		events:        cfg.Events,
		logger:        cfg.Logger,
		startOptions:  cfg.StartOptions,
		portRange:     cfg.PortRange,
		createTimeout: cfg.CreateTimeout,
		destroyOnStop: cfg.DestroyOnStop,
		startedAt:     time.Now(),
	}, nil
}

// Events returns the broker lifecycle events are published on.
func (m *Manager) Events() *events.Broker {
	return m.events
}

// Create boots a container, rotates its SSH credentials and records the
// session. The container is tracked up front so the capacity check and the
// slot reservation are one step; any later failure releases the slot.
// Shutdown cancels creations still in progress.
func (m *Manager) Create(ctx context.Context) (*CreatedContainer, error) {
	if !m.beginCreate() {
		return nil, ErrShuttingDown
	}
	defer m.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopCancel := context.AfterFunc(m.baseCtx, cancel)
	defer stopCancel()

	c, err := m.pool.CreateContainer(true)
	if err != nil {
		if !errors.Is(err, orchestrator.ErrCapacity) {
			m.runtimeErrors.Add(1)
		}
		return nil, err
	}
	log := m.logger.WithField("container", c.UUID())
	m.publish(events.ContainerCreated, c.UUID(), "")

	if m.createTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.createTimeout)
		defer cancelTimeout()
	}

	result, err := m.provision(ctx, c)
	if err != nil {
		m.runtimeErrors.Add(1)
		m.rollback(c)
		m.publish(events.ContainerFailed, c.UUID(), err.Error())
		log.WithError(err).Error("Failed to create container")
		return nil, err
	}

	m.publish(events.ContainerReady, c.UUID(), "")
	log.WithFields(logrus.Fields{
		"ip":   result.IP,
		"user": result.Username,
		"port": result.Port,
	}).Info("Container ready")
	return result, nil
}

func (m *Manager) provision(ctx context.Context, c *orchestrator.Container) (*CreatedContainer, error) {
	if err := c.StartDomain(ctx, m.startOptions); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	m.publish(events.ContainerStarted, c.UUID(), "")

	var creds orchestrator.Credentials
	err := c.WithEndpointShell(ctx, func(shell *orchestrator.EndpointShell) error {
		m.publish(events.EndpointShellCreated, c.UUID(), "")

		var err error
		creds, err = shell.GenerateContainerSSHCredentials(m.portRange)
		if err != nil {
			return err
		}
		return shell.SetContainerSSHCredentials(ctx, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up container credentials: %w", err)
	}

	checksum, err := m.isoChecksum(ctx, c)
	if err != nil {
		return nil, err
	}

	ip, ok := c.GetIP()
	if !ok {
		return nil, fmt.Errorf("container %s lost its IP address", c.UUID())
	}

	// The slot may have been released while the domain was starting.
	if _, tracked := m.pool.GetStoredContainer(c.UUID()); !tracked {
		return nil, fmt.Errorf("container %s was released while starting: %w", c.UUID(), orchestrator.ErrNotFound)
	}

	token, err := m.tokens.Issue(c.UUID())
	if err != nil {
		return nil, fmt.Errorf("failed to issue client token: %w", err)
	}

	session := &store.Session{
		ContainerUUID: c.UUID(),
		IP:            ip,
		Username:      creds.Username,
		ListenPort:    creds.Port,
		ISOChecksum:   checksum,
		Status:        store.StatusRunning,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	return &CreatedContainer{
		UUID:        c.UUID(),
		ClientToken: token,
		ISOChecksum: checksum,
		Username:    creds.Username,
		Password:    creds.Password,
		IP:          ip,
		Port:        creds.Port,
		SSHCommand:  sshutil.FormatSSHCommand(creds.Username, ip, creds.Port),
	}, nil
}

// isoChecksum hashes the pool ISO once; it does not change while the server runs.
func (m *Manager) isoChecksum(ctx context.Context, c *orchestrator.Container) (string, error) {
	m.checksumMu.Lock()
	defer m.checksumMu.Unlock()

	if m.checksum == "" {
		sum, err := c.MakeISOChecksum(ctx)
		if err != nil {
			return "", err
		}
		m.checksum = sum
	}
	return m.checksum, nil
}

func (m *Manager) rollback(c *orchestrator.Container) {
	if c.Stage() == orchestrator.StageRunning {
		if err := c.StopDomain(true); err != nil {
			m.logger.WithError(err).WithField("container", c.UUID()).Warn("Failed to stop container during rollback")
		}
	}
	c.Close()
	m.pool.DeleteStoredContainer(c.UUID())
}

// Destroy stops a container on behalf of the client holding its token.
func (m *Manager) Destroy(ctx context.Context, containerUUID, clientToken string) error {
	if err := m.tokens.Validate(clientToken, containerUUID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	c, ok := m.pool.GetStoredContainer(containerUUID)
	if !ok {
		return fmt.Errorf("container %s: %w", containerUUID, orchestrator.ErrNotFound)
	}

	if err := m.stop(c); err != nil {
		m.runtimeErrors.Add(1)
		return err
	}

	m.publish(events.ContainerDestroyed, containerUUID, "")
	m.logger.WithField("container", containerUUID).Info("Container destroyed")
	return nil
}

// stop halts c, untracks it and closes its session record. A domain that is
// already down only has its resources released. A container still starting
// belongs to its Create call and is left alone.
func (m *Manager) stop(c *orchestrator.Container) error {
	if c.Stage() == orchestrator.StageStarting {
		return fmt.Errorf("container %s is still starting: %w", c.UUID(), orchestrator.ErrInvalidState)
	}
	if err := c.StopDomain(m.destroyOnStop); err != nil {
		if !errors.Is(err, orchestrator.ErrInvalidState) {
			return err
		}
		c.Close()
	}

	m.pool.DeleteStoredContainer(c.UUID())
	if err := m.store.MarkSessionDestroyed(c.UUID(), time.Now().UTC()); err != nil {
		m.logger.WithError(err).WithField("container", c.UUID()).Warn("Failed to update session record")
	}
	return nil
}

func (m *Manager) Stat() Stat {
	return Stat{
		UptimeSeconds:       int64(time.Since(m.startedAt).Seconds()),
		AvailableContainers: m.pool.AvailableContainersAmount(),
		RunningContainers:   m.pool.ContainersAmount(),
		MaxContainers:       m.pool.MaxAllowedContainers(),
		RuntimeErrors:       m.runtimeErrors.Load(),
	}
}

// List describes every tracked container.
func (m *Manager) List() []ContainerInfo {
	ids := m.pool.ListStoredContainers()
	infos := make([]ContainerInfo, 0, len(ids))
	for _, id := range ids {
		c, ok := m.pool.GetStoredContainer(id)
		if !ok {
			continue
		}
		info := ContainerInfo{
			UUID:    id,
			Stage:   c.Stage().String(),
			Running: c.IsDomainRunning(),
		}
		info.IP, _ = c.GetIP()
		infos = append(infos, info)
	}
	return infos
}

// Reap untracks running containers whose domain halted by itself, typically
// because the client powered the guest off. It returns how many were reaped.
func (m *Manager) Reap() int {
	reaped := 0
	for _, id := range m.pool.ListStoredContainers() {
		c, ok := m.pool.GetStoredContainer(id)
		if !ok || c.Stage() != orchestrator.StageRunning || c.IsDomainRunning() {
			continue
		}

		c.Close()
		m.pool.DeleteStoredContainer(id)
		if err := m.store.MarkSessionDestroyed(id, time.Now().UTC()); err != nil {
			m.logger.WithError(err).WithField("container", id).Warn("Failed to update session record")
		}
		m.publish(events.ContainerReaped, id, "")
		m.logger.WithField("container", id).Info("Reaped halted container")
		reaped++
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx ends.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// beginCreate registers a Create call unless Shutdown has begun.
func (m *Manager) beginCreate() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.closing {
		return false
	}
	m.inflight.Add(1)
	return true
}

// Shutdown refuses new creations, cancels those in progress and waits for
// them to roll back until ctx ends, then stops every tracked container
// concurrently. Stopping is not abandoned when ctx has already ended.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycleMu.Lock()
	m.closing = true
	m.lifecycleMu.Unlock()
	m.cancelBase()

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.logger.Warn("Container creations still in progress at shutdown")
	}

	var g errgroup.Group
	for _, id := range m.pool.ListStoredContainers() {
		c, ok := m.pool.GetStoredContainer(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := m.stop(c); err != nil {
				return fmt.Errorf("container %s: %w", c.UUID(), err)
			}
			m.publish(events.ContainerDestroyed, c.UUID(), "server shutdown")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("All containers stopped")
	return nil
}

func (m *Manager) publish(eventType, containerUUID, message string) {
	m.events.Publish(events.Event{
		Type:          eventType,
		ContainerUUID: containerUUID,
		Message:       message,
	})
}
