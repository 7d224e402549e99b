package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultMaxContainers is the default capacity of a pool.
const DefaultMaxContainers = 6

// PoolConfig holds configuration for the container pool.
type PoolConfig struct {
	ISOPath       string          // ISO booted by every container of the pool
	MaxContainers int             // Maximum tracked containers (default: 6)
	Container     ContainerConfig // Defaults for new containers; ISOPath is overridden
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxContainers: DefaultMaxContainers,
		Container:     DefaultContainerConfig(),
	}
}

// Pool creates containers and tracks up to MaxContainers of them by UUID.
type Pool struct {
	config PoolConfig
	opts   options
	logger *logrus.Logger

	mu         sync.RWMutex
	containers map[string]*Container
}

// NewPool creates a pool. The ISO path must exist.
func NewPool(cfg PoolConfig, opts ...Option) (*Pool, error) {
	isoPath, err := resolveISOPath(cfg.ISOPath)
	if err != nil {
		return nil, err
	}
	if cfg.MaxContainers <= 0 {
		return nil, errors.New("maximum container amount must be positive")
	}
	cfg.ISOPath = isoPath
	cfg.Container.ISOPath = isoPath

	o := newOptions(opts)
	return &Pool{
		config:     cfg,
		opts:       o,
		logger:     o.logger,
		containers: make(map[string]*Container),
	}, nil
}

// ISOPath returns the absolute path of the pool ISO.
func (p *Pool) ISOPath() string {
	return p.config.ISOPath
}

// CreateContainer builds a container with a fresh UUID and the pool defaults.
// With store it is also tracked; when that fails the untracked container is
// returned along with the error, typically ErrCapacity.
func (p *Pool) CreateContainer(store bool) (*Container, error) {
	c, err := NewContainer(uuid.New().String(), p.config.Container, p.opts.asOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if store {
		if err := p.AddStoredContainer(c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// AddStoredContainer tracks c unless the pool is full or c is already tracked.
func (p *Pool) AddStoredContainer(c *Container) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.containers) >= p.config.MaxContainers {
		return ErrCapacity
	}
	if _, exists := p.containers[c.UUID()]; exists {
		return fmt.Errorf("container %s: %w", c.UUID(), ErrAlreadyTracked)
	}
	p.containers[c.UUID()] = c

	p.logger.WithFields(logrus.Fields{
		"container": c.UUID(),
		"tracked":   len(p.containers),
	}).Debug("Container stored")
	return nil
}

// DeleteStoredContainer stops tracking id. It returns ErrNotFound for an
// untracked id. The container itself is left as is.
func (p *Pool) DeleteStoredContainer(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.containers[id]; !exists {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	delete(p.containers, id)
	return nil
}

// GetStoredContainer returns a tracked container.
func (p *Pool) GetStoredContainer(id string) (*Container, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.containers[id]
	return c, ok
}

// ListStoredContainers returns the tracked UUIDs in sorted order.
func (p *Pool) ListStoredContainers() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ContainersAmount returns the number of tracked containers.
func (p *Pool) ContainersAmount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.containers)
}

func (p *Pool) MaxAllowedContainers() int {
	return p.config.MaxContainers
}

// AvailableContainersAmount returns the number of free slots, never negative.
func (p *Pool) AvailableContainersAmount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n := p.config.MaxContainers - len(p.containers); n > 0 {
		return n
	}
	return 0
}
