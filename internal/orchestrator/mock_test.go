package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

const testMAC = "52:54:00:AB:CD:EF"

const testDomainXML = `<domain type="kvm">
  <name>test</name>
  <devices>
    <interface type="bridge">
      <mac address="` + testMAC + `"/>
      <source bridge="virbr0"/>
      <model type="virtio"/>
    </interface>
    <interface type="bridge">
      <mac address="52:54:00:11:22:33"/>
      <source bridge="anwdlbr0"/>
      <model type="virtio"/>
    </interface>
  </devices>
</domain>`

// MockHypervisor implements Hypervisor for testing
type MockHypervisor struct {
	DefineError error
	CreateError error

	mu      sync.Mutex
	closes  int
	defined []string
	domains []*MockDomain
}

func (m *MockHypervisor) DefineDomain(xml string) (Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DefineError != nil {
		return nil, m.DefineError
	}
	d := &MockDomain{createError: m.CreateError}
	m.defined = append(m.defined, xml)
	m.domains = append(m.domains, d)
	return d, nil
}

func (m *MockHypervisor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *MockHypervisor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes > 0
}

func (m *MockHypervisor) Domain() *MockDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.domains) == 0 {
		return nil
	}
	return m.domains[len(m.domains)-1]
}

// MockDomain implements Domain for testing
type MockDomain struct {
	createError error

	mu        sync.Mutex
	active    bool
	destroyed bool
	shutdown  bool
	undefined bool
}

func (d *MockDomain) Create() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createError != nil {
		return d.createError
	}
	d.active = true
	return nil
}

func (d *MockDomain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.destroyed = true
	return nil
}

func (d *MockDomain) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = true
	return nil
}

func (d *MockDomain) Undefine() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undefined = true
	return nil
}

func (d *MockDomain) IsActive() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, nil
}

func (d *MockDomain) XMLDesc() (string, error) {
	return testDomainXML, nil
}

// halt simulates a guest powering itself off.
func (d *MockDomain) halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
}

// MockLeases implements LeaseSource for testing. The IP is returned once
// AvailableAfter lookups have been made.
type MockLeases struct {
	IP             string
	AvailableAfter int

	mu      sync.Mutex
	lookups int
}

func (m *MockLeases) Lookup(natInterface, mac string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.IP == "" || m.lookups <= m.AvailableAfter {
		return "", false
	}
	return m.IP, true
}

func (m *MockLeases) Lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func dialerFor(hv *MockHypervisor) HypervisorDialer {
	return func(ctx context.Context, uri string) (Hypervisor, error) {
		return hv, nil
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeTestISO(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anweddol.iso")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write ISO: %v", err)
	}
	return path
}

func newTestContainer(t *testing.T, hv *MockHypervisor, leases LeaseSource) *Container {
	t.Helper()
	cfg := DefaultContainerConfig()
	cfg.ISOPath = writeTestISO(t, "iso content")

	c, err := NewContainer("0b7f3f2e-8f0c-4e3b-9a43-3c2f1d9e5a10", cfg,
		WithHypervisorDialer(dialerFor(hv)),
		WithLeaseSource(leases),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("NewContainer failed: %v", err)
	}
	return c
}

func writeStatusFile(t *testing.T, dir, nat, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, nat+".status"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write status file: %v", err)
	}
}
