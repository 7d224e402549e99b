package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anweddol/anwdlserver/internal/auth"
	"github.com/anweddol/anwdlserver/internal/events"
	"github.com/anweddol/anwdlserver/internal/orchestrator"
	"github.com/anweddol/anwdlserver/internal/sshutil/sshtest"
	"github.com/anweddol/anwdlserver/internal/store"
)

const fakeDomainXML = `<domain type="kvm">
  <name>test</name>
  <devices>
    <interface type="bridge">
      <mac address="52:54:00:ab:cd:ef"/>
      <source bridge="virbr0"/>
    </interface>
  </devices>
</domain>`

// fakeHypervisor implements orchestrator.Hypervisor for testing
type fakeHypervisor struct {
	mu      sync.Mutex
	domains []*fakeDomain
}

func (h *fakeHypervisor) DefineDomain(xml string) (orchestrator.Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := &fakeDomain{}
	h.domains = append(h.domains, d)
	return d, nil
}

func (h *fakeHypervisor) Close() error { return nil }

func (h *fakeHypervisor) all() []*fakeDomain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeDomain(nil), h.domains...)
}

// fakeDomain implements orchestrator.Domain for testing
type fakeDomain struct {
	mu        sync.Mutex
	active    bool
	destroyed bool
}

func (d *fakeDomain) Create() error   { d.set(true); return nil }
func (d *fakeDomain) Shutdown() error { d.set(false); return nil }
func (d *fakeDomain) Undefine() error { return nil }

func (d *fakeDomain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.destroyed = true
	return nil
}

func (d *fakeDomain) IsActive() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, nil
}

func (d *fakeDomain) XMLDesc() (string, error) { return fakeDomainXML, nil }

func (d *fakeDomain) set(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = active
}

func (d *fakeDomain) wasDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

type loopbackLeases struct{}

func (loopbackLeases) Lookup(natInterface, mac string) (string, bool) {
	return "127.0.0.1", true
}

// gatedLeases withholds the IP lease until opened.
type gatedLeases struct {
	open    atomic.Bool
	lookups atomic.Int32
}

func (g *gatedLeases) Lookup(natInterface, mac string) (string, bool) {
	g.lookups.Add(1)
	if g.open.Load() {
		return "127.0.0.1", true
	}
	return "", false
}

type testEnv struct {
	manager *Manager
	pool    *orchestrator.Pool
	store   store.Store
	hv      *fakeHypervisor
	guest   *sshtest.Server
}

func newTestEnv(t *testing.T, capacity int, handler sshtest.Handler) *testEnv {
	t.Helper()
	return newTestEnvWithLeases(t, capacity, handler, loopbackLeases{}, 3)
}

func newTestEnvWithLeases(t *testing.T, capacity int, handler sshtest.Handler, leases orchestrator.LeaseSource, maxTryout int) *testEnv {
	t.Helper()

	dir := t.TempDir()
	iso := filepath.Join(dir, "live.iso")
	if err := os.WriteFile(iso, []byte("live image"), 0o644); err != nil {
		t.Fatalf("failed to write ISO: %v", err)
	}

	guest, err := sshtest.NewServer("endpoint", "endpoint", handler)
	if err != nil {
		t.Fatalf("failed to start guest: %v", err)
	}
	t.Cleanup(func() { guest.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hv := &fakeHypervisor{}
	cfg := orchestrator.DefaultPoolConfig()
	cfg.ISOPath = iso
	cfg.MaxContainers = capacity
	cfg.Container.EndpointPort = guest.Port()

	pool, err := orchestrator.NewPool(cfg,
		orchestrator.WithHypervisorDialer(func(ctx context.Context, uri string) (orchestrator.Hypervisor, error) {
			return hv, nil
		}),
		orchestrator.WithLeaseSource(leases),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	st, err := store.Open("sqlite", filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	m, err := NewManager(Config{
		Pool:          pool,
		Store:         st,
		Tokens:        tokens,
		Logger:        logger,
		StartOptions:  orchestrator.StartOptions{WaitAvailable: true, MaxTryout: maxTryout, PollInterval: time.Millisecond},
		CreateTimeout: 10 * time.Second,
		DestroyOnStop: true,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return &testEnv{manager: m, pool: pool, store: st, hv: hv, guest: guest}
}

func silentGuest(string) sshtest.Result {
	return sshtest.Result{}
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Error("expected error without pool, store and issuer")
	}
}

func TestCreateAndDestroy(t *testing.T) {
	env := newTestEnv(t, 2, silentGuest)
	ctx := context.Background()

	sub, cancel := env.manager.Events().Subscribe()
	defer cancel()

	created, err := env.manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.IP != "127.0.0.1" {
		t.Errorf("expected IP 127.0.0.1, got %s", created.IP)
	}
	if !strings.HasPrefix(created.Username, "user_") {
		t.Errorf("unexpected username %q", created.Username)
	}
	if len(created.Password) != 120 {
		t.Errorf("expected 120 character password, got %d", len(created.Password))
	}
	if created.Port < orchestrator.DefaultPortRange.From || created.Port >= orchestrator.DefaultPortRange.To {
		t.Errorf("port %d outside default range", created.Port)
	}
	if len(created.ISOChecksum) != 64 {
		t.Errorf("expected sha256 hex checksum, got %q", created.ISOChecksum)
	}
	if created.ClientToken == "" {
		t.Error("expected client token")
	}
	if !strings.Contains(created.SSHCommand, created.Username+"@127.0.0.1") {
		t.Errorf("unexpected ssh command %q", created.SSHCommand)
	}

	commands := env.guest.Commands()
	if len(commands) != 1 || !strings.Contains(commands[0], orchestrator.SetupScriptPath) {
		t.Errorf("expected one setup script call, got %v", commands)
	}

	session, err := env.store.GetSession(created.UUID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session == nil || session.Status != store.StatusRunning {
		t.Fatalf("expected running session, got %+v", session)
	}
	if session.Username != created.Username || session.ListenPort != created.Port {
		t.Errorf("session does not match created container: %+v", session)
	}

	wantTypes := []string{
		events.ContainerCreated,
		events.ContainerStarted,
		events.EndpointShellCreated,
		events.ContainerReady,
	}
	for _, want := range wantTypes {
		select {
		case e := <-sub:
			if e.Type != want {
				t.Errorf("expected event %s, got %s", want, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if err := env.manager.Destroy(ctx, created.UUID, "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if err := env.manager.Destroy(ctx, created.UUID, created.ClientToken); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if env.pool.ContainersAmount() != 0 {
		t.Errorf("expected empty pool, got %d", env.pool.ContainersAmount())
	}
	if !env.hv.all()[0].wasDestroyed() {
		t.Error("expected domain to be destroyed")
	}

	session, _ = env.store.GetSession(created.UUID)
	if session.Status != store.StatusDestroyed || session.DestroyedAt == nil {
		t.Errorf("expected destroyed session, got %+v", session)
	}

	if err := env.manager.Destroy(ctx, created.UUID, created.ClientToken); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second destroy, got %v", err)
	}
}

func TestCreateAtCapacity(t *testing.T) {
	env := newTestEnv(t, 1, silentGuest)
	ctx := context.Background()

	if _, err := env.manager.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.manager.Create(ctx); !errors.Is(err, orchestrator.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	stat := env.manager.Stat()
	if stat.RuntimeErrors != 0 {
		t.Errorf("capacity refusal counted as runtime error")
	}
	if stat.AvailableContainers != 0 || stat.RunningContainers != 1 || stat.MaxContainers != 1 {
		t.Errorf("unexpected stat %+v", stat)
	}
}

func TestCreateSetupFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 1, func(string) sshtest.Result {
		return sshtest.Result{Stderr: "useradd: failure\n", ExitStatus: 1}
	})

	_, err := env.manager.Create(context.Background())
	var cmdErr *orchestrator.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}

	if env.pool.ContainersAmount() != 0 {
		t.Error("failed container should release its slot")
	}
	if !env.hv.all()[0].wasDestroyed() {
		t.Error("failed container should be destroyed")
	}
	if env.manager.Stat().RuntimeErrors != 1 {
		t.Errorf("expected one runtime error, got %d", env.manager.Stat().RuntimeErrors)
	}

	sessions, err := env.store.ListSessions("")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestListAndReap(t *testing.T) {
	env := newTestEnv(t, 2, silentGuest)
	ctx := context.Background()

	first, err := env.manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.manager.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	infos := env.manager.List()
	if len(infos) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(infos))
	}
	for _, info := range infos {
		if !info.Running || info.Stage != "running" || info.IP != "127.0.0.1" {
			t.Errorf("unexpected info %+v", info)
		}
	}

	if n := env.manager.Reap(); n != 0 {
		t.Errorf("expected nothing to reap, got %d", n)
	}

	// The guest of the first container powers itself off.
	env.hv.all()[0].set(false)

	if n := env.manager.Reap(); n != 1 {
		t.Fatalf("expected 1 reaped container, got %d", n)
	}
	if _, ok := env.pool.GetStoredContainer(first.UUID); ok {
		t.Error("reaped container is still tracked")
	}
	session, _ := env.store.GetSession(first.UUID)
	if session.Status != store.StatusDestroyed {
		t.Errorf("expected destroyed session, got %s", session.Status)
	}
}

func TestRunReaperStopsWithContext(t *testing.T) {
	env := newTestEnv(t, 1, silentGuest)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.manager.RunReaper(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, 3, silentGuest)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.manager.Create(ctx); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	if err := env.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if env.pool.ContainersAmount() != 0 {
		t.Errorf("expected empty pool, got %d", env.pool.ContainersAmount())
	}
	for i, d := range env.hv.all() {
		if !d.wasDestroyed() {
			t.Errorf("domain %d still running", i)
		}
	}

	sessions, _ := env.store.ListSessions(store.StatusRunning)
	if len(sessions) != 0 {
		t.Errorf("expected no running sessions, got %d", len(sessions))
	}
}

func TestShutdownWithExpiredContext(t *testing.T) {
	env := newTestEnv(t, 2, silentGuest)

	created, err := env.manager.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if env.pool.ContainersAmount() != 0 {
		t.Errorf("expected empty pool, got %d", env.pool.ContainersAmount())
	}
	for i, d := range env.hv.all() {
		if !d.wasDestroyed() {
			t.Errorf("domain %d still running", i)
		}
	}
	session, err := env.store.GetSession(created.UUID)
	if err != nil || session == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != store.StatusDestroyed {
		t.Errorf("expected session %q, got %q", store.StatusDestroyed, session.Status)
	}
}

// waitStarting blocks until the pool tracks a container whose domain is
// waiting for its lease.
func waitStarting(t *testing.T, env *testEnv, leases *gatedLeases) *orchestrator.Container {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if leases.lookups.Load() > 0 {
			for _, id := range env.pool.ListStoredContainers() {
				if c, ok := env.pool.GetStoredContainer(id); ok && c.Stage() == orchestrator.StageStarting {
					return c
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("container never reached the starting stage")
	return nil
}

func TestShutdownDuringCreate(t *testing.T) {
	leases := &gatedLeases{}
	env := newTestEnvWithLeases(t, 2, silentGuest, leases, 100000)

	errc := make(chan error, 1)
	go func() {
		_, err := env.manager.Create(context.Background())
		errc <- err
	}()
	waitStarting(t, env, leases)

	if err := env.manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	leases.open.Store(true)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected the interrupted Create to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Create did not return after Shutdown")
	}

	if env.pool.ContainersAmount() != 0 {
		t.Errorf("expected empty pool, got %d", env.pool.ContainersAmount())
	}
	domains := env.hv.all()
	if len(domains) != 1 {
		t.Fatalf("expected 1 domain, got %d", len(domains))
	}
	if active, _ := domains[0].IsActive(); active {
		t.Error("domain left running after Shutdown")
	}

	if _, err := env.manager.Create(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown after Shutdown, got %v", err)
	}
}

func TestCreateReleasedWhileStarting(t *testing.T) {
	leases := &gatedLeases{}
	env := newTestEnvWithLeases(t, 2, silentGuest, leases, 100000)

	errc := make(chan error, 1)
	go func() {
		_, err := env.manager.Create(context.Background())
		errc <- err
	}()
	c := waitStarting(t, env, leases)

	if err := env.manager.stop(c); !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Errorf("expected stop to refuse a starting container, got %v", err)
	}
	if _, ok := env.pool.GetStoredContainer(c.UUID()); !ok {
		t.Fatal("refused stop untracked the container")
	}

	env.pool.DeleteStoredContainer(c.UUID())
	leases.open.Store(true)

	select {
	case err := <-errc:
		if !errors.Is(err, orchestrator.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Create did not return")
	}

	for i, d := range env.hv.all() {
		if !d.wasDestroyed() {
			t.Errorf("domain %d left running", i)
		}
	}
	if session, _ := env.store.GetSession(c.UUID()); session != nil {
		t.Error("session recorded for a released container")
	}
}
