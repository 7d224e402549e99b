package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultDialTimeout bounds the socket dial to libvirtd.
const DefaultDialTimeout = 10 * time.Second

// libvirtHypervisor implements Hypervisor over the libvirt RPC protocol.
type libvirtHypervisor struct {
	conn *libvirt.Libvirt
}

type libvirtDomain struct {
	conn *libvirt.Libvirt
	dom  libvirt.Domain
}

// DialLibvirt connects to libvirtd for the given driver URI. Local URIs
// (qemu:///system) go through the libvirt unix socket, qemu+tcp URIs through TCP.
func DialLibvirt(ctx context.Context, uri string) (Hypervisor, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid driver URI %q: %w", uri, err)
	}

	var dialer socket.Dialer
	switch parsed.Scheme {
	case "qemu", "":
		dialer = dialers.NewLocal(dialers.WithLocalTimeout(DefaultDialTimeout))
	case "qemu+tcp":
		opts := []dialers.RemoteOption{dialers.WithRemoteTimeout(DefaultDialTimeout)}
		if port := parsed.Port(); port != "" {
			opts = append(opts, dialers.UsePort(port))
		}
		dialer = dialers.NewRemote(parsed.Hostname(), opts...)
	default:
		return nil, fmt.Errorf("unsupported driver URI scheme %q", parsed.Scheme)
	}

	conn := libvirt.NewWithDialer(dialer)

	// The driver URI sent to libvirtd never carries the transport part.
	driverURI := uri
	if parsed.Scheme == "qemu+tcp" {
		driverURI = "qemu://" + parsed.Path
		if parsed.Path == "" {
			driverURI = DefaultDriverURI
		}
	}

	err = runWithContext(ctx, func() error {
		return conn.ConnectToURI(libvirt.ConnectURI(driverURI))
	}, func() {
		go conn.Disconnect()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hypervisor at %s: %w", uri, err)
	}

	return &libvirtHypervisor{conn: conn}, nil
}

func (h *libvirtHypervisor) DefineDomain(xml string) (Domain, error) {
	dom, err := h.conn.DomainDefineXML(xml)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{conn: h.conn, dom: dom}, nil
}

func (h *libvirtHypervisor) Close() error {
	return h.conn.Disconnect()
}

func (d *libvirtDomain) Create() error {
	return d.conn.DomainCreate(d.dom)
}

func (d *libvirtDomain) Destroy() error {
	return d.conn.DomainDestroy(d.dom)
}

func (d *libvirtDomain) Shutdown() error {
	return d.conn.DomainShutdown(d.dom)
}

func (d *libvirtDomain) Undefine() error {
	return d.conn.DomainUndefine(d.dom)
}

func (d *libvirtDomain) IsActive() (bool, error) {
	active, err := d.conn.DomainIsActive(d.dom)
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

func (d *libvirtDomain) XMLDesc() (string, error) {
	return d.conn.DomainGetXMLDesc(d.dom, 0)
}
