package orchestrator

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

func uintPtr(v uint) *uint {
	return &v
}

// buildDomainXML renders the KVM domain descriptor of a container: the ISO is
// attached as an IDE cdrom booted before the disk, and the guest gets two virtio
// NICs, the first on the NAT bridge (where dnsmasq leases its address) and the
// second on the host bridge.
func buildDomainXML(uuid string, cfg ContainerConfig) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: uuid,
		UUID: uuid,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMiB,
			Unit:  "MiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: cfg.MemoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "cdrom"},
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI:   &libvirtxml.DomainFeature{},
			APIC:   &libvirtxml.DomainFeatureAPIC{},
			VMPort: &libvirtxml.DomainFeatureState{State: "off"},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		PM: &libvirtxml.DomainPM{
			SuspendToMem:  &libvirtxml.DomainPMPolicy{Enabled: "yes"},
			SuspendToDisk: &libvirtxml.DomainPMPolicy{Enabled: "yes"},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: cfg.ISOPath},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "hda", Bus: "ide"},
					Address: &libvirtxml.DomainAddress{
						Drive: &libvirtxml.DomainAddressDrive{
							Controller: uintPtr(0),
							Bus:        uintPtr(0),
							Target:     uintPtr(0),
							Unit:       uintPtr(0),
						},
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				bridgeInterface(cfg.NATInterface),
				bridgeInterface(cfg.BridgeInterface),
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
				Address: &libvirtxml.DomainAddress{
					PCI: &libvirtxml.DomainAddressPCI{
						Domain:   uintPtr(0),
						Bus:      uintPtr(0),
						Slot:     uintPtr(7),
						Function: uintPtr(0),
					},
				},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain descriptor: %w", err)
	}
	return xml, nil
}

func bridgeInterface(bridge string) libvirtxml.DomainInterface {
	return libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: bridge},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
}

// parseFirstMAC returns the MAC address of the first interface of a live domain
// descriptor. libvirt fills the address in when the domain is defined.
func parseFirstMAC(xml string) (string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(xml); err != nil {
		return "", fmt.Errorf("failed to parse domain descriptor: %w", err)
	}
	if domain.Devices == nil {
		return "", fmt.Errorf("domain %s has no devices", domain.Name)
	}
	for _, iface := range domain.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			return strings.ToLower(iface.MAC.Address), nil
		}
	}
	return "", fmt.Errorf("domain %s has no network interface with a MAC address", domain.Name)
}
