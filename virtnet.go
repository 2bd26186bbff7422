// Package virtnet provides a user-space virtio-net device frontend: the
// emulated PCI network interface a virtual machine monitor presents to a
// guest. The frontend negotiates features, owns the receive and transmit
// virtqueues, and bridges them to a host network backend (tap, user-mode
// netstack). The VMM supplies guest memory and PCI plumbing through the
// interfaces re-exported here.
package virtnet

import (
	"io"

	"github.com/tinyrange/virtnet/internal/devices/vtnet"
	"github.com/tinyrange/virtnet/internal/mevent"
	"github.com/tinyrange/virtnet/internal/netbe"
	"github.com/tinyrange/virtnet/internal/virtio"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Device is one emulated virtio-net NIC.
type Device = vtnet.Device

// Options tunes device construction.
type Options = vtnet.Options

// GuestMemory translates guest-physical addresses into host slices. The VMM
// implements it over its guest address space.
type GuestMemory = virtio.GuestMemory

// PCIDevice is the seam to the VMM's PCI emulation layer: config-space
// writes, BAR registration and interrupt delivery.
type PCIDevice = virtio.PCIDevice

// BarHandler decodes accesses to a registered BAR.
type BarHandler = virtio.BarHandler

// Backend moves ethernet frames between the guest's descriptor chains and
// the host network.
type Backend = netbe.Backend

// EventLoop dispatches fd-readable events; fd-backed backends (tap) need
// one to deliver inbound frames.
type EventLoop = mevent.Loop

// ErrNoBackend is returned when a device spec matches no registered backend.
var ErrNoBackend = netbe.ErrNoBackend

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New instantiates a virtio-net device on the given PCI function. opts is
// the device option string, "<backend-spec>[,<mac-literal>]"; an empty
// string attaches no backend and the link still reports up.
func New(pi PCIDevice, mem GuestMemory, opts string, o Options) (*Device, error) {
	return vtnet.New(pi, mem, opts, o)
}

// NewEventLoop starts an event loop for fd-backed backends.
func NewEventLoop() (*EventLoop, error) {
	return mevent.New()
}

// OpenBackend opens a network backend directly, without a device in front
// of it. cb fires whenever inbound frames are pending.
func OpenBackend(spec string, cb func(), loop *EventLoop) (Backend, error) {
	return netbe.Open(spec, cb, loop)
}

// WithCapture wraps a backend so every frame crossing it is also written to
// w as a pcap stream.
func WithCapture(be Backend, w io.Writer) (Backend, error) {
	return netbe.WithCapture(be, w)
}
