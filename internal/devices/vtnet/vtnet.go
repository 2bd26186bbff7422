// Package vtnet emulates the guest-facing half of a virtio-net PCI device:
// feature negotiation, the receive and transmit virtqueues, and the bridge
// to a host network backend. The generic register window, ring walking and
// interrupt plumbing live in internal/virtio; frame movement lives in
// internal/netbe.
//
// Concurrency: vCPU threads enter through the transport callbacks
// (config access, negotiation, queue kicks, reset) and never perform I/O.
// One long-lived worker drains the TX ring; the backend's event delivery
// drives the RX path. Reset quiesces both before touching queue state.
package vtnet

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/virtnet/internal/mevent"
	"github.com/tinyrange/virtnet/internal/netbe"
	"github.com/tinyrange/virtnet/internal/netutil"
	"github.com/tinyrange/virtnet/internal/virtio"
)

const (
	ringSize = 1024
	maxSegs  = 256

	queueRX = 0
	queueTX = 1
	// Queue 2 is the control queue; reserved, never wired.

	vhdrLenMerged = 12
	vhdrLenSplit  = 10

	// Large enough for one TSO-sized frame plus its vnet header.
	discardBufSize = 65536 + 64

	configSize = 10
)

// Features the frontend itself advertises. Backends contribute more
// (checksum and TSO bits) at init. MRG_RXBUF is never advertised here.
const hostCaps = virtio.NetFMac | virtio.NetFStatus |
	virtio.FNotifyOnEmpty | virtio.FRingIndirectDesc

// netConfig is the 10-byte device-specific config register layout.
type netConfig struct {
	mac        [6]byte
	status     uint16
	maxVQPairs uint16
}

func (c *netConfig) bytes() [configSize]byte {
	var b [configSize]byte
	copy(b[0:6], c.mac[:])
	b[6] = byte(c.status)
	b[7] = byte(c.status >> 8)
	b[8] = byte(c.maxVQPairs)
	b[9] = byte(c.maxVQPairs >> 8)
	return b
}

// Options tunes device construction.
type Options struct {
	// Loop services fd-backed backends (tap). May be nil for backends
	// that pump their own frames.
	Loop *mevent.Loop

	// Metrics registers the device's counters when non-nil.
	Metrics prometheus.Registerer

	// DisableMSIX falls back to INTx plus the ISR register.
	DisableMSIX bool
}

// Device is one emulated virtio-net NIC.
type Device struct {
	vs     virtio.Softc
	queues []*virtio.Queue
	mtx    sync.Mutex

	be netbe.Backend

	rxReady   atomic.Bool
	resetting atomic.Bool

	features uint64

	rxMtx      sync.Mutex
	rxMerge    bool
	rxVhdrLen  int
	discardBuf []byte

	txMtx        sync.Mutex
	txCond       *sync.Cond
	txInProgress bool

	cfg netConfig

	metrics *metrics
}

// New instantiates the device on the given PCI function. opts follows the
// "<backend-spec>[,<mac-literal>]" form; an empty string means no backend
// (the link still reports up). A backend that fails to open is non-fatal:
// the device comes up link-down. MSI-X setup failure is fatal.
func New(pi virtio.PCIDevice, mem virtio.GuestMemory, opts string, o Options) (*Device, error) {
	d := &Device{
		queues: []*virtio.Queue{
			virtio.NewQueue(ringSize),
			virtio.NewQueue(ringSize),
		},
		rxMerge:   true,
		rxVhdrLen: vhdrLenMerged,
	}
	d.txCond = sync.NewCond(&d.txMtx)
	d.queues[queueRX].Notify = d.pingRXQ
	d.queues[queueTX].Notify = d.pingTXQ

	caps := uint64(hostCaps)
	backendSpec := ""
	if opts != "" {
		var macLit string
		var macGiven bool
		backendSpec, macLit, macGiven = strings.Cut(opts, ",")
		if macGiven {
			mac, err := netutil.ParseMAC(macLit)
			if err != nil {
				return nil, err
			}
			copy(d.cfg.mac[:], mac)
		}
	}
	if d.cfg.mac == [6]byte{} {
		copy(d.cfg.mac[:], netutil.DeriveMAC("vtnet", pi.Slot(), pi.Function()))
	}

	if backendSpec != "" {
		be, err := netbe.Open(backendSpec, d.rxCallback, o.Loop)
		if err != nil {
			slog.Warn("vtnet: backend init failed, link down", "spec", backendSpec, "err", err)
		} else {
			d.be = be
			caps |= be.Capabilities()
		}
	}

	pi.SetCfgData16(virtio.PCIRDevice, virtio.PCIDeviceNet)
	pi.SetCfgData16(virtio.PCIRVendor, virtio.PCIVendorVirtio)
	pi.SetCfgData8(virtio.PCIRClass, virtio.PCIClassNetwork)
	pi.SetCfgData16(virtio.PCIRSubDev, virtio.PCISubtypeNet)
	pi.SetCfgData16(virtio.PCIRSubVend, virtio.PCIVendorVirtio)

	// Link is up if no backend was requested or the requested one opened.
	if backendSpec == "" || d.be != nil {
		d.cfg.status = 1
	}
	d.cfg.maxVQPairs = 1

	d.vs.Linkup(d, "vtnet", caps, configSize, pi, mem, d.queues, &d.mtx)

	if err := d.vs.InterruptInit(1, !o.DisableMSIX); err != nil {
		return nil, err
	}
	if err := d.vs.SetIOBar(0); err != nil {
		return nil, err
	}

	d.metrics = newMetrics(o.Metrics, fmt.Sprintf("%d:%d", pi.Slot(), pi.Function()))

	go d.txWorker()
	return d, nil
}

// ReadConfig implements virtio.Handler: a byte window over the config
// shadow, assembled little-endian.
func (d *Device) ReadConfig(offset, size int) (uint32, error) {
	shadow := d.cfg.bytes()
	var value uint32
	for i := 0; i < size; i++ {
		if offset+i >= len(shadow) {
			break
		}
		value |= uint32(shadow[offset+i]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements virtio.Handler. The driver may rewrite the MAC;
// every other field is read-only and writes to it are dropped.
func (d *Device) WriteConfig(offset, size int, value uint32) error {
	if offset >= 0 && offset+size <= len(d.cfg.mac) {
		for i := 0; i < size; i++ {
			d.cfg.mac[offset+i] = byte(value >> (8 * i))
		}
		return nil
	}
	slog.Debug("vtnet: write to read-only config register", "offset", offset)
	return nil
}

// NegotiateFeatures implements virtio.Handler. Derives the RX vnet header
// length and pushes both to the backend.
func (d *Device) NegotiateFeatures(features uint64) {
	d.features = features

	d.rxMtx.Lock()
	if features&virtio.NetFMrgRxBuf != 0 {
		d.rxMerge = true
		d.rxVhdrLen = vhdrLenMerged
	} else {
		d.rxMerge = false
		d.rxVhdrLen = vhdrLenSplit
	}
	vhdrLen := d.rxVhdrLen
	d.rxMtx.Unlock()

	if d.be != nil {
		if err := d.be.SetCapabilities(features, vhdrLen); err != nil {
			slog.Warn("vtnet: backend rejected negotiated capabilities", "err", err)
		}
	}
}

// Reset implements virtio.Handler. Runs on the vCPU thread that wrote 0 to
// the status register; returns only after both data paths are idle.
func (d *Device) Reset() {
	slog.Debug("vtnet: device reset requested")

	d.resetting.Store(true)

	// Stall until the transmit worker parks. Polling is fine here; reset
	// is rare and the worker's batches are short.
	d.txMtx.Lock()
	for d.txInProgress {
		d.txMtx.Unlock()
		time.Sleep(10 * time.Millisecond)
		d.txMtx.Lock()
	}
	d.txMtx.Unlock()

	// RX work is bounded and runs entirely under rxMtx; taking it is the
	// whole wait. The derived RX state resets under the same hold.
	d.rxMtx.Lock()
	d.rxReady.Store(false)
	d.rxMerge = true
	d.rxVhdrLen = vhdrLenMerged
	d.rxMtx.Unlock()

	d.vs.ResetDevice()

	d.resetting.Store(false)
	d.metrics.resets.Inc()
}

// Close tears down the backend. The TX worker parks forever; it owns no
// resources beyond its goroutine.
func (d *Device) Close() error {
	if d.be != nil {
		return d.be.Close()
	}
	return nil
}

var _ virtio.Handler = (*Device)(nil)
