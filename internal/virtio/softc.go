package virtio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler is implemented by each device emulation and injected into the
// transport.
type Handler interface {
	// Reset is invoked on the vCPU thread when the guest writes 0 to the
	// device-status register. The device must quiesce its workers and then
	// call Softc.ResetDevice.
	Reset()

	// ReadConfig and WriteConfig access the device-specific config area
	// that follows the legacy register window.
	ReadConfig(offset, size int) (uint32, error)
	WriteConfig(offset, size int, value uint32) error

	// NegotiateFeatures receives the accepted feature mask (already
	// intersected with the host capabilities).
	NegotiateFeatures(features uint64)
}

// PCIDevice is the seam to the PCI emulation layer: config-space writes,
// BAR registration and interrupt delivery. The transport owns it for the
// device's lifetime.
type PCIDevice interface {
	SetCfgData8(offset int, value uint8)
	SetCfgData16(offset int, value uint16)

	AddIOBar(bar int, size uint64, handler BarHandler) error
	AddMSIXBar(bar int, vectors int) error

	MSIXEnabled() bool
	SignalMSIX(vector uint16)
	AssertIntx()
	DeassertIntx()

	Slot() uint8
	Function() uint8
}

// BarHandler decodes accesses to a registered BAR.
type BarHandler interface {
	BarRead(offset uint64, size int) uint32
	BarWrite(offset uint64, size int, value uint32)
}

// Softc is the generic transport state embedded by every virtio device. It
// owns the legacy register window, feature negotiation and interrupt
// routing; the device behind it only sees Handler callbacks and Queue
// operations.
type Softc struct {
	mu      *sync.Mutex
	pi      PCIDevice
	mem     GuestMemory
	handler Handler

	name     string
	hostCaps uint64
	cfgSize  int
	queues   []*Queue

	negotiated uint64
	curq       uint16
	status     uint8

	// isr is touched from device worker threads (interrupt injection) and
	// vCPU threads (ISR read-clear) without the softc mutex.
	isr atomic.Uint32

	useMSIX       bool
	msixCfgVector uint16
}

// Linkup wires the softc to its device, PCI function and queues. mu is the
// device-wide mutex handed to the transport for its critical sections.
func (vs *Softc) Linkup(handler Handler, name string, hostCaps uint64, cfgSize int, pi PCIDevice, mem GuestMemory, queues []*Queue, mu *sync.Mutex) {
	if handler == nil {
		panic("virtio: softc linkup without a handler")
	}
	vs.handler = handler
	vs.name = name
	vs.hostCaps = hostCaps
	vs.cfgSize = cfgSize
	vs.pi = pi
	vs.mem = mem
	vs.queues = queues
	vs.mu = mu
	vs.msixCfgVector = MSIXNoVector
	for i, q := range queues {
		if q.qsize == 0 || q.qsize&(q.qsize-1) != 0 {
			panic(fmt.Sprintf("virtio: queue %d size %d is not a power of two", i, q.qsize))
		}
		q.vs = vs
		q.index = i
		q.msixVector = MSIXNoVector
	}
}

// NewQueue creates a queue handle of the given ring size. The ring itself
// is guest-resident and bound later via the queue-PFN register.
func NewQueue(size uint16) *Queue {
	return &Queue{qsize: size, msixVector: MSIXNoVector}
}

// AddHostCaps ORs extra capability bits (typically contributed by a
// backend) into the advertised feature set. Must be called before the
// guest reads host-features.
func (vs *Softc) AddHostCaps(caps uint64) {
	vs.hostCaps |= caps
}

// HostCaps returns the advertised capability set.
func (vs *Softc) HostCaps() uint64 { return vs.hostCaps }

// NegotiatedFeatures returns the accepted feature mask.
func (vs *Softc) NegotiatedFeatures() uint64 { return vs.negotiated }

// InterruptInit configures interrupt delivery. With MSI-X the table and PBA
// land in the given BAR with one vector per queue plus one for config
// changes; failure here is fatal for device init.
func (vs *Softc) InterruptInit(bar int, useMSIX bool) error {
	if useMSIX {
		if err := vs.pi.AddMSIXBar(bar, len(vs.queues)+1); err != nil {
			return fmt.Errorf("virtio: %s: msi-x init: %w", vs.name, err)
		}
	}
	vs.useMSIX = useMSIX
	return nil
}

// SetIOBar registers the legacy register window (plus the device config
// tail) on the given BAR in IO space.
func (vs *Softc) SetIOBar(bar int) error {
	size := uint64(vs.cfgOffset() + vs.cfgSize)
	if err := vs.pi.AddIOBar(bar, size, vs); err != nil {
		return fmt.Errorf("virtio: %s: io bar: %w", vs.name, err)
	}
	return nil
}

// CfgOffset returns the BAR offset where the device-specific config area
// starts; it shifts up when the MSI-X vector registers are present.
func (vs *Softc) CfgOffset() int { return vs.cfgOffset() }

func (vs *Softc) cfgOffset() int {
	if vs.useMSIX {
		return cfgOffsetMSIX
	}
	return cfgOffsetNoMSIX
}

// ResetDevice clears ring pointers, negotiated features, interrupt state
// and MSI-X routing. Devices call this from their Handler.Reset after
// quiescing their workers.
func (vs *Softc) ResetDevice() {
	vs.negotiated = 0
	vs.curq = 0
	vs.status = 0
	vs.isr.Store(0)
	for _, q := range vs.queues {
		q.reset()
		q.msixVector = MSIXNoVector
	}
	vs.msixCfgVector = MSIXNoVector
}

// queueInterrupt injects a used-buffer notification for q. The ISR word is
// atomic so worker threads never contend on the softc mutex here; a worker
// blocking on the mutex while a vCPU holds it across reset would deadlock
// against the reset quiesce.
func (vs *Softc) queueInterrupt(q *Queue) {
	if vs.useMSIX && vs.pi.MSIXEnabled() {
		if q.msixVector != MSIXNoVector {
			vs.pi.SignalMSIX(q.msixVector)
		}
		return
	}
	vs.isr.Or(isrQueues)
	vs.pi.AssertIntx()
}

func (vs *Softc) lock() {
	if vs.mu != nil {
		vs.mu.Lock()
	}
}

func (vs *Softc) unlock() {
	if vs.mu != nil {
		vs.mu.Unlock()
	}
}

func (vs *Softc) currentQueue() *Queue {
	if int(vs.curq) >= len(vs.queues) {
		return nil
	}
	return vs.queues[vs.curq]
}

// BarRead implements BarHandler for the legacy window.
func (vs *Softc) BarRead(offset uint64, size int) uint32 {
	vs.lock()
	defer vs.unlock()

	if off := int(offset); off >= vs.cfgOffset() {
		value, err := vs.handler.ReadConfig(off-vs.cfgOffset(), size)
		if err != nil {
			slog.Debug("virtio: config read failed", "dev", vs.name, "offset", off, "err", err)
			return 0
		}
		return value
	}

	var value uint32
	switch offset {
	case RegHostFeatures:
		value = uint32(vs.hostCaps)
	case RegGuestFeatures:
		value = uint32(vs.negotiated)
	case RegQueuePFN:
		if q := vs.currentQueue(); q != nil {
			value = q.pfn
		}
	case RegQueueNum:
		if q := vs.currentQueue(); q != nil {
			value = uint32(q.qsize)
		}
	case RegQueueSel:
		value = uint32(vs.curq)
	case RegQueueNotify:
		value = 0
	case RegStatus:
		value = uint32(vs.status)
	case RegISR:
		value = vs.isr.Swap(0)
		if value != 0 && !vs.useMSIX {
			vs.pi.DeassertIntx()
		}
	case RegMSIXCfgVector:
		value = uint32(vs.msixCfgVector)
	case RegMSIXQVector:
		if q := vs.currentQueue(); q != nil {
			value = uint32(q.msixVector)
		}
	default:
		slog.Debug("virtio: read of unhandled register", "dev", vs.name, "offset", offset)
	}
	return truncate(value, size)
}

// BarWrite implements BarHandler for the legacy window.
func (vs *Softc) BarWrite(offset uint64, size int, value uint32) {
	vs.lock()
	defer vs.unlock()

	if off := int(offset); off >= vs.cfgOffset() {
		if err := vs.handler.WriteConfig(off-vs.cfgOffset(), size, value); err != nil {
			slog.Debug("virtio: config write failed", "dev", vs.name, "offset", off, "err", err)
		}
		return
	}

	switch offset {
	case RegHostFeatures:
		slog.Debug("virtio: write to read-only host-features", "dev", vs.name)
	case RegGuestFeatures:
		vs.negotiated = uint64(value) & vs.hostCaps
		vs.handler.NegotiateFeatures(vs.negotiated)
	case RegQueuePFN:
		if q := vs.currentQueue(); q != nil {
			q.init(value)
		}
	case RegQueueNum:
		slog.Debug("virtio: write to read-only queue-num", "dev", vs.name)
	case RegQueueSel:
		vs.curq = uint16(value)
	case RegQueueNotify:
		if int(value) >= len(vs.queues) {
			slog.Warn("virtio: notify for queue out of range", "dev", vs.name, "queue", value)
			return
		}
		q := vs.queues[value]
		if q.Notify != nil {
			q.Notify(q)
		}
	case RegStatus:
		vs.status = uint8(value)
		if value == 0 {
			vs.handler.Reset()
		}
	case RegMSIXCfgVector:
		vs.msixCfgVector = uint16(value)
	case RegMSIXQVector:
		if q := vs.currentQueue(); q != nil {
			q.msixVector = uint16(value)
		}
	default:
		slog.Debug("virtio: write to unhandled register", "dev", vs.name, "offset", offset)
	}
}

func truncate(value uint32, size int) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	default:
		return value
	}
}
