package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// guestMem is a flat guest-physical address space for tests.
type guestMem struct {
	buf []byte
}

func newGuestMem(size int) *guestMem {
	return &guestMem{buf: make([]byte, size)}
}

func (m *guestMem) Slice(addr uint64, length uint64) ([]byte, error) {
	if addr+length > uint64(len(m.buf)) || addr+length < addr {
		return nil, fmt.Errorf("guest access out of bounds: addr=%#x len=%d", addr, length)
	}
	return m.buf[addr : addr+length], nil
}

// recHandler records transport callbacks.
type recHandler struct {
	mu         sync.Mutex
	resets     int
	negotiated []uint64
	cfgReads   []int
	cfgWrites  []int
	cfgSpace   [16]byte
}

func (h *recHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
}

func (h *recHandler) ReadConfig(offset, size int) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfgReads = append(h.cfgReads, offset)
	var value uint32
	for i := 0; i < size && offset+i < len(h.cfgSpace); i++ {
		value |= uint32(h.cfgSpace[offset+i]) << (8 * i)
	}
	return value, nil
}

func (h *recHandler) WriteConfig(offset, size int, value uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfgWrites = append(h.cfgWrites, offset)
	for i := 0; i < size && offset+i < len(h.cfgSpace); i++ {
		h.cfgSpace[offset+i] = byte(value >> (8 * i))
	}
	return nil
}

func (h *recHandler) NegotiateFeatures(features uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.negotiated = append(h.negotiated, features)
}

// fakePCI implements PCIDevice and records everything.
type fakePCI struct {
	mu          sync.Mutex
	cfg8        map[int]uint8
	cfg16       map[int]uint16
	ioBars      map[int]BarHandler
	msixVectors int
	msixFail    bool
	msixOn      bool
	msixSignals []uint16
	intxAsserts int
	intxLevel   bool
	slot, fn    uint8
}

func newFakePCI(slot, fn uint8) *fakePCI {
	return &fakePCI{
		cfg8:   map[int]uint8{},
		cfg16:  map[int]uint16{},
		ioBars: map[int]BarHandler{},
		slot:   slot,
		fn:     fn,
	}
}

func (p *fakePCI) SetCfgData8(offset int, value uint8)   { p.cfg8[offset] = value }
func (p *fakePCI) SetCfgData16(offset int, value uint16) { p.cfg16[offset] = value }

func (p *fakePCI) AddIOBar(bar int, size uint64, handler BarHandler) error {
	p.ioBars[bar] = handler
	return nil
}

func (p *fakePCI) AddMSIXBar(bar int, vectors int) error {
	if p.msixFail {
		return fmt.Errorf("no msi-x for you")
	}
	p.msixVectors = vectors
	return nil
}

func (p *fakePCI) MSIXEnabled() bool { return p.msixOn }

func (p *fakePCI) SignalMSIX(vector uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msixSignals = append(p.msixSignals, vector)
}

func (p *fakePCI) AssertIntx() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intxAsserts++
	p.intxLevel = true
}

func (p *fakePCI) DeassertIntx() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intxLevel = false
}

func (p *fakePCI) Slot() uint8     { return p.slot }
func (p *fakePCI) Function() uint8 { return p.fn }

func (p *fakePCI) interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intxAsserts + len(p.msixSignals)
}

// guestRing drives the guest half of a virtqueue: it populates
// descriptors, posts avail entries and inspects the used ring, mirroring
// the legacy PFN layout the transport computes.
type guestRing struct {
	t     *testing.T
	mem   *guestMem
	qsize uint16

	desc  uint64
	avail uint64
	used  uint64

	availIdx uint16
}

func newGuestRing(t *testing.T, mem *guestMem, pfn uint32, qsize uint16) *guestRing {
	base := uint64(pfn) << pfnShift
	availOff := uint64(qsize) * descSize
	usedOff := roundUp(availOff+uint64(2+qsize+1)*2, ringAlign)
	return &guestRing{
		t:     t,
		mem:   mem,
		qsize: qsize,
		desc:  base,
		avail: base + availOff,
		used:  base + usedOff,
	}
}

func (g *guestRing) write16(addr uint64, v uint16) {
	b, err := g.mem.Slice(addr, 2)
	if err != nil {
		g.t.Fatalf("ring write16: %v", err)
	}
	binary.LittleEndian.PutUint16(b, v)
}

func (g *guestRing) read16(addr uint64) uint16 {
	b, err := g.mem.Slice(addr, 2)
	if err != nil {
		g.t.Fatalf("ring read16: %v", err)
	}
	return binary.LittleEndian.Uint16(b)
}

func (g *guestRing) read32(addr uint64) uint32 {
	b, err := g.mem.Slice(addr, 4)
	if err != nil {
		g.t.Fatalf("ring read32: %v", err)
	}
	return binary.LittleEndian.Uint32(b)
}

func (g *guestRing) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	g.writeDescAt(g.desc, idx, addr, length, flags, next)
}

func (g *guestRing) writeDescAt(table uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	b, err := g.mem.Slice(table+uint64(idx)*descSize, descSize)
	if err != nil {
		g.t.Fatalf("desc write: %v", err)
	}
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (g *guestRing) pushAvail(head uint16) {
	g.write16(g.avail+4+uint64(g.availIdx%g.qsize)*2, head)
	g.availIdx++
	g.write16(g.avail+2, g.availIdx)
}

func (g *guestRing) setAvailFlags(flags uint16) {
	g.write16(g.avail, flags)
}

func (g *guestRing) usedFlags() uint16 {
	return g.read16(g.used)
}

func (g *guestRing) usedIdx() uint16 {
	return g.read16(g.used + 2)
}

func (g *guestRing) usedElem(i uint16) (id, length uint32) {
	base := g.used + 4 + uint64(i)*8
	return g.read32(base), g.read32(base + 4)
}

// fill writes a pattern buffer into guest memory at addr.
func (g *guestRing) fill(addr uint64, data []byte) {
	b, err := g.mem.Slice(addr, uint64(len(data)))
	if err != nil {
		g.t.Fatalf("buffer write: %v", err)
	}
	copy(b, data)
}

const (
	testCfgSize = 10
	testCaps    = NetFMac | NetFStatus | FNotifyOnEmpty | FRingIndirectDesc
)

// newTestSoftc assembles a softc with one queue bound at the given PFN.
func newTestSoftc(t *testing.T, qsize uint16, pfn uint32, useMSIX bool) (*Softc, *Queue, *recHandler, *fakePCI, *guestMem, *guestRing) {
	t.Helper()
	mem := newGuestMem(1 << 22)
	handler := &recHandler{}
	pci := newFakePCI(3, 0)
	q := NewQueue(qsize)

	vs := &Softc{}
	var mu sync.Mutex
	vs.Linkup(handler, "testdev", testCaps, testCfgSize, pci, mem, []*Queue{q}, &mu)
	if err := vs.InterruptInit(1, useMSIX); err != nil {
		t.Fatalf("interrupt init: %v", err)
	}
	if err := vs.SetIOBar(0); err != nil {
		t.Fatalf("io bar: %v", err)
	}

	vs.BarWrite(RegQueueSel, 2, 0)
	vs.BarWrite(RegQueuePFN, 4, pfn)
	ring := newGuestRing(t, mem, pfn, qsize)
	return vs, q, handler, pci, mem, ring
}
