package vtnet

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/virtnet/internal/mevent"
	"github.com/tinyrange/virtnet/internal/netbe"
	"github.com/tinyrange/virtnet/internal/virtio"
)

// Guest-side descriptor flags, as the driver would write them.
const (
	testDescFNext  uint16 = 1
	testDescFWrite uint16 = 2
)

const (
	testRXPFN = 0x10 // RX rings at 0x10000
	testTXPFN = 0x20 // TX rings at 0x20000
	testBufs  = 0x100000
	testMem   = 1 << 21
)

type guestMem struct {
	buf []byte
}

func (m *guestMem) Slice(addr uint64, length uint64) ([]byte, error) {
	if addr+length > uint64(len(m.buf)) || addr+length < addr {
		return nil, fmt.Errorf("guest access out of bounds: addr=%#x len=%d", addr, length)
	}
	return m.buf[addr : addr+length], nil
}

type fakePCI struct {
	mu          sync.Mutex
	cfg8        map[int]uint8
	cfg16       map[int]uint16
	msixFail    bool
	msixOn      bool
	msixSignals []uint16
	intxAsserts int
}

func newFakePCI() *fakePCI {
	return &fakePCI{cfg8: map[int]uint8{}, cfg16: map[int]uint16{}}
}

func (p *fakePCI) SetCfgData8(offset int, value uint8)   { p.cfg8[offset] = value }
func (p *fakePCI) SetCfgData16(offset int, value uint16) { p.cfg16[offset] = value }

func (p *fakePCI) AddIOBar(bar int, size uint64, handler virtio.BarHandler) error { return nil }

func (p *fakePCI) AddMSIXBar(bar int, vectors int) error {
	if p.msixFail {
		return fmt.Errorf("msi-x table allocation failed")
	}
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
}

func (p *fakePCI) DeassertIntx() {}

func (p *fakePCI) Slot() uint8     { return 3 }
func (p *fakePCI) Function() uint8 { return 0 }

func (p *fakePCI) interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intxAsserts + len(p.msixSignals)
}

// fakeBackend scripts Recv results and records Send traffic.
type sendRec struct {
	segs   int
	length int
	more   bool
	data   []byte
}

type recvStep struct {
	frame []byte
	err   error
}

type capSet struct {
	features uint64
	vhdrLen  int
}

type fakeBackend struct {
	caps uint64
	cb   netbe.RxCallback

	mu           sync.Mutex
	sends        []sendRec
	setCaps      []capSet
	recvScript   []recvStep
	recvIovSizes [][]int
	closed       bool

	sendStarted chan struct{} // signaled on Send entry when non-nil
	sendGate    chan struct{} // Send blocks on this when non-nil
}

func (f *fakeBackend) Send(iov [][]byte, length int, more bool) (int, error) {
	if f.sendStarted != nil {
		f.sendStarted <- struct{}{}
	}
	if f.sendGate != nil {
		<-f.sendGate
	}
	var data []byte
	for _, seg := range iov {
		data = append(data, seg...)
	}
	f.mu.Lock()
	f.sends = append(f.sends, sendRec{segs: len(iov), length: length, more: more, data: data})
	f.mu.Unlock()
	return length, nil
}

func (f *fakeBackend) Recv(iov [][]byte) (int, error) {
	sizes := make([]int, len(iov))
	for i, seg := range iov {
		sizes[i] = len(seg)
	}
	f.mu.Lock()
	f.recvIovSizes = append(f.recvIovSizes, sizes)
	if len(f.recvScript) == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	step := f.recvScript[0]
	f.recvScript = f.recvScript[1:]
	f.mu.Unlock()

	if step.err != nil {
		return 0, step.err
	}
	remaining := step.frame
	for _, seg := range iov {
		if len(remaining) == 0 {
			break
		}
		n := copy(seg, remaining)
		remaining = remaining[n:]
	}
	return len(step.frame) - len(remaining), nil
}

func (f *fakeBackend) Capabilities() uint64 { return f.caps }

func (f *fakeBackend) SetCapabilities(features uint64, vhdrLen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCaps = append(f.setCaps, capSet{features: features, vhdrLen: vhdrLen})
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// The fake backend registry: specs look like "fake17"; each test installs
// its instance under a fresh name.
var (
	fakeBackendsMu sync.Mutex
	fakeBackends   = map[string]*fakeBackend{}
	fakeBackendSeq atomic.Int64
)

func init() {
	netbe.Register("fake", func(spec string, cb netbe.RxCallback, _ *mevent.Loop) (netbe.Backend, error) {
		fakeBackendsMu.Lock()
		defer fakeBackendsMu.Unlock()
		be, ok := fakeBackends[spec]
		if !ok {
			return nil, fmt.Errorf("unknown fake backend %q", spec)
		}
		be.cb = cb
		return be, nil
	})
	netbe.Register("fail", func(spec string, cb netbe.RxCallback, _ *mevent.Loop) (netbe.Backend, error) {
		return nil, fmt.Errorf("backend refused to open")
	})
}

func installFakeBackend(fb *fakeBackend) string {
	name := fmt.Sprintf("fake%d", fakeBackendSeq.Add(1))
	fakeBackendsMu.Lock()
	fakeBackends[name] = fb
	fakeBackendsMu.Unlock()
	return name
}

// guestRing drives the guest half of a queue using the legacy PFN layout.
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
	base := uint64(pfn) << 12
	availOff := uint64(qsize) * 16
	availBytes := uint64(2+qsize+1) * 2
	usedOff := (availOff + availBytes + 4095) &^ 4095
	return &guestRing{
		t:     t,
		mem:   mem,
		qsize: qsize,
		desc:  base,
		avail: base + availOff,
		used:  base + usedOff,
	}
}

func (g *guestRing) slice(addr, length uint64) []byte {
	b, err := g.mem.Slice(addr, length)
	if err != nil {
		g.t.Fatalf("ring access: %v", err)
	}
	return b
}

func (g *guestRing) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	b := g.slice(g.desc+uint64(idx)*16, 16)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (g *guestRing) pushAvail(head uint16) {
	binary.LittleEndian.PutUint16(g.slice(g.avail+4+uint64(g.availIdx%g.qsize)*2, 2), head)
	g.availIdx++
	binary.LittleEndian.PutUint16(g.slice(g.avail+2, 2), g.availIdx)
}

func (g *guestRing) usedFlags() uint16 {
	return binary.LittleEndian.Uint16(g.slice(g.used, 2))
}

func (g *guestRing) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(g.slice(g.used+2, 2))
}

func (g *guestRing) usedElem(i uint16) (id, length uint32) {
	b := g.slice(g.used+4+uint64(i)*8, 8)
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

func (g *guestRing) fill(addr uint64, data []byte) {
	copy(g.slice(addr, uint64(len(data))), data)
}

// testDevice bundles a device with its fakes and guest-side ring drivers.
type testDevice struct {
	d   *Device
	pci *fakePCI
	mem *guestMem
	fb  *fakeBackend
	rx  *guestRing
	tx  *guestRing
}

func newTestDevice(t *testing.T, fb *fakeBackend, extraOpt string) *testDevice {
	t.Helper()
	mem := &guestMem{buf: make([]byte, testMem)}
	pci := newFakePCI()

	opts := ""
	if fb != nil {
		opts = installFakeBackend(fb)
		if extraOpt != "" {
			opts += "," + extraOpt
		}
	} else if extraOpt != "" {
		opts = extraOpt
	}

	d, err := New(pci, mem, opts, Options{DisableMSIX: true})
	if err != nil {
		t.Fatalf("device init: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	// Give the TX worker time to park on its condition before any kicks.
	time.Sleep(20 * time.Millisecond)

	return &testDevice{
		d:   d,
		pci: pci,
		mem: mem,
		fb:  fb,
		rx:  newGuestRing(t, mem, testRXPFN, ringSize),
		tx:  newGuestRing(t, mem, testTXPFN, ringSize),
	}
}

func (td *testDevice) bindRXRing() {
	td.d.vs.BarWrite(virtio.RegQueueSel, 2, queueRX)
	td.d.vs.BarWrite(virtio.RegQueuePFN, 4, testRXPFN)
}

func (td *testDevice) bindTXRing() {
	td.d.vs.BarWrite(virtio.RegQueueSel, 2, queueTX)
	td.d.vs.BarWrite(virtio.RegQueuePFN, 4, testTXPFN)
}

func (td *testDevice) kick(queue int) {
	td.d.vs.BarWrite(virtio.RegQueueNotify, 2, uint32(queue))
}

func (td *testDevice) negotiate(features uint64) {
	td.d.vs.BarWrite(virtio.RegGuestFeatures, 4, uint32(features))
}

func (td *testDevice) resetDevice() {
	td.d.vs.BarWrite(virtio.RegStatus, 1, 0)
}

func (td *testDevice) configRead(offset uint64, size int) uint32 {
	return td.d.vs.BarRead(uint64(td.d.vs.CfgOffset())+offset, size)
}

func (td *testDevice) configWrite(offset uint64, size int, value uint32) {
	td.d.vs.BarWrite(uint64(td.d.vs.CfgOffset())+offset, size, value)
}

func (td *testDevice) txInProgress() bool {
	td.d.txMtx.Lock()
	defer td.d.txMtx.Unlock()
	return td.d.txInProgress
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
