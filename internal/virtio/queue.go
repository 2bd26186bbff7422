package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Queue is one split virtqueue. The rings live in guest memory; this struct
// only holds the handle state the device needs to walk them. All methods
// assume the caller serializes access per queue (the device's RX/TX
// disciplines do exactly that).
type Queue struct {
	vs    *Softc
	index int
	qsize uint16

	// Notify is invoked on the vCPU thread when the guest writes this
	// queue's index to the queue-notify register.
	Notify func(*Queue)

	enabled   bool
	pfn       uint32
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail  uint16
	usedIdx    uint16
	savedUsed  uint16
	msixVector uint16
}

// Chain is one descriptor chain fetched from the avail ring. Iov aliases
// guest memory directly so backends can scatter/gather without copies.
type Chain struct {
	Head uint16
	Iov  [][]byte
}

// Len returns the total byte length of the chain's segments.
func (c Chain) Len() int {
	total := 0
	for _, seg := range c.Iov {
		total += len(seg)
	}
	return total
}

// Size returns the configured ring size.
func (q *Queue) Size() uint16 { return q.qsize }

// Ready reports whether the guest has programmed the ring addresses.
func (q *Queue) Ready() bool { return q.enabled }

// init computes the legacy ring layout from a page frame number written to
// the queue-PFN register: descriptor table, then the avail ring, then the
// used ring aligned up to the next page.
func (q *Queue) init(pfn uint32) {
	if pfn == 0 {
		q.reset()
		return
	}
	base := uint64(pfn) << pfnShift
	q.pfn = pfn
	q.descAddr = base
	q.availAddr = base + uint64(q.qsize)*descSize
	availBytes := uint64(2+q.qsize+1) * 2
	q.usedAddr = base + roundUp(uint64(q.qsize)*descSize+availBytes, ringAlign)
	q.lastAvail = 0
	q.usedIdx = 0
	q.savedUsed = 0
	q.enabled = true
}

func (q *Queue) reset() {
	q.enabled = false
	q.pfn = 0
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvail = 0
	q.usedIdx = 0
	q.savedUsed = 0
	q.msixVector = MSIXNoVector
}

// HasDescs reports whether the avail ring holds chains the device has not
// yet fetched.
func (q *Queue) HasDescs() bool {
	if !q.enabled {
		return false
	}
	availIdx, err := readUint16(q.vs.mem, q.availAddr+2)
	if err != nil {
		return false
	}
	return availIdx != q.lastAvail
}

// availFlags reads the avail ring flags (interrupt suppression).
func (q *Queue) availFlags() uint16 {
	flags, err := readUint16(q.vs.mem, q.availAddr)
	if err != nil {
		return 0
	}
	return flags
}

// SetNoNotify sets VRING_USED_F_NO_NOTIFY in the used ring, telling the
// guest to stop kicking while the device drains.
func (q *Queue) SetNoNotify() {
	q.setUsedFlag(usedFNoNotify, true)
}

// ClearNoNotify reopens the notification window.
func (q *Queue) ClearNoNotify() {
	q.setUsedFlag(usedFNoNotify, false)
}

func (q *Queue) setUsedFlag(bit uint16, on bool) {
	if !q.enabled {
		return
	}
	flags, err := readUint16(q.vs.mem, q.usedAddr)
	if err != nil {
		return
	}
	if on {
		flags |= bit
	} else {
		flags &^= bit
	}
	_ = writeUint16(q.vs.mem, q.usedAddr, flags)
}

// NoNotify reports whether kick suppression is currently set.
func (q *Queue) NoNotify() bool {
	if !q.enabled {
		return false
	}
	flags, err := readUint16(q.vs.mem, q.usedAddr)
	if err != nil {
		return false
	}
	return flags&usedFNoNotify != 0
}

// NextChain fetches the next avail chain as a scatter/gather list. Returns
// ok=false when the ring is empty. Indirect descriptors are flattened.
// Chains are bounded by maxSegs; anything longer is a driver contract
// violation and surfaces as an error.
func (q *Queue) NextChain(maxSegs int) (Chain, bool, error) {
	if !q.enabled {
		return Chain{}, false, fmt.Errorf("virtio: queue %d not set up", q.index)
	}
	availIdx, err := readUint16(q.vs.mem, q.availAddr+2)
	if err != nil {
		return Chain{}, false, err
	}
	if availIdx == q.lastAvail {
		return Chain{}, false, nil
	}
	if ndesc := uint16(availIdx - q.lastAvail); ndesc > q.qsize {
		return Chain{}, false, fmt.Errorf("virtio: queue %d avail index %d runs ahead of device by %d (ring size %d)",
			q.index, availIdx, ndesc, q.qsize)
	}

	slot := q.availAddr + 4 + uint64(q.lastAvail%q.qsize)*2
	head, err := readUint16(q.vs.mem, slot)
	if err != nil {
		return Chain{}, false, err
	}
	if head >= q.qsize {
		return Chain{}, false, fmt.Errorf("virtio: queue %d avail entry %d out of range", q.index, head)
	}
	q.lastAvail++

	iov, err := q.walkChain(head, maxSegs)
	if err != nil {
		return Chain{}, false, err
	}
	return Chain{Head: head, Iov: iov}, true, nil
}

func (q *Queue) walkChain(head uint16, maxSegs int) ([][]byte, error) {
	var iov [][]byte
	next := head
	for hops := uint16(0); ; hops++ {
		if hops >= q.qsize {
			return nil, fmt.Errorf("virtio: queue %d descriptor loop at head %d", q.index, head)
		}
		desc, err := q.readDesc(q.descAddr, next)
		if err != nil {
			return nil, err
		}
		if desc.flags&descFIndirect != 0 {
			iov, err = q.walkIndirect(iov, desc, maxSegs)
			if err != nil {
				return nil, err
			}
		} else {
			iov, err = q.appendSeg(iov, desc, maxSegs)
			if err != nil {
				return nil, err
			}
		}
		if desc.flags&descFNext == 0 {
			return iov, nil
		}
		if desc.next >= q.qsize {
			return nil, fmt.Errorf("virtio: queue %d descriptor %d links out of range (%d)", q.index, next, desc.next)
		}
		next = desc.next
	}
}

func (q *Queue) walkIndirect(iov [][]byte, ind desc, maxSegs int) ([][]byte, error) {
	if ind.length == 0 || ind.length%descSize != 0 {
		return nil, fmt.Errorf("virtio: queue %d indirect table length %d not a descriptor multiple", q.index, ind.length)
	}
	n := ind.length / descSize
	next := uint16(0)
	for hops := uint32(0); ; hops++ {
		if hops >= n {
			return nil, fmt.Errorf("virtio: queue %d indirect descriptor loop", q.index)
		}
		d, err := q.readDesc(ind.addr, next)
		if err != nil {
			return nil, err
		}
		if d.flags&descFIndirect != 0 {
			return nil, fmt.Errorf("virtio: queue %d nested indirect descriptor", q.index)
		}
		iov, err = q.appendSeg(iov, d, maxSegs)
		if err != nil {
			return nil, err
		}
		if d.flags&descFNext == 0 {
			return iov, nil
		}
		if uint32(d.next) >= n {
			return nil, fmt.Errorf("virtio: queue %d indirect link out of range", q.index)
		}
		next = d.next
	}
}

func (q *Queue) appendSeg(iov [][]byte, d desc, maxSegs int) ([][]byte, error) {
	if len(iov) >= maxSegs {
		return nil, fmt.Errorf("virtio: queue %d chain exceeds %d segments", q.index, maxSegs)
	}
	if d.length == 0 {
		return iov, nil
	}
	seg, err := q.vs.mem.Slice(d.addr, uint64(d.length))
	if err != nil {
		return nil, fmt.Errorf("virtio: queue %d descriptor maps outside guest memory: %w", q.index, err)
	}
	return append(iov, seg), nil
}

type desc struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDesc(table uint64, idx uint16) (desc, error) {
	b, err := q.vs.mem.Slice(table+uint64(idx)*descSize, descSize)
	if err != nil {
		return desc{}, err
	}
	return desc{
		addr:   binary.LittleEndian.Uint64(b[0:8]),
		length: binary.LittleEndian.Uint32(b[8:12]),
		flags:  binary.LittleEndian.Uint16(b[12:14]),
		next:   binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// RelChain publishes a finished chain to the used ring with the number of
// bytes the device wrote (or, for TX, the total chain length).
func (q *Queue) RelChain(head uint16, length uint32) {
	if !q.enabled {
		return
	}
	slot := q.usedAddr + 4 + uint64(q.usedIdx%q.qsize)*8
	if err := writeUint32(q.vs.mem, slot, uint32(head)); err != nil {
		slog.Warn("virtio: used ring write failed", "queue", q.index, "err", err)
		return
	}
	_ = writeUint32(q.vs.mem, slot+4, length)
	q.usedIdx++
	_ = writeUint16(q.vs.mem, q.usedAddr+2, q.usedIdx)
}

// RetChain returns the most recently fetched chain to the avail ring
// untouched. Used when the backend had nothing for a buffer we already
// claimed.
func (q *Queue) RetChain() {
	q.lastAvail--
}

// EndChains ends a batch of RelChain calls and injects an interrupt when
// warranted: always when the device drained the ring to empty and
// NOTIFY_ON_EMPTY was negotiated, otherwise only when something was
// published since the last batch and the guest has not suppressed
// interrupts.
func (q *Queue) EndChains(usedAllAvail bool) {
	if !q.enabled {
		return
	}
	oldIdx := q.savedUsed
	newIdx := q.usedIdx
	q.savedUsed = newIdx

	var intr bool
	if usedAllAvail && q.vs.negotiated&FNotifyOnEmpty != 0 {
		intr = true
	} else {
		intr = newIdx != oldIdx && q.availFlags()&availFNoInterrupt == 0
	}
	if intr {
		q.vs.queueInterrupt(q)
	}
}
