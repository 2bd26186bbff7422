package virtio

import (
	"encoding/binary"
	"fmt"
)

// GuestMemory translates guest-physical addresses into host slices. Ring
// state and frame buffers are only ever touched through this interface; the
// transport never holds raw pointers into the guest.
type GuestMemory interface {
	// Slice returns a writable view of [addr, addr+length). It must fail,
	// not truncate, when the range is outside guest memory.
	Slice(addr uint64, length uint64) ([]byte, error)
}

func readUint16(mem GuestMemory, addr uint64) (uint16, error) {
	b, err := mem.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func writeUint16(mem GuestMemory, addr uint64, value uint16) error {
	b, err := mem.Slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, value)
	return nil
}

func writeUint32(mem GuestMemory, addr uint64, value uint32) error {
	b, err := mem.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

func roundUp(v, align uint64) uint64 {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("virtio: bad alignment %d", align))
	}
	return (v + align - 1) &^ (align - 1)
}
