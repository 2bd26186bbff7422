//go:build linux

package netbe

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtnet/internal/mevent"
	"github.com/tinyrange/virtnet/internal/virtio"
)

func init() {
	Register("tap", openTap)
}

// tapBackend drives a kernel tap device with IFF_VNET_HDR, so the kernel
// produces and consumes the same per-frame vnet header the guest does.
// Offloaded (checksum/TSO) frames pass through untouched.
type tapBackend struct {
	f    *os.File
	fd   int
	name string
	loop *mevent.Loop
}

func openTap(spec string, cb RxCallback, loop *mevent.Loop) (Backend, error) {
	if loop == nil {
		return nil, fmt.Errorf("netbe: tap backend requires an event loop")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netbe: open /dev/net/tun: %w", err)
	}
	req, err := unix.NewIfreq(spec)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netbe: tap name %q: %w", spec, err)
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netbe: TUNSETIFF %q: %w", spec, err)
	}

	be := &tapBackend{
		f:    os.NewFile(uintptr(fd), req.Name()),
		fd:   fd,
		name: req.Name(),
		loop: loop,
	}
	// Header length until negotiation says otherwise.
	if err := unix.IoctlSetInt(fd, unix.TUNSETVNETHDRSZ, 10); err != nil {
		be.f.Close()
		return nil, fmt.Errorf("netbe: TUNSETVNETHDRSZ: %w", err)
	}
	if err := loop.AddRead(fd, func() { cb() }); err != nil {
		be.f.Close()
		return nil, err
	}
	slog.Debug("netbe: tap opened", "name", be.name)
	return be, nil
}

func (t *tapBackend) Send(iov [][]byte, length int, more bool) (int, error) {
	_ = more
	n, err := unix.Writev(t.fd, iov)
	if err != nil {
		return 0, fmt.Errorf("netbe: tap %s writev: %w", t.name, err)
	}
	if n != length {
		slog.Debug("netbe: tap short send", "name", t.name, "wrote", n, "want", length)
	}
	return n, nil
}

func (t *tapBackend) Recv(iov [][]byte) (int, error) {
	n, err := unix.Readv(t.fd, iov)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("netbe: tap %s readv: %w", t.name, err)
	}
	return n, nil
}

// Capabilities advertises the offloads the kernel tap path can carry. The
// guest-direction bits become real only once SetCapabilities programs
// TUNSETOFFLOAD.
func (t *tapBackend) Capabilities() uint64 {
	return virtio.NetFCsum | virtio.NetFGuestCsum |
		virtio.NetFHostTSO4 | virtio.NetFHostTSO6 |
		virtio.NetFGuestTSO4 | virtio.NetFGuestTSO6
}

func (t *tapBackend) SetCapabilities(features uint64, vhdrLen int) error {
	if err := unix.IoctlSetInt(t.fd, unix.TUNSETVNETHDRSZ, vhdrLen); err != nil {
		return fmt.Errorf("netbe: TUNSETVNETHDRSZ %d: %w", vhdrLen, err)
	}
	var offload uint
	if features&virtio.NetFGuestCsum != 0 {
		offload |= unix.TUN_F_CSUM
	}
	if features&virtio.NetFGuestTSO4 != 0 {
		offload |= unix.TUN_F_TSO4
	}
	if features&virtio.NetFGuestTSO6 != 0 {
		offload |= unix.TUN_F_TSO6
	}
	if err := unix.IoctlSetInt(t.fd, unix.TUNSETOFFLOAD, int(offload)); err != nil {
		return fmt.Errorf("netbe: TUNSETOFFLOAD %#x: %w", offload, err)
	}
	return nil
}

func (t *tapBackend) Close() error {
	t.loop.Remove(t.fd)
	return t.f.Close()
}
