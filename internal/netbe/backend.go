// Package netbe implements the network backends a virtio-net frontend
// binds to. A backend moves ethernet frames (with their vnet headers)
// between the guest's descriptor chains and the host network.
package netbe

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/virtnet/internal/mevent"
)

// RxCallback is invoked by a backend whenever inbound frames are ready.
// The frontend drains them with Recv until it returns 0.
type RxCallback func()

// Backend is the frame-moving collaborator bound to a device at init.
type Backend interface {
	// Send transmits one frame described by iov (vnet header first).
	// length is the total byte count across iov; more hints that further
	// frames of the same batch follow.
	Send(iov [][]byte, length int, more bool) (int, error)

	// Recv scatters the next pending inbound frame (vnet header included)
	// into iov. Returns 0 when no frame is waiting; an error aborts the
	// caller's drain pass.
	Recv(iov [][]byte) (int, error)

	// Capabilities returns virtio-net feature bits this backend can honor.
	Capabilities() uint64

	// SetCapabilities propagates the negotiated features and the vnet
	// header length the guest expects.
	SetCapabilities(features uint64, vhdrLen int) error

	Close() error
}

// ErrNoBackend is returned by Open when no registered backend matches the
// device spec.
var ErrNoBackend = errors.New("netbe: no backend for device spec")

// OpenFunc opens a backend from its device spec, e.g. "tap0". loop may be
// nil for backends that do not service a file descriptor.
type OpenFunc func(spec string, cb RxCallback, loop *mevent.Loop) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]OpenFunc{}
)

// Register installs a backend constructor under a spec prefix. Called from
// backend init functions.
func Register(prefix string, fn OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[prefix]; dup {
		panic(fmt.Sprintf("netbe: duplicate backend prefix %q", prefix))
	}
	registry[prefix] = fn
}

// Open selects a backend by the longest registered prefix of spec and opens
// it. cb fires on the event-loop (or backend pump) thread when frames are
// pending.
func Open(spec string, cb RxCallback, loop *mevent.Loop) (Backend, error) {
	registryMu.Lock()
	prefixes := make([]string, 0, len(registry))
	for p := range registry {
		prefixes = append(prefixes, p)
	}
	registryMu.Unlock()

	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(spec, p) {
			registryMu.Lock()
			fn := registry[p]
			registryMu.Unlock()
			return fn(spec, cb, loop)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoBackend, spec)
}

func iovTotal(iov [][]byte) int {
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	return total
}

// scatter copies buf across iov, returning the number of bytes placed.
func scatter(buf []byte, iov [][]byte) int {
	written := 0
	for _, seg := range iov {
		if len(buf) == 0 {
			break
		}
		n := copy(seg, buf)
		buf = buf[n:]
		written += n
	}
	return written
}

// gather concatenates iov into a single buffer.
func gather(iov [][]byte) []byte {
	buf := make([]byte, 0, iovTotal(iov))
	for _, seg := range iov {
		buf = append(buf, seg...)
	}
	return buf
}
