//go:build linux

package mevent

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Loop dispatches fd-readable events to registered handlers. One dispatch
// goroutine services all registrations; handlers therefore run serialized
// with respect to each other, which is what the RX paths rely on.
type Loop struct {
	epfd int

	mu       sync.Mutex
	handlers map[int]func()
	closed   bool

	wakeR, wakeW int
}

// New creates the loop and starts its dispatch goroutine.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mevent: epoll_create1: %w", err)
	}
	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("mevent: pipe2: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		handlers: make(map[int]func()),
		wakeR:    pipefds[0],
		wakeW:    pipefds[1],
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, &ev); err != nil {
		l.closeFds()
		return nil, fmt.Errorf("mevent: epoll_ctl wakeup: %w", err)
	}
	go l.run()
	return l, nil
}

// AddRead registers fn to run whenever fd is readable. The fd should be
// nonblocking; delivery is level-triggered, so handlers must drain.
func (l *Loop) AddRead(fd int, fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("mevent: loop is closed")
	}
	if _, dup := l.handlers[fd]; dup {
		return fmt.Errorf("mevent: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("mevent: epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = fn
	return nil
}

// Remove drops a registration. Safe to call for fds that were never added.
func (l *Loop) Remove(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return
	}
	delete(l.handlers, fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Close stops the dispatch goroutine and releases the loop's fds.
// Registered fds are not closed; their owners do that.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	_, err := unix.Write(l.wakeW, []byte{0})
	return err
}

func (l *Loop) run() {
	events := make([]unix.EpollEvent, 16)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			slog.Error("mevent: epoll_wait", "err", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				l.closeFds()
				return
			}
			l.mu.Lock()
			fn := l.handlers[fd]
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

func (l *Loop) closeFds() {
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	unix.Close(l.epfd)
}
