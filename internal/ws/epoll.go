//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// nativePoll reports that readiness comes from the kernel, so the server
// reads one frame per wake-up instead of running a read loop per connection.
const nativePoll = true

const (
	pollBatch     = 128
	pollTimeoutMs = 500 // bounds how long wait outlives close
)

// poller reports connections whose sockets became readable. Connections are
// keyed by descriptor; the descriptor is captured at registration so a
// connection can be unregistered after its socket is gone.
type poller struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int32]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &poller{
		fd:     fd,
		byFD:   make(map[int32]*Connection),
		events: make([]unix.EpollEvent, pollBatch),
	}, nil
}

// add registers c for read readiness. Peer hang-ups are reported too, so a
// half-closed socket wakes a worker whose read then fails.
func (p *poller) add(c *Connection) error {
	fd, err := socketFD(c.Conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}
	c.fd = fd
	p.byFD[int32(fd)] = c
	return nil
}

// remove unregisters c. Calling it for a connection that was never added,
// or twice, does nothing.
func (p *poller) remove(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.fd < 0 {
		return
	}
	if p.byFD[int32(c.fd)] == c {
		delete(p.byFD, int32(c.fd))
		_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
	}
	c.fd = -1
}

// wait blocks up to pollTimeoutMs and appends ready connections to dst[:0].
// An interrupted syscall yields an empty batch rather than an error.
func (p *poller) wait(dst []*Connection) ([]*Connection, error) {
	dst = dst[:0]
	n, err := unix.EpollWait(p.fd, p.events, pollTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return dst, nil
		}
		return dst, fmt.Errorf("ws: epoll wait: %w", err)
	}

	p.mu.RLock()
	for _, ev := range p.events[:n] {
		if c, ok := p.byFD[ev.Fd]; ok {
			dst = append(dst, c)
		}
	}
	p.mu.RUnlock()
	return dst, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	p.byFD = make(map[int32]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD reads the descriptor through SyscallConn. File() would dup it,
// and the duplicate is not what the kernel reports readiness for.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("ws: %T has no file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("ws: syscall conn: %w", err)
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1, fmt.Errorf("ws: read fd: %w", err)
	}
	return fd, nil
}
