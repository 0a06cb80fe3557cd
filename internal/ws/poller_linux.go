//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitBatch bounds how many readiness events one Wait call collects. Larger
// batches amortize the syscall under load; the worker pool still bounds how
// many are read concurrently.
const waitBatch = 128

// Poller delivers read-readiness for registered connections via Linux epoll.
// The gateway holds one socket per chatting client, so readiness is kernel
// driven instead of one blocked goroutine per connection.
type Poller struct {
	fd     int              // epoll instance descriptor
	mu     sync.RWMutex     // guards byFd
	byFd   map[int]net.Conn // registered connections by socket fd
	events []unix.EpollEvent
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, waitBatch),
	}, nil
}

// Add registers a connection for read-readiness and hangup notifications.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.byFd[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a connection. The socket itself is closed by the
// connection manager, not here.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.byFd, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection has pending data and
// returns the ready connections. A connection removed between the kernel
// notification and the lookup is skipped; its removal already handled it.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.byFd[int(p.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byFd = nil
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor through SyscallConn, which borrows the fd
// without duplicating it (net.Conn.File would dup), so the registration stays
// valid for the socket's lifetime.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
