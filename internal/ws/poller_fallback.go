//go:build !linux

package ws

import (
	"net"
	"sync"
)

// waitBatch bounds the readiness channel, mirroring the epoll build's event
// batch size.
const waitBatch = 128

// Poller is the non-Linux fallback: one goroutine per connection blocks on a
// one-byte read and reports readiness over a channel. Good enough for local
// development on macOS or Windows; production runs the epoll build.
type Poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, waitBatch),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its watch goroutine.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read until data arrives or the connection
// errors, signalling readiness either way so the server's read path observes
// the data or the closure. The consumed byte is lost; the Linux build does
// not have this problem and the fallback is for development only.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}

		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection. Its watch goroutine exits on the next
// read error after the manager closes the socket.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued so the caller gets a batch like the epoll build produces.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all watch goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connection lookups on this build go
// through the net.Conn map instead.
func socketFD(conn net.Conn) int {
	return -1
}
