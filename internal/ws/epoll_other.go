//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Without epoll the server starts a read goroutine per connection and the
// poller never reports readiness.
const nativePoll = false

type poller struct {
	done chan struct{}
	once sync.Once
}

func newPoller() (*poller, error) {
	return &poller{done: make(chan struct{})}, nil
}

func (p *poller) add(*Connection) error { return nil }

func (p *poller) remove(*Connection) {}

// wait parks the event loop until close.
func (p *poller) wait(dst []*Connection) ([]*Connection, error) {
	<-p.done
	return dst[:0], net.ErrClosed
}

func (p *poller) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
