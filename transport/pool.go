package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Pool holds up to size multiplexed transports to one address.
//
// Connections are shared, not borrowed: a multiplexed ClientTransport carries many
// concurrent calls, so Get hands out the next live one in round-robin order and dials
// lazily until the pool is full. Dead connections are dropped on the next Get.
type Pool struct {
	mu     sync.Mutex
	addr   string
	size   int
	conns  []*ClientTransport
	next   atomic.Uint64
	closed bool
	dial   func(ctx context.Context, addr string) (*ClientTransport, error)
}

func NewPool(addr string, size int, dial func(ctx context.Context, addr string) (*ClientTransport, error)) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{addr: addr, size: size, dial: dial}
}

// Get returns a live transport, dialing a new one while the pool is below size.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	live := p.conns[:0]
	for _, c := range p.conns {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	clear(p.conns[len(live):])
	p.conns = live

	if len(p.conns) < p.size {
		c, err := p.dial(ctx, p.addr)
		if err != nil {
			if len(p.conns) > 0 {
				return p.pick(), nil
			}
			return nil, err
		}
		p.conns = append(p.conns, c)
		return c, nil
	}
	return p.pick(), nil
}

func (p *Pool) pick() *ClientTransport {
	return p.conns[(p.next.Add(1)-1)%uint64(len(p.conns))]
}

// Len returns the number of connections currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
	return nil
}
