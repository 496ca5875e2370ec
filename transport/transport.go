package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"krpc/codec"
	"krpc/message"

	"go.uber.org/zap"
)

// Transport delivers one request to one provider instance and returns its response.
type Transport interface {
	Send(ctx context.Context, target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error)
	Close() error
}

type options struct {
	serializer  codec.ID
	callTimeout time.Duration
	dialTimeout time.Duration
	heartbeat   time.Duration
	poolSize    int
	ids         *IDGenerator
	logger      *zap.Logger
}

type Option func(*options)

func WithSerializer(id codec.ID) Option {
	return func(o *options) { o.serializer = id }
}

// WithCallTimeout bounds every call whose ctx carries no deadline of its own.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func WithIDGenerator(g *IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{
		serializer:  codec.JSON,
		callTimeout: 5 * time.Second,
		dialTimeout: 3 * time.Second,
		heartbeat:   30 * time.Second,
		poolSize:    2,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if !codec.Known(o.serializer) {
		return nil, fmt.Errorf("%w: id %d", codec.ErrUnknownCodec, o.serializer)
	}
	if o.ids == nil {
		ids, err := NewIDGenerator(1)
		if err != nil {
			return nil, err
		}
		o.ids = ids
	}
	return o, nil
}

func (o *options) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.callTimeout)
}

// TCPTransport speaks the binary protocol over pooled multiplexed connections.
type TCPTransport struct {
	opts  *options
	mu    sync.Mutex
	pools map[string]*Pool
}

func NewTCPTransport(opts ...Option) (*TCPTransport, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{opts: o, pools: make(map[string]*Pool)}, nil
}

func (t *TCPTransport) pool(addr string) *Pool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pools[addr]
	if !ok {
		p = NewPool(addr, t.opts.poolSize, t.dial)
		t.pools[addr] = p
	}
	return p
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (*ClientTransport, error) {
	d := net.Dialer{Timeout: t.opts.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t.opts.logger.Debug("dialed provider", zap.String("addr", addr))
	return NewClientTransport(conn, t.opts.serializer, t.opts.heartbeat, t.opts.logger), nil
}

// Send picks a pooled connection to target and performs one call on it.
func (t *TCPTransport) Send(ctx context.Context, target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error) {
	ctx, cancel := t.opts.withDeadline(ctx)
	defer cancel()

	addr := target.ServiceAddress()
	ct, err := t.pool(addr).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", addr, err)
	}
	return ct.Call(ctx, t.opts.ids.Next(), req)
}

// Close closes every pooled connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, p := range t.pools {
		p.Close()
		delete(t.pools, addr)
	}
	return nil
}
