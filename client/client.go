// Package client runs the consumer side of a call: discover, select, send with
// retry and circuit breaking, then fall back to the tolerance strategy.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krpc/codec"
	"krpc/fault"
	"krpc/loadbalance"
	"krpc/message"
	"krpc/metrics"
	"krpc/registry"
	"krpc/transport"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// RemoteError is an exception the provider captured while invoking the method.
type RemoteError struct {
	Service   string
	Method    string
	Exception string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s#%s: %s: %s", e.Service, e.Method, e.Exception, e.Message)
}

type Client struct {
	registry  registry.Registry
	transport transport.Transport
	balancer  loadbalance.LoadBalancer
	retry     fault.RetryStrategy
	tolerance fault.ToleranceStrategy
	codec     codec.Codec
	mock      bool
	logger    *zap.Logger
	metrics   *metrics.Metrics

	breakerSettings gobreaker.Settings
	breakers        sync.Map // address → *gobreaker.CircuitBreaker[*message.RpcResponse]
}

type Option func(*Client)

func WithBalancer(b loadbalance.LoadBalancer) Option {
	return func(c *Client) { c.balancer = b }
}

func WithRetry(r fault.RetryStrategy) Option {
	return func(c *Client) { c.retry = r }
}

func WithTolerance(t fault.ToleranceStrategy) Option {
	return func(c *Client) { c.tolerance = t }
}

// WithMock makes every call return the zero value of its result type without I/O.
func WithMock(mock bool) Option {
	return func(c *Client) { c.mock = mock }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCodec sets the codec response data is converted with; it should match the
// transport's serializer.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// WithBreakerSettings replaces the per-instance breaker settings. Name is filled
// with the instance address.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(c *Client) { c.breakerSettings = s }
}

// DefaultBreakerSettings trips after 5 consecutive transport failures and probes
// again after 10s.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

func NewClient(reg registry.Registry, tr transport.Transport, opts ...Option) *Client {
	c := &Client{
		registry:        reg,
		transport:       tr,
		balancer:        loadbalance.NewRoundRobin(),
		retry:           fault.NoRetry{},
		tolerance:       fault.FailFast{},
		codec:           &codec.JSONCodec{},
		logger:          zap.NewNop(),
		breakerSettings: DefaultBreakerSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke performs one call and returns the raw response. A response carrying a
// remote exception is returned as is, with a nil error.
func (c *Client) Invoke(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
	start := time.Now()
	resp, err := c.invoke(ctx, req)
	c.metrics.ObserveClientCall(req.ServiceName, req.MethodName, err, time.Since(start))
	return resp, err
}

func (c *Client) invoke(ctx context.Context, req *message.RpcRequest) (*message.RpcResponse, error) {
	serviceKey := req.ServiceKey()
	instances, err := c.registry.Discover(ctx, serviceKey)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", loadbalance.ErrNoInstances, serviceKey)
	}

	params := map[string]any{"methodName": req.MethodName}
	selected, err := c.balancer.Select(params, instances)
	if err != nil {
		return nil, err
	}

	attempt := 0
	resp, err := c.retry.DoRetry(ctx, func(ctx context.Context) (*message.RpcResponse, error) {
		if attempt++; attempt > 1 {
			c.metrics.IncRetry(req.ServiceName)
		}
		return c.send(ctx, selected, req)
	})
	if err == nil {
		return resp, nil
	}

	c.logger.Warn("call failed",
		zap.String("service", serviceKey), zap.String("method", req.MethodName),
		zap.String("address", selected.ServiceAddress()), zap.Error(err))
	c.metrics.IncTolerance(req.ServiceName)
	return c.tolerance.DoTolerance(ctx, &fault.ToleranceContext{
		Request:   req,
		Instances: instances,
		Selected:  selected,
	}, err)
}

func (c *Client) send(ctx context.Context, target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error) {
	return c.breaker(target.ServiceAddress()).Execute(func() (*message.RpcResponse, error) {
		return c.transport.Send(ctx, target, req)
	})
}

func (c *Client) breaker(addr string) *gobreaker.CircuitBreaker[*message.RpcResponse] {
	if b, ok := c.breakers.Load(addr); ok {
		return b.(*gobreaker.CircuitBreaker[*message.RpcResponse])
	}
	st := c.breakerSettings
	st.Name = addr
	logger := c.logger
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Info("circuit breaker state changed",
			zap.String("address", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	b, _ := c.breakers.LoadOrStore(addr, gobreaker.NewCircuitBreaker[*message.RpcResponse](st))
	return b.(*gobreaker.CircuitBreaker[*message.RpcResponse])
}

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
