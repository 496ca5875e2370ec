package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"krpc/config"
	"krpc/fault"
	"krpc/loadbalance"
	"krpc/message"
	"krpc/metrics"
	"krpc/registry"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	calls atomic.Int32
	send  func(target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error)
}

func (f *fakeTransport) Send(_ context.Context, target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error) {
	f.calls.Add(1)
	return f.send(target, req)
}

func (f *fakeTransport) Close() error { return nil }

var errDial = errors.New("dial tcp: connection refused")

func newRegistry(t *testing.T, ports ...int) registry.Registry {
	t.Helper()
	cfg := config.DefaultRegistry()
	cfg.Registry = "memory"
	reg := registry.NewMemoryRegistry(registry.NewMemoryStore(0), nil)
	require.NoError(t, reg.Init(context.Background(), &cfg))
	for _, p := range ports {
		require.NoError(t, reg.Register(context.Background(), &message.ServiceMetaInfo{
			ServiceName: "Calc", ServiceVersion: "1.0", ServiceHost: "127.0.0.1", ServicePort: p,
		}))
	}
	t.Cleanup(func() { _ = reg.Destroy(context.Background()) })
	return reg
}

func TestCallConvertsResult(t *testing.T) {
	tr := &fakeTransport{send: func(target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error) {
		assert.Equal(t, "Calc", req.ServiceName)
		assert.Equal(t, "add", req.MethodName)
		assert.Equal(t, []string{"int", "int"}, req.ParameterTypes)
		// JSON 解码后的数字是 float64
		return &message.RpcResponse{Data: float64(7), DataType: "int", Message: "ok"}, nil
	}}
	c := NewClient(newRegistry(t, 8001), tr)
	sum, err := Call2[int](context.Background(), c.Stub("Calc", ""), "add", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 7, sum)
}

func TestRoundRobinAcrossInstances(t *testing.T) {
	var seen []int
	tr := &fakeTransport{send: func(target *message.ServiceMetaInfo, _ *message.RpcRequest) (*message.RpcResponse, error) {
		seen = append(seen, target.ServicePort)
		return &message.RpcResponse{}, nil
	}}
	c := NewClient(newRegistry(t, 8001, 8002), tr, WithBalancer(loadbalance.NewRoundRobin()))
	s := c.Stub("Calc", "1.0")
	for i := 0; i < 4; i++ {
		_, err := s.Invoke(context.Background(), "ping", nil, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{8001, 8002, 8001, 8002}, seen)
}

func TestNoInstances(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(newRegistry(t), tr)
	_, err := Call0[string](context.Background(), c.Stub("Calc", ""), "version")
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
	assert.Zero(t, tr.calls.Load())
}

func TestRetryThenFailFast(t *testing.T) {
	tr := &fakeTransport{send: func(*message.ServiceMetaInfo, *message.RpcRequest) (*message.RpcResponse, error) {
		return nil, errDial
	}}
	m := metrics.New()
	c := NewClient(newRegistry(t, 8001), tr,
		WithRetry(fault.NewFixedIntervalRetry(3, time.Millisecond, nil)),
		WithTolerance(fault.FailFast{}),
		WithMetrics(m))

	_, err := Call0[int](context.Background(), c.Stub("Calc", ""), "count")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrFailFast)
	assert.ErrorIs(t, err, fault.ErrRetryExhausted)
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, int32(3), tr.calls.Load())

	n, err := testutil.GatherAndCount(m.Registry(), "krpc_client_tolerance_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailSafeReturnsZero(t *testing.T) {
	tr := &fakeTransport{send: func(*message.ServiceMetaInfo, *message.RpcRequest) (*message.RpcResponse, error) {
		return nil, errDial
	}}
	c := NewClient(newRegistry(t, 8001), tr, WithTolerance(fault.FailSafe{}))
	v, err := Call1[string](context.Background(), c.Stub("Calc", ""), "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestRemoteError(t *testing.T) {
	tr := &fakeTransport{send: func(*message.ServiceMetaInfo, *message.RpcRequest) (*message.RpcResponse, error) {
		return &message.RpcResponse{Exception: "InvocationError", Message: "division by zero"}, nil
	}}
	c := NewClient(newRegistry(t, 8001), tr, WithRetry(fault.NewFixedIntervalRetry(3, time.Millisecond, nil)))
	_, err := Call2[int](context.Background(), c.Stub("Calc", ""), "div", 1, 0)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "InvocationError", remote.Exception)
	assert.Equal(t, "division by zero", remote.Message)
	assert.Equal(t, "Calc:1.0", remote.Service)
	// 远端异常不重试
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestMockMode(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(newRegistry(t), tr, WithMock(true))
	type user struct{ Name string }
	u, err := Call1[user](context.Background(), c.Stub("UserService", ""), "get", 42)
	require.NoError(t, err)
	assert.Equal(t, user{}, u)
	n, err := Call0[int](context.Background(), c.Stub("UserService", ""), "count")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, tr.calls.Load())
}

func TestBreakerOpensPerInstance(t *testing.T) {
	tr := &fakeTransport{send: func(*message.ServiceMetaInfo, *message.RpcRequest) (*message.RpcResponse, error) {
		return nil, errDial
	}}
	st := DefaultBreakerSettings()
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 }
	st.Timeout = time.Minute
	c := NewClient(newRegistry(t, 8001), tr, WithBreakerSettings(st))
	s := c.Stub("Calc", "")

	for i := 0; i < 2; i++ {
		_, err := s.Invoke(context.Background(), "ping", nil, nil)
		require.ErrorIs(t, err, errDial)
	}
	_, err := s.Invoke(context.Background(), "ping", nil, nil)
	require.Error(t, err)
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, int32(2), tr.calls.Load())
}
