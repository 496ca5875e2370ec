package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"krpc/codec"
	"krpc/message"
	"krpc/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arith() *server.LocalRegistry {
	svc := server.NewService("Arith")
	server.Method2(svc, "add", func(_ context.Context, a, b int) (int, error) { return a + b, nil })
	server.Method1(svc, "sleep", func(ctx context.Context, ms int) (string, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return "awake", nil
	})
	local := server.NewLocalRegistry()
	local.Register("Arith", svc)
	return local
}

func startServer(t *testing.T) *message.ServiceMetaInfo {
	t.Helper()
	srv := server.NewServer(server.NewDispatcher(arith(), nil))
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return targetOf(t, srv.Addr())
}

func startHTTPServer(t *testing.T) *message.ServiceMetaInfo {
	t.Helper()
	srv := server.NewHTTPServer(server.NewDispatcher(arith(), nil), nil, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return targetOf(t, srv.Addr())
}

func targetOf(t *testing.T, addr net.Addr) *message.ServiceMetaInfo {
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &message.ServiceMetaInfo{ServiceName: "Arith", ServiceVersion: "1.0", ServiceHost: host, ServicePort: p}
}

func addReq(a, b int) *message.RpcRequest {
	return message.NewRequest("Arith", "", "add", []string{"int", "int"}, []any{a, b})
}

func resultInt(t *testing.T, resp *message.RpcResponse) int {
	require.False(t, resp.Failed(), "%s: %s", resp.Exception, resp.Message)
	n, err := codec.Convert[int](&codec.JSONCodec{}, resp.Data)
	require.NoError(t, err)
	return n
}

func TestTCPTransportSerial(t *testing.T) {
	target := startServer(t)
	for _, id := range []codec.ID{codec.JSON, codec.Msgpack} {
		tr, err := NewTCPTransport(WithSerializer(id))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			resp, err := tr.Send(context.Background(), target, addReq(i, 10))
			require.NoError(t, err)
			assert.Equal(t, i+10, resultInt(t, resp))
		}
		require.NoError(t, tr.Close())
	}
}

func TestTCPTransportConcurrent(t *testing.T) {
	target := startServer(t)
	tr, err := NewTCPTransport(WithPoolSize(2))
	require.NoError(t, err)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), target, addReq(i, i))
			if assert.NoError(t, err) {
				n, err := codec.Convert[int](&codec.JSONCodec{}, resp.Data)
				assert.NoError(t, err)
				assert.Equal(t, 2*i, n)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, tr.pool(target.ServiceAddress()).Len(), 2)
}

// silentServer accepts connections and reads forever without replying.
func silentServer(t *testing.T) *message.ServiceMetaInfo {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return targetOf(t, l.Addr())
}

func pendingCount(ct *ClientTransport) int {
	n := 0
	ct.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}

func TestCallTimeoutReleasesPending(t *testing.T) {
	target := silentServer(t)
	conn, err := net.Dial("tcp", target.ServiceAddress())
	require.NoError(t, err)
	ct := NewClientTransport(conn, codec.JSON, 0, nil)
	defer ct.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ct.Call(ctx, 1, addReq(1, 2))
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Zero(t, pendingCount(ct))
	assert.False(t, ct.Closed(), "a timed out call leaves the connection usable")
}

func TestTransportCallTimeoutOption(t *testing.T) {
	target := silentServer(t)
	tr, err := NewTCPTransport(WithCallTimeout(50 * time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()

	start := time.Now()
	_, err = tr.Send(context.Background(), target, addReq(1, 2))
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnLossFailsPending(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // 收到请求后直接断开
		conn.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	ct := NewClientTransport(conn, codec.JSON, 0, nil)

	_, err = ct.Call(context.Background(), 7, addReq(1, 2))
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.True(t, ct.Closed())
	assert.Zero(t, pendingCount(ct))
}

func TestPoolEvictsDeadConnections(t *testing.T) {
	target := startServer(t)
	tr, err := NewTCPTransport(WithPoolSize(1))
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), target, addReq(1, 1))
	require.NoError(t, err)
	p := tr.pool(target.ServiceAddress())
	first, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, p.Len())

	resp, err := tr.Send(context.Background(), target, addReq(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, resultInt(t, resp))

	require.NoError(t, p.Close())
	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDialFailure(t *testing.T) {
	tr, err := NewTCPTransport(WithDialTimeout(200 * time.Millisecond))
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), &message.ServiceMetaInfo{ServiceHost: "127.0.0.1", ServicePort: 1}, addReq(1, 1))
	assert.Error(t, err)
}

func TestUnknownSerializer(t *testing.T) {
	_, err := NewTCPTransport(WithSerializer(codec.ID(9)))
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)
}

func TestHTTPTransport(t *testing.T) {
	target := startHTTPServer(t)
	for _, id := range []codec.ID{codec.JSON, codec.Msgpack} {
		tr, err := NewHTTPTransport(WithSerializer(id))
		require.NoError(t, err)

		resp, err := tr.Send(context.Background(), target, addReq(20, 22))
		require.NoError(t, err)
		assert.Equal(t, 42, resultInt(t, resp))

		resp, err = tr.Send(context.Background(), target, message.NewRequest("Nope", "", "x", nil, nil))
		require.NoError(t, err)
		assert.Equal(t, server.ExceptionServiceNotFound, resp.Exception)
		require.NoError(t, tr.Close())
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	target := startHTTPServer(t)
	tr, err := NewHTTPTransport(WithCallTimeout(30 * time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(context.Background(), target,
		message.NewRequest("Arith", "", "sleep", []string{"int"}, []any{300}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCallTimeout))
}

func TestIDGeneratorUnique(t *testing.T) {
	g, err := NewIDGenerator(3)
	require.NoError(t, err)
	seen := make(map[uint64]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.False(t, seen[id])
		seen[id] = true
	}
	_, err = NewIDGenerator(5000)
	assert.Error(t, err)
}
