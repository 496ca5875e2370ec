// Package transport implements the consumer side of the wire: the multiplexed TCP
// transport with heartbeat, its per-address pool, and the HTTP fallback.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// Each request gets a process-unique request id, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"krpc/codec"
	"krpc/message"
	"krpc/protocol"

	"go.uber.org/zap"
)

var (
	ErrCallTimeout = errors.New("transport: call timed out")
	ErrConnClosed  = errors.New("transport: connection closed")
)

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn       net.Conn
	serializer codec.ID
	logger     *zap.Logger

	pending sync.Map   // map[uint64]chan *protocol.Message
	sending sync.Mutex // one frame at a time, interleaved writes corrupt the stream

	lastWrite atomic.Int64 // unix nanos of the last frame written
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - heartbeatLoop: sends a heartbeat frame whenever the conn was idle for interval
//
// A non-positive heartbeat interval disables the heartbeat.
func NewClientTransport(conn net.Conn, serializer codec.ID, heartbeat time.Duration, logger *zap.Logger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:       conn,
		serializer: serializer,
		logger:     logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:       make(chan struct{}),
	}
	t.lastWrite.Store(time.Now().UnixNano())
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Call sends req under requestID and waits for the matching response, ctx cancellation
// or connection loss. A call abandoned by ctx removes its pending entry.
func (t *ClientTransport) Call(ctx context.Context, requestID uint64, req *message.RpcRequest) (*message.RpcResponse, error) {
	frame, err := protocol.Encode(protocol.NewRequest(t.serializer, requestID, req))
	if err != nil {
		return nil, err
	}

	// register before writing, the response may arrive before Write returns
	ch := make(chan *protocol.Message, 1)
	t.pending.Store(requestID, ch)

	if err := t.write(frame); err != nil {
		t.pending.Delete(requestID)
		return nil, err
	}

	select {
	case msg := <-ch:
		resp, ok := msg.Body.(*message.RpcResponse)
		if !ok {
			return nil, fmt.Errorf("transport: unexpected body %T for request %d", msg.Body, requestID)
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(requestID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request %d", ErrCallTimeout, requestID)
		}
		return nil, ctx.Err()
	case <-t.done:
		t.pending.Delete(requestID)
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, t.closeErr)
	}
}

func (t *ClientTransport) write(frame []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	select {
	case <-t.done:
		return fmt.Errorf("%w: %v", ErrConnClosed, t.closeErr)
	default:
	}
	if _, err := t.conn.Write(frame); err != nil {
		t.closeAllPending(err)
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// recvLoop runs in a dedicated goroutine. Reads must be sequential to keep frame
// boundaries, so there is exactly one reader per connection.
func (t *ClientTransport) recvLoop() {
	err := protocol.ReadFrames(t.conn, func(frame []byte) error {
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.logger.Warn("drop undecodable response", zap.Error(err))
			return nil
		}
		if msg.Header.Type != protocol.TypeResponse {
			return nil
		}
		if ch, ok := t.pending.LoadAndDelete(msg.Header.RequestID); ok {
			ch.(chan *protocol.Message) <- msg
		}
		return nil
	})
	if err == nil {
		err = ErrConnClosed
	}
	t.closeAllPending(err)
}

// closeAllPending marks the transport dead. Every waiting caller observes done.
func (t *ClientTransport) closeAllPending(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.done)
		t.conn.Close()
		t.pending.Clear()
	})
}

// heartbeatLoop keeps idle connections alive so the server side does not reap them.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if time.Since(time.Unix(0, t.lastWrite.Load())) < interval {
			continue
		}
		frame, err := protocol.Encode(protocol.NewHeartbeat(t.serializer))
		if err != nil {
			return
		}
		if err := t.write(frame); err != nil {
			t.logger.Debug("heartbeat failed", zap.Error(err))
			return
		}
	}
}

// Closed reports whether the connection is unusable.
func (t *ClientTransport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close fails every pending call and closes the connection.
func (t *ClientTransport) Close() error {
	t.closeAllPending(ErrConnClosed)
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
