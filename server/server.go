// Package server implements the provider side: the local service table, the dispatcher,
// and the TCP and HTTP servers in front of it.
//
// Request processing pipeline (TCP):
//
//	Accept conn → handleConn (single goroutine runs the framer)
//	  → for each request frame: go handleRequest (parallel processing)
//	    → protocol.Decode → Middleware Chain → Dispatcher → protocol.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"krpc/codec"
	"krpc/message"
	"krpc/metrics"
	"krpc/middleware"
	"krpc/protocol"

	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server speaks the binary protocol over TCP.
type Server struct {
	dispatcher  *Dispatcher
	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	shutdown    atomic.Bool    // set before closing the listener so Accept errors are expected
	trackMu     sync.Mutex     // orders wg.Add against the shutdown flag
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	conns       sync.Map // map[net.Conn]struct{}
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewServer(d *Dispatcher, opts ...Option) *Server {
	s := &Server{dispatcher: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds address ("host:port", port 0 picks a free one).
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown. It returns nil after a Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server: Serve called before Listen")
	}
	// build the chain once at startup, not per request
	s.handler = middleware.Chain(s.middlewares...)(s.observe(s.dispatcher.Dispatch))
	s.logger.Info("rpc server listening", zap.String("addr", s.listener.Addr().String()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.conns.Store(conn, struct{}{})
		go s.handleConn(conn)
	}
}

func (s *Server) ListenAndServe(address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) observe(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
		resp := next(ctx, req)
		s.metrics.ObserveServerRequest(req.ServiceName, req.MethodName, resp.Failed())
		return resp
	}
}

// handleConn runs the framer for one connection. Frames are read sequentially,
// requests are processed in parallel and share a per-connection write lock.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}

	err := protocol.ReadFrames(conn, func(frame []byte) error {
		msg, err := protocol.Decode(frame)
		if err != nil {
			s.rejectFrame(conn, writeMu, err)
			return nil
		}
		switch msg.Header.Type {
		case protocol.TypeRequest:
			if !s.track() {
				s.write(conn, writeMu, protocol.NewResponse(msg.Header, protocol.StatusBadResponse,
					&message.RpcResponse{Exception: ExceptionShuttingDown, Message: "server is shutting down"}))
				return nil
			}
			go s.handleRequest(conn, writeMu, msg)
		case protocol.TypeHeartbeat:
			// keep-alive only
		default:
			s.logger.Debug("ignore frame", zap.Stringer("type", msg.Header.Type))
		}
		return nil
	})
	if err != nil && !s.shutdown.Load() {
		s.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
	}
}

// track counts a request as in flight unless Shutdown has already begun.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// rejectFrame answers BAD_REQUEST when the request id is known. The framing state
// is untouched, the next frame is read normally.
func (s *Server) rejectFrame(conn net.Conn, writeMu *sync.Mutex, err error) {
	s.logger.Warn("reject frame", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))

	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) || pe.Header == nil || pe.Header.Type != protocol.TypeRequest {
		return
	}
	h := *pe.Header
	if !codec.Known(h.Serializer) {
		h.Serializer = codec.JSON
	}
	s.write(conn, writeMu, protocol.NewResponse(h, protocol.StatusBadRequest,
		&message.RpcResponse{Exception: ExceptionBadRequest, Message: err.Error()}))
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, msg *protocol.Message) {
	defer s.wg.Done()

	req := msg.Body.(*message.RpcRequest)
	c, _ := codec.Get(msg.Header.Serializer) // Decode already validated the id
	resp := s.handler(WithCodec(context.Background(), c), req)

	status := protocol.StatusOK
	if resp.Failed() {
		status = protocol.StatusBadResponse
	}
	s.write(conn, writeMu, protocol.NewResponse(msg.Header, status, resp))
}

func (s *Server) write(conn net.Conn, writeMu *sync.Mutex, msg *protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		// e.g. the service returned a value the codec cannot represent
		frame, err = protocol.Encode(protocol.NewResponse(msg.Header, protocol.StatusBadResponse,
			&message.RpcResponse{Exception: ExceptionInvocation, Message: err.Error()}))
		if err != nil {
			s.logger.Error("encode response failed", zap.Uint64("requestId", msg.Header.RequestID), zap.Error(err))
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		s.logger.Warn("write response failed", zap.Uint64("requestId", msg.Header.RequestID), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag and close the listener (stop accepting new connections);
//     requests read after this point are answered BAD_RESPONSE
//  2. Wait for in-flight requests to finish (bounded by ctx)
//  3. Close remaining connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.trackMu.Lock()
	if !s.shutdown.CompareAndSwap(false, true) {
		s.trackMu.Unlock()
		return ErrServerClosed
	}
	s.trackMu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err())
	}
	s.conns.Range(func(k, _ any) bool {
		k.(net.Conn).Close()
		return true
	})
	return err
}
