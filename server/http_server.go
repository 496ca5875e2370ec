package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"krpc/codec"
	"krpc/message"
	"krpc/metrics"
	"krpc/middleware"
	"krpc/protocol"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPServer carries the same RpcRequest/RpcResponse bodies over plain HTTP.
// It is the simple fallback path: no framing, no multiplexing.
type HTTPServer struct {
	dispatcher  *Dispatcher
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	engine      *gin.Engine
	srv         *http.Server
	listener    net.Listener
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewHTTPServer(d *Dispatcher, logger *zap.Logger, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{dispatcher: d, logger: logger, metrics: m}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.POST("/", s.serveRPC)
	s.srv = &http.Server{Handler: s.engine}
	return s
}

func (s *HTTPServer) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Engine exposes the router so callers can mount extra routes, e.g. /metrics.
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

func (s *HTTPServer) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

func (s *HTTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks until Shutdown and then returns nil.
func (s *HTTPServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(":0"); err != nil {
			return err
		}
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher.Dispatch)
	s.logger.Info("rpc http server listening", zap.String("addr", s.listener.Addr().String()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) ListenAndServe(address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	return s.Serve()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) serveRPC(c *gin.Context) {
	cd, err := codec.ByName(c.GetHeader(codec.SerializerHeader))
	if err != nil {
		cd = &codec.JSONCodec{}
	}

	// 与 TCP 帧同样的上限
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(protocol.MaxBodyLength))
	body, err := c.GetRawData()
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.reply(c, cd, status, &message.RpcResponse{Exception: ExceptionBadRequest, Message: err.Error()})
		return
	}
	req := &message.RpcRequest{}
	if err := cd.Decode(body, req); err != nil {
		s.reply(c, cd, http.StatusBadRequest, &message.RpcResponse{Exception: ExceptionBadRequest, Message: err.Error()})
		return
	}

	resp := s.handler(WithCodec(c.Request.Context(), cd), req)
	s.metrics.ObserveServerRequest(req.ServiceName, req.MethodName, resp.Failed())
	s.reply(c, cd, http.StatusOK, resp)
}

func (s *HTTPServer) reply(c *gin.Context, cd codec.Codec, status int, resp *message.RpcResponse) {
	data, err := cd.Encode(resp)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = cd.Encode(&message.RpcResponse{Exception: ExceptionInvocation, Message: err.Error()})
	}
	c.Data(status, cd.ContentType(), data)
}
