package server

import (
	"context"
	"fmt"

	"krpc/codec"
	"krpc/message"

	"go.uber.org/zap"
)

// Exception kinds written into RpcResponse.Exception by the dispatcher.
const (
	ExceptionServiceNotFound = "ServiceNotFound"
	ExceptionMethodNotFound  = "MethodNotFound"
	ExceptionInvocation      = "InvocationError"
	ExceptionPanic           = "Panic"
	ExceptionBadRequest      = "BadRequest"
	ExceptionShuttingDown    = "ShuttingDown"
)

type codecKey struct{}

// WithCodec attaches the serializer a request arrived with. The dispatcher converts
// arguments with it.
func WithCodec(ctx context.Context, c codec.Codec) context.Context {
	return context.WithValue(ctx, codecKey{}, c)
}

func codecFrom(ctx context.Context) codec.Codec {
	if c, ok := ctx.Value(codecKey{}).(codec.Codec); ok {
		return c
	}
	return &codec.JSONCodec{}
}

// Dispatcher resolves and invokes local services. It is the innermost handler
// of every server's middleware chain.
type Dispatcher struct {
	local  *LocalRegistry
	logger *zap.Logger
}

func NewDispatcher(local *LocalRegistry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{local: local, logger: logger}
}

func (d *Dispatcher) Local() *LocalRegistry {
	return d.local
}

// Dispatch never panics and never returns an error: every failure is captured into
// the response so the connection handler keeps serving.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.RpcRequest) (resp *message.RpcResponse) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("service panic",
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Any("panic", r))
			resp = &message.RpcResponse{Exception: ExceptionPanic, Message: fmt.Sprint(r)}
		}
	}()

	svc, ok := d.local.Get(req.ServiceName)
	if !ok {
		return &message.RpcResponse{
			Exception: ExceptionServiceNotFound,
			Message:   fmt.Sprintf("service not found: %s", req.ServiceName),
		}
	}
	m, ok := svc.lookup(req.MethodName, req.ParameterTypes)
	if !ok {
		return &message.RpcResponse{
			Exception: ExceptionMethodNotFound,
			Message:   fmt.Sprintf("method not found: %s.%s", req.ServiceName, Signature(req.MethodName, req.ParameterTypes)),
		}
	}

	data, err := m.invoke(ctx, codecFrom(ctx), req.Args)
	if err != nil {
		return &message.RpcResponse{Exception: ExceptionInvocation, Message: err.Error()}
	}
	return &message.RpcResponse{Data: data, DataType: message.TypeNameOf(data), Message: "ok"}
}
