package middleware

import (
	"context"
	"time"

	"krpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceKey()),
				zap.String("method", req.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("rpc failed", append(fields, zap.String("exception", resp.Exception), zap.String("message", resp.Message))...)
			} else {
				logger.Debug("rpc handled", fields...)
			}
			return resp
		}
	}
}
