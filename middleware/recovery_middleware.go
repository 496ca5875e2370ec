package middleware

import (
	"context"
	"fmt"

	"krpc/message"

	"go.uber.org/zap"
)

const ExceptionPanic = "Panic"

// RecoveryMiddleware turns a panic in next into a failed response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) (resp *message.RpcResponse) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("method", req.MethodName), zap.Any("panic", r), zap.Stack("stack"))
					resp = failure(ExceptionPanic, fmt.Sprint(r))
				}
			}()
			return next(ctx, req)
		}
	}
}
