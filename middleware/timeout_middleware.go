package middleware

import (
	"context"
	"time"

	"krpc/message"
)

const ExceptionTimeout = "Timeout"

// TimeoutMiddleware answers with a timeout failure when next does not finish in time.
// next keeps running in the background with a cancelled ctx.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RpcResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure(ExceptionTimeout, "request timed out")
			}
		}
	}
}
