// Package middleware wraps the provider-side dispatcher in an onion of handlers.
package middleware

import (
	"context"

	"krpc/message"
)

// HandlerFunc handles one decoded request. It never returns nil and never panics
// across the connection boundary, failures travel in RpcResponse.Exception.
type HandlerFunc func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failure(exception, msg string) *message.RpcResponse {
	return &message.RpcResponse{Exception: exception, Message: msg}
}
