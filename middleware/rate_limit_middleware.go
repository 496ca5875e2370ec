package middleware

import (
	"context"

	"krpc/message"

	"golang.org/x/time/rate"
)

const ExceptionRateLimited = "RateLimitExceeded"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			if !limiter.Allow() {
				return failure(ExceptionRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
