package client

import (
	"context"

	"krpc/codec"
	"krpc/message"

	"go.uber.org/zap"
)

// Stub is a handle on one remote service. Typed calls go through Call0..Call3.
type Stub struct {
	client      *Client
	ServiceName string
	Version     string
}

func (c *Client) Stub(serviceName, version string) *Stub {
	if version == "" {
		version = message.DefaultServiceVersion
	}
	return &Stub{client: c, ServiceName: serviceName, Version: version}
}

// Invoke calls method and returns its generically decoded result. In mock mode
// it returns (nil, nil) without any I/O.
func (s *Stub) Invoke(ctx context.Context, method string, paramTypes []string, args []any) (any, error) {
	resp, err := s.invoke(ctx, method, paramTypes, args)
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Data, nil
}

// invoke returns a nil response in mock mode.
func (s *Stub) invoke(ctx context.Context, method string, paramTypes []string, args []any) (*message.RpcResponse, error) {
	if s.client.mock {
		s.client.logger.Info("mock call", zap.String("service", s.ServiceName), zap.String("method", method))
		return nil, nil
	}
	req := message.NewRequest(s.ServiceName, s.Version, method, paramTypes, args)
	resp, err := s.client.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, &RemoteError{
			Service:   req.ServiceKey(),
			Method:    method,
			Exception: resp.Exception,
			Message:   resp.Message,
		}
	}
	return resp, nil
}

func result[R any](c codec.Codec, resp *message.RpcResponse, err error) (R, error) {
	var zero R
	if err != nil || resp == nil {
		return zero, err
	}
	return codec.Convert[R](c, resp.Data)
}

func Call0[R any](ctx context.Context, s *Stub, method string) (R, error) {
	resp, err := s.invoke(ctx, method, nil, nil)
	return result[R](s.client.codec, resp, err)
}

func Call1[R, A any](ctx context.Context, s *Stub, method string, a A) (R, error) {
	resp, err := s.invoke(ctx, method, []string{message.TypeName[A]()}, []any{a})
	return result[R](s.client.codec, resp, err)
}

func Call2[R, A, B any](ctx context.Context, s *Stub, method string, a A, b B) (R, error) {
	resp, err := s.invoke(ctx, method,
		[]string{message.TypeName[A](), message.TypeName[B]()}, []any{a, b})
	return result[R](s.client.codec, resp, err)
}

func Call3[R, A, B, C any](ctx context.Context, s *Stub, method string, a A, b B, c C) (R, error) {
	resp, err := s.invoke(ctx, method,
		[]string{message.TypeName[A](), message.TypeName[B](), message.TypeName[C]()}, []any{a, b, c})
	return result[R](s.client.codec, resp, err)
}
