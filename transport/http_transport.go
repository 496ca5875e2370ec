package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"krpc/codec"
	"krpc/message"
)

// HTTPTransport posts serialized requests to a provider's HTTP endpoint. It needs no
// framing and no request ids, each call is one HTTP exchange.
type HTTPTransport struct {
	opts   *options
	codec  codec.Codec
	client *http.Client
}

func NewHTTPTransport(opts ...Option) (*HTTPTransport, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	c, err := codec.Get(o.serializer)
	if err != nil {
		return nil, err
	}
	return &HTTPTransport{
		opts:  o,
		codec: c,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: o.poolSize,
			},
		},
	}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, target *message.ServiceMetaInfo, req *message.RpcRequest) (*message.RpcResponse, error) {
	ctx, cancel := t.opts.withDeadline(ctx)
	defer cancel()

	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL("http")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", t.codec.ContentType())
	httpReq.Header.Set(codec.SerializerHeader, t.codec.Name())

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrCallTimeout, err)
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	resp := &message.RpcResponse{}
	if err := t.codec.Decode(data, resp); err != nil {
		return nil, fmt.Errorf("transport: http %d: decode response: %w", httpResp.StatusCode, err)
	}
	// 4xx/5xx bodies still carry the captured exception
	if httpResp.StatusCode != http.StatusOK && !resp.Failed() {
		resp.Exception = http.StatusText(httpResp.StatusCode)
	}
	return resp, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
