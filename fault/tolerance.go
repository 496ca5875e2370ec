package fault

import (
	"context"
	"errors"
	"fmt"

	"krpc/message"

	"go.uber.org/zap"
)

var (
	ErrFailFast                = errors.New("fault: call failed")
	ErrToleranceNotImplemented = errors.New("fault: tolerance strategy has no handler")
)

// ToleranceContext describes the call that failed.
type ToleranceContext struct {
	Request   *message.RpcRequest
	Instances []*message.ServiceMetaInfo
	// Selected is the instance the last attempt went to, nil if none was chosen.
	Selected *message.ServiceMetaInfo
}

type ToleranceStrategy interface {
	// DoTolerance turns a terminal failure into the caller's result.
	DoTolerance(ctx context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error)
	Name() string
}

const (
	FailFastName = "failFast"
	FailSafeName = "failSafe"
	FailOverName = "failOver"
	FailBackName = "failBack"
)

// FailFast hands the failure straight back.
type FailFast struct{}

func (FailFast) DoTolerance(_ context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error) {
	return nil, fmt.Errorf("%w: %s: %w", ErrFailFast, describe(tc), cause)
}

func (FailFast) Name() string { return FailFastName }

// FailSafe swallows the failure and returns an empty response.
type FailSafe struct {
	Logger *zap.Logger
}

func (s FailSafe) DoTolerance(_ context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error) {
	if s.Logger != nil {
		s.Logger.Warn("call failed, returning empty response", zap.String("call", describe(tc)), zap.Error(cause))
	}
	return &message.RpcResponse{}, nil
}

func (FailSafe) Name() string { return FailSafeName }

// FailOver would call another instance. Fallback supplies that behaviour; without
// it the failure is reported as unhandled.
type FailOver struct {
	Logger   *zap.Logger
	Fallback func(ctx context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error)
}

func (s FailOver) DoTolerance(ctx context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error) {
	if s.Fallback != nil {
		return s.Fallback(ctx, tc, cause)
	}
	return unhandled(s.Logger, FailOverName, tc, cause)
}

func (FailOver) Name() string { return FailOverName }

// FailBack would degrade and recover later. Schedule supplies that behaviour.
type FailBack struct {
	Logger   *zap.Logger
	Schedule func(ctx context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error)
}

func (s FailBack) DoTolerance(ctx context.Context, tc *ToleranceContext, cause error) (*message.RpcResponse, error) {
	if s.Schedule != nil {
		return s.Schedule(ctx, tc, cause)
	}
	return unhandled(s.Logger, FailBackName, tc, cause)
}

func (FailBack) Name() string { return FailBackName }

func unhandled(logger *zap.Logger, name string, tc *ToleranceContext, cause error) (*message.RpcResponse, error) {
	if logger != nil {
		logger.Warn("tolerance strategy has no handler", zap.String("strategy", name), zap.String("call", describe(tc)), zap.Error(cause))
	}
	return nil, fmt.Errorf("%w (%s): %w", ErrToleranceNotImplemented, name, cause)
}

func describe(tc *ToleranceContext) string {
	if tc == nil || tc.Request == nil {
		return "unknown call"
	}
	s := tc.Request.ServiceKey() + "#" + tc.Request.MethodName
	if tc.Selected != nil {
		s += "@" + tc.Selected.ServiceAddress()
	}
	return s
}

// NewToleranceStrategy builds a strategy by config name.
func NewToleranceStrategy(name string, logger *zap.Logger) (ToleranceStrategy, error) {
	switch name {
	case FailFastName:
		return FailFast{}, nil
	case FailSafeName:
		return FailSafe{Logger: logger}, nil
	case FailOverName:
		return FailOver{Logger: logger}, nil
	case FailBackName:
		return FailBack{Logger: logger}, nil
	}
	return nil, fmt.Errorf("fault: unknown tolerance strategy %q", name)
}
