package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeater calls Registry.Heartbeat on a fixed interval until its context ends.
type Heartbeater struct {
	Registry Registry
	Interval time.Duration
	Logger   *zap.Logger
	// OnError sees every failed cycle, e.g. to count it.
	OnError func(error)
}

// Run blocks until ctx is done. A failed cycle is logged and the next tick retries.
func (h *Heartbeater) Run(ctx context.Context) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Registry.Heartbeat(ctx); err != nil {
				logger.Warn("heartbeat cycle failed", zap.Error(err))
				if h.OnError != nil {
					h.OnError(err)
				}
			}
		}
	}
}

// StartHeartbeat runs a Heartbeater in the background and returns a stop func that
// waits for it to exit.
func StartHeartbeat(ctx context.Context, r Registry, interval time.Duration, logger *zap.Logger, onError func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h := &Heartbeater{Registry: r, Interval: interval, Logger: logger, OnError: onError}
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
