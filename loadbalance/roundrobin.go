package loadbalance

import (
	"sync/atomic"

	"krpc/message"
)

// RoundRobin walks the instance list in order with an atomic counter, so
// the first call gets instances[0].
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (b *RoundRobin) Select(_ map[string]any, instances []*message.ServiceMetaInfo) (*message.ServiceMetaInfo, error) {
	n := len(instances)
	if n == 0 {
		return nil, ErrNoInstances
	}
	if n == 1 {
		return instances[0], nil
	}
	index := (b.counter.Add(1) - 1) % uint64(n)
	return instances[index], nil
}

func (b *RoundRobin) Name() string { return RoundRobinName }
