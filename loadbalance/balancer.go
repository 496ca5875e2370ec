// Package loadbalance picks one provider instance per call.
//
// Three strategies, selected by the loadBalancer config key:
//   - roundRobin:     even spread over equal instances
//   - random:         uniform pick, no shared state between calls
//   - consistentHash: the same request params land on the same instance
package loadbalance

import (
	"errors"

	"krpc/message"
)

// ErrNoInstances is returned when there is nothing to choose from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// LoadBalancer is called by the client before every call and must be goroutine-safe.
type LoadBalancer interface {
	// Select picks one of instances. requestParams carries call attributes such as
	// "methodName"; strategies that ignore them accept nil.
	Select(requestParams map[string]any, instances []*message.ServiceMetaInfo) (*message.ServiceMetaInfo, error)

	Name() string
}

const (
	RoundRobinName     = "roundRobin"
	RandomName         = "random"
	ConsistentHashName = "consistentHash"
)

// New returns a fresh balancer by config name.
func New(name string) (LoadBalancer, error) {
	switch name {
	case RoundRobinName:
		return NewRoundRobin(), nil
	case RandomName:
		return NewRandom(nil), nil
	case ConsistentHashName:
		return NewConsistentHash(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
