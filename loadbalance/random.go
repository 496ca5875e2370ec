package loadbalance

import (
	"math/rand/v2"
	"sync"

	"krpc/message"
)

// Random picks uniformly. A single instance is returned without touching the source.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom uses src when given, e.g. a seeded PCG in tests; nil means the
// runtime's global source.
func NewRandom(src rand.Source) *Random {
	b := &Random{}
	if src != nil {
		b.rng = rand.New(src)
	}
	return b
}

func (b *Random) Select(_ map[string]any, instances []*message.ServiceMetaInfo) (*message.ServiceMetaInfo, error) {
	n := len(instances)
	if n == 0 {
		return nil, ErrNoInstances
	}
	if n == 1 {
		return instances[0], nil
	}
	if b.rng == nil {
		return instances[rand.IntN(n)], nil
	}
	// rand.Rand 不是并发安全的
	b.mu.Lock()
	i := b.rng.IntN(n)
	b.mu.Unlock()
	return instances[i], nil
}

func (b *Random) Name() string { return RandomName }
