package loadbalance

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"krpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instances(ports ...int) []*message.ServiceMetaInfo {
	out := make([]*message.ServiceMetaInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, &message.ServiceMetaInfo{ServiceName: "svc", ServiceVersion: "1.0", ServiceHost: "127.0.0.1", ServicePort: p})
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	b := NewRoundRobin()
	list := instances(8001, 8002, 8003)

	var got []int
	for i := 0; i < 6; i++ {
		inst, err := b.Select(nil, list)
		require.NoError(t, err)
		got = append(got, inst.ServicePort)
	}
	assert.Equal(t, []int{8001, 8002, 8003, 8001, 8002, 8003}, got)
}

func TestRoundRobinConcurrentEven(t *testing.T) {
	b := NewRoundRobin()
	list := instances(1, 2, 3)

	var mu sync.Mutex
	counts := map[int]int{}
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				inst, _ := b.Select(nil, list)
				mu.Lock()
				counts[inst.ServicePort]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, map[int]int{1: 100, 2: 100, 3: 100}, counts)
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{RoundRobinName, RandomName, ConsistentHashName} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, b.Name())
		_, err = b.Select(nil, nil)
		assert.ErrorIs(t, err, ErrNoInstances, name)
	}
	_, err := New("leastActive")
	assert.Error(t, err)
}

func TestSingleInstance(t *testing.T) {
	list := instances(9000)
	for _, name := range []string{RoundRobinName, RandomName, ConsistentHashName} {
		b, _ := New(name)
		inst, err := b.Select(map[string]any{"methodName": "get"}, list)
		require.NoError(t, err)
		assert.Same(t, list[0], inst, name)
	}
}

func TestRandomUsesSource(t *testing.T) {
	list := instances(1, 2, 3, 4)
	a := NewRandom(rand.NewPCG(1, 2))
	b := NewRandom(rand.NewPCG(1, 2))
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		x, err := a.Select(nil, list)
		require.NoError(t, err)
		y, _ := b.Select(nil, list)
		assert.Equal(t, x.ServicePort, y.ServicePort)
		seen[x.ServicePort] = true
	}
	assert.Len(t, seen, 4)
}

func TestConsistentHashStable(t *testing.T) {
	b := NewConsistentHash()
	list := instances(1, 2, 3)
	params := map[string]any{"methodName": "getUser"}

	first, err := b.Select(params, list)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		inst, _ := b.Select(params, list)
		assert.Equal(t, first.ServicePort, inst.ServicePort)
	}

	// 实例顺序不影响结果
	reversed := []*message.ServiceMetaInfo{list[2], list[1], list[0]}
	inst, _ := b.Select(params, reversed)
	assert.Equal(t, first.ServicePort, inst.ServicePort)
}

func TestConsistentHashMinimalRemap(t *testing.T) {
	b := NewConsistentHash()
	before := instances(1, 2, 3, 4)
	after := instances(1, 2, 3, 4, 5)

	const keys = 1000
	owner := make(map[int]int, keys)
	for i := 0; i < keys; i++ {
		inst, err := b.Select(map[string]any{"methodName": fmt.Sprintf("m%d", i)}, before)
		require.NoError(t, err)
		owner[i] = inst.ServicePort
	}
	moved := 0
	for i := 0; i < keys; i++ {
		inst, _ := b.Select(map[string]any{"methodName": fmt.Sprintf("m%d", i)}, after)
		if inst.ServicePort != owner[i] {
			moved++
			// 只会迁到新实例上
			assert.Equal(t, 5, inst.ServicePort)
		}
	}
	assert.Less(t, moved, keys/2)
	assert.Greater(t, moved, 0)
}

func TestParamsKeyDeterministic(t *testing.T) {
	assert.Equal(t, "a=1&b=x", paramsKey(map[string]any{"b": "x", "a": 1}))
	assert.Equal(t, "", paramsKey(nil))
}
