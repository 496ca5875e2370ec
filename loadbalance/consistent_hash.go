package loadbalance

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"krpc/message"

	"github.com/cespare/xxhash/v2"
)

// VirtualNodes is how many ring positions each instance gets.
const VirtualNodes = 100

// ConsistentHash maps request params onto a hash ring so equal params keep
// hitting the same instance while the instance set is stable.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Adding or removing one instance only moves the keys next to its virtual nodes.
type ConsistentHash struct {
	mu   sync.RWMutex
	sig  string // instance set the ring was built for
	ring []uint64
	// 环上位置 → 实例
	nodes map[uint64]*message.ServiceMetaInfo
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{nodes: make(map[uint64]*message.ServiceMetaInfo)}
}

func (b *ConsistentHash) Select(requestParams map[string]any, instances []*message.ServiceMetaInfo) (*message.ServiceMetaInfo, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if len(instances) == 1 {
		return instances[0], nil
	}
	ring, nodes := b.ringFor(instances)
	h := xxhash.Sum64String(paramsKey(requestParams))

	// first position >= h, wrapping past the end
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= h })
	if idx == len(ring) {
		idx = 0
	}
	return nodes[ring[idx]], nil
}

func (b *ConsistentHash) Name() string { return ConsistentHashName }

// ringFor returns the ring for instances, rebuilding it only when the set changed.
func (b *ConsistentHash) ringFor(instances []*message.ServiceMetaInfo) ([]uint64, map[uint64]*message.ServiceMetaInfo) {
	sig := signature(instances)
	b.mu.RLock()
	if b.sig == sig {
		ring, nodes := b.ring, b.nodes
		b.mu.RUnlock()
		return ring, nodes
	}
	b.mu.RUnlock()

	ring := make([]uint64, 0, len(instances)*VirtualNodes)
	nodes := make(map[uint64]*message.ServiceMetaInfo, len(instances)*VirtualNodes)
	for _, inst := range instances {
		addr := inst.ServiceAddress()
		for i := 0; i < VirtualNodes; i++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", addr, i))
			if _, taken := nodes[h]; taken {
				continue
			}
			ring = append(ring, h)
			nodes[h] = inst
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	b.mu.Lock()
	b.sig, b.ring, b.nodes = sig, ring, nodes
	b.mu.Unlock()
	return ring, nodes
}

func signature(instances []*message.ServiceMetaInfo) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.ServiceAddress()
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

// paramsKey renders params deterministically: sorted k=v pairs.
func paramsKey(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		fmt.Fprintf(&sb, "%s=%v", k, params[k])
	}
	return sb.String()
}
