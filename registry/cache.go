package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"krpc/message"

	"golang.org/x/sync/singleflight"
)

// ServiceCache is the consumer-side discovery cache, keyed by serviceKey.
//
// Each serviceKey owns its own entry and lock. Watch events mutate entries node by node;
// a node removed while a backend fetch is in flight is filtered out of that fetch's
// result, so a node observed as deleted is not served again until it is observed
// registering anew.
type ServiceCache struct {
	ttl     time.Duration
	entries sync.Map // map[string]*cacheEntry
	group   singleflight.Group
	now     func() time.Time
}

type cacheEntry struct {
	mu        sync.RWMutex
	nodes     map[string]*message.ServiceMetaInfo // nodeKey → meta
	loaded    bool
	fetchedAt time.Time
	gen       uint64            // bumped on every removal
	deleted   map[string]uint64 // nodeKey → gen of its removal
}

// NewServiceCache creates a cache whose entries are refetched after ttl. A zero ttl
// keeps entries until a watch event changes them.
func NewServiceCache(ttl time.Duration) *ServiceCache {
	return &ServiceCache{ttl: ttl, now: time.Now}
}

func (c *ServiceCache) entry(serviceKey string) *cacheEntry {
	if e, ok := c.entries.Load(serviceKey); ok {
		return e.(*cacheEntry)
	}
	e, _ := c.entries.LoadOrStore(serviceKey, &cacheEntry{
		nodes:   make(map[string]*message.ServiceMetaInfo),
		deleted: make(map[string]uint64),
	})
	return e.(*cacheEntry)
}

// Get returns a fresh, non-empty snapshot.
func (c *ServiceCache) Get(serviceKey string) ([]*message.ServiceMetaInfo, bool) {
	v, ok := c.entries.Load(serviceKey)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded || len(e.nodes) == 0 {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.fetchedAt) > c.ttl {
		return nil, false
	}
	return snapshot(e.nodes), true
}

// Load fetches serviceKey from the backend and stores the result. Concurrent misses
// for the same key share one fetch. Empty results are returned but not cached.
func (c *ServiceCache) Load(ctx context.Context, serviceKey string,
	fetch func(ctx context.Context) ([]*message.ServiceMetaInfo, error)) ([]*message.ServiceMetaInfo, error) {

	v, err, _ := c.group.Do(serviceKey, func() (any, error) {
		e := c.entry(serviceKey)
		e.mu.RLock()
		startGen := e.gen
		e.mu.RUnlock()

		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		nodes := make(map[string]*message.ServiceMetaInfo, len(fetched))
		for _, m := range fetched {
			key := m.ServiceNodeKey()
			if g, gone := e.deleted[key]; gone {
				if g > startGen {
					continue // removed while we were fetching
				}
				delete(e.deleted, key) // registered again since
			}
			nodes[key] = m.Clone()
		}
		for key, g := range e.deleted {
			if g <= startGen {
				delete(e.deleted, key) // the backend agrees it is gone
			}
		}
		if len(nodes) > 0 {
			e.nodes = nodes
			e.loaded = true
			e.fetchedAt = c.now()
		} else {
			e.nodes = make(map[string]*message.ServiceMetaInfo)
			e.loaded = false
		}
		return snapshot(nodes), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*message.ServiceMetaInfo), nil
}

// Remove drops one node, e.g. on a DELETE watch event or a local unregister.
func (c *ServiceCache) Remove(nodeKey string) {
	serviceKey, _, ok := message.SplitNodeKey(nodeKey)
	if !ok {
		return
	}
	e := c.entry(serviceKey)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.deleted[nodeKey] = e.gen
	delete(e.nodes, nodeKey)
	if len(e.nodes) == 0 {
		e.loaded = false
	}
}

// Upsert records a fresh registration of meta. A loaded entry gets the node added or
// replaced; an unloaded entry is left for the next fetch.
func (c *ServiceCache) Upsert(meta *message.ServiceMetaInfo) {
	e := c.entry(meta.ServiceKey())
	nodeKey := meta.ServiceNodeKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deleted, nodeKey)
	if e.loaded {
		e.nodes[nodeKey] = meta.Clone()
	}
}

// Live drops the nodes of serviceKey removed since they were fetched.
func (c *ServiceCache) Live(serviceKey string, nodes []*message.ServiceMetaInfo) []*message.ServiceMetaInfo {
	v, ok := c.entries.Load(serviceKey)
	if !ok {
		return nodes
	}
	e := v.(*cacheEntry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := nodes[:0:0]
	for _, n := range nodes {
		if _, gone := e.deleted[n.ServiceNodeKey()]; !gone {
			out = append(out, n)
		}
	}
	return out
}

// Invalidate forgets serviceKey entirely.
func (c *ServiceCache) Invalidate(serviceKey string) {
	if v, ok := c.entries.Load(serviceKey); ok {
		e := v.(*cacheEntry)
		e.mu.Lock()
		e.gen++
		e.nodes = make(map[string]*message.ServiceMetaInfo)
		e.loaded = false
		e.mu.Unlock()
	}
}

// snapshot copies nodes in nodeKey order so callers never share cache memory.
func snapshot(nodes map[string]*message.ServiceMetaInfo) []*message.ServiceMetaInfo {
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*message.ServiceMetaInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, nodes[k].Clone())
	}
	return out
}
