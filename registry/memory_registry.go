package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"krpc/config"
	"krpc/message"

	"go.uber.org/zap"
)

// EventType mirrors the two watch events every backend reports.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// MemoryStore is an in-process key/value store with per-key expiry and change
// callbacks. It stands in for a real backend inside one process and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	watchers map[string]map[int]func(EventType, []byte)
	nextID   int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryStore starts a janitor that expires keys every sweep interval.
func NewMemoryStore(sweep time.Duration) *MemoryStore {
	s := &MemoryStore{
		items:    make(map[string]memoryItem),
		watchers: make(map[string]map[int]func(EventType, []byte)),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if sweep > 0 {
		go s.janitor(sweep)
	}
	return s
}

var (
	defaultStore     *MemoryStore
	defaultStoreOnce sync.Once
)

// DefaultMemoryStore is the store shared by every "memory" registry in the process.
func DefaultMemoryStore() *MemoryStore {
	defaultStoreOnce.Do(func() {
		defaultStore = NewMemoryStore(time.Second)
	})
	return defaultStore
}

func (s *MemoryStore) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired keys and notifies their watchers.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	now := s.now()
	var fire []func()
	for k, it := range s.items {
		if !it.expires.IsZero() && now.After(it.expires) {
			delete(s.items, k)
			fire = append(fire, s.notifyLocked(k, EventDelete, nil)...)
		}
	}
	s.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

// Put stores value; a non-positive ttl never expires.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = s.now().Add(ttl)
	}
	s.items[key] = it
	fire := s.notifyLocked(key, EventPut, it.value)
	s.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

// Touch extends the expiry of an existing key, reporting whether it existed.
func (s *MemoryStore) Touch(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || s.expiredLocked(it) {
		return false
	}
	it.expires = s.now().Add(ttl)
	s.items[key] = it
	return true
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || s.expiredLocked(it) {
		return nil, false
	}
	return append([]byte(nil), it.value...), true
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	var fire []func()
	if ok {
		fire = s.notifyLocked(key, EventDelete, nil)
	}
	s.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

// List returns the live values under prefix in key order.
func (s *MemoryStore) List(prefix string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k, it := range s.items {
		if strings.HasPrefix(k, prefix) && !s.expiredLocked(it) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), s.items[k].value...))
	}
	return out
}

// Watch calls fn on every change of key until cancel is called.
func (s *MemoryStore) Watch(key string, fn func(EventType, []byte)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(EventType, []byte))
	}
	s.watchers[key][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) expiredLocked(it memoryItem) bool {
	return !it.expires.IsZero() && s.now().After(it.expires)
}

// notifyLocked collects callbacks to run after the lock is released.
func (s *MemoryStore) notifyLocked(key string, ev EventType, value []byte) []func() {
	var out []func()
	for _, fn := range s.watchers[key] {
		fn := fn
		out = append(out, func() { fn(ev, value) })
	}
	return out
}

// MemoryRegistry keeps nodes in a MemoryStore. Registries sharing a store see
// each other's nodes, like processes sharing an etcd cluster.
type MemoryRegistry struct {
	core
	store   *MemoryStore
	cancels sync.Map // nodeKey → func()
}

func NewMemoryRegistry(store *MemoryStore, logger *zap.Logger) *MemoryRegistry {
	return &MemoryRegistry{core: newCore(logger, "memory"), store: store}
}

func (r *MemoryRegistry) Init(ctx context.Context, cfg *config.RegistryConfig) error {
	r.init(cfg)
	return nil
}

func (r *MemoryRegistry) Register(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	data, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	r.store.Put(r.nodePath(meta.ServiceNodeKey()), data, r.cfg.LeaseDuration)
	r.registered(meta)
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	r.store.Delete(r.nodePath(meta.ServiceNodeKey()))
	r.unregistered(meta)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, serviceKey string) ([]*message.ServiceMetaInfo, error) {
	return r.discover(ctx, serviceKey, func(ctx context.Context) ([]*message.ServiceMetaInfo, error) {
		var out []*message.ServiceMetaInfo
		for _, data := range r.store.List(r.servicePrefix(serviceKey)) {
			meta, err := decodeMeta(data)
			if err != nil {
				r.logger.Warn("skip malformed node", zap.Error(err))
				continue
			}
			out = append(out, meta)
		}
		return out, nil
	}, r.Watch)
}

func (r *MemoryRegistry) Watch(ctx context.Context, nodeKey string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !r.armWatch(nodeKey) {
		return nil
	}
	cancel := r.store.Watch(r.nodePath(nodeKey), func(ev EventType, value []byte) {
		switch ev {
		case EventDelete:
			r.cache.Remove(nodeKey)
		case EventPut:
			if meta, err := decodeMeta(value); err == nil {
				r.cache.Upsert(meta)
			}
		}
	})
	r.cancels.Store(nodeKey, cancel)
	// 拉取和挂 watch 之间被删掉的节点收不到事件，这里补查一次
	if _, ok := r.store.Get(r.nodePath(nodeKey)); !ok {
		r.cache.Remove(nodeKey)
	}
	return nil
}

// Heartbeat re-registers every owned node, which resets its expiry.
func (r *MemoryRegistry) Heartbeat(ctx context.Context) error {
	return r.heartbeat(ctx, func(ctx context.Context, meta *message.ServiceMetaInfo) error {
		key := r.nodePath(meta.ServiceNodeKey())
		if r.store.Touch(key, r.cfg.LeaseDuration) {
			return nil
		}
		data, err := encodeMeta(meta)
		if err != nil {
			return err
		}
		r.store.Put(key, data, r.cfg.LeaseDuration)
		return nil
	})
}

func (r *MemoryRegistry) Destroy(ctx context.Context) error {
	err := r.destroy(ctx, r.Unregister)
	r.cancels.Range(func(k, v any) bool {
		v.(func())()
		r.cancels.Delete(k)
		return true
	})
	return err
}
