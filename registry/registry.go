// Package registry publishes provider instances and discovers them for consumers.
//
// Every backend stores
//
//	{rootPath}/{serviceName}:{version}/{host}:{port} → JSON ServiceMetaInfo
//
// with backend specific expiry: an etcd lease, a redis TTL or a ZooKeeper ephemeral
// node. Consumers read through a ServiceCache that watch events keep current.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"krpc/codec"
	"krpc/config"
	"krpc/message"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Registry interface {
	// Init connects to the backend.
	Init(ctx context.Context, cfg *config.RegistryConfig) error
	// Register publishes meta and remembers it for Heartbeat and Destroy.
	Register(ctx context.Context, meta *message.ServiceMetaInfo) error
	Unregister(ctx context.Context, meta *message.ServiceMetaInfo) error
	// Discover returns the instances of serviceKey, from cache when possible.
	Discover(ctx context.Context, serviceKey string) ([]*message.ServiceMetaInfo, error)
	// Watch subscribes to change and delete of one node, feeding the cache.
	Watch(ctx context.Context, nodeKey string) error
	// Heartbeat runs one renewal cycle over every locally registered node.
	Heartbeat(ctx context.Context) error
	// Destroy unregisters every locally registered node and releases the backend.
	Destroy(ctx context.Context) error
}

var (
	ErrNotInitialized = errors.New("registry: not initialized")
	ErrUnknownBackend = errors.New("registry: unknown backend")
)

// New creates an uninitialized backend by name.
func New(name string, logger *zap.Logger) (Registry, error) {
	switch name {
	case "etcd":
		return NewEtcdRegistry(logger), nil
	case "redis":
		return NewRedisRegistry(logger), nil
	case "zookeeper":
		return NewZooKeeperRegistry(logger), nil
	case "memory":
		return NewMemoryRegistry(DefaultMemoryStore(), logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

var metaCodec = &codec.JSONCodec{}

func encodeMeta(meta *message.ServiceMetaInfo) ([]byte, error) {
	return metaCodec.Encode(meta)
}

func decodeMeta(data []byte) (*message.ServiceMetaInfo, error) {
	meta := &message.ServiceMetaInfo{}
	if err := metaCodec.Decode(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// core is the bookkeeping every backend shares: locally owned nodes, armed watches
// and the discovery cache.
type core struct {
	cfg      *config.RegistryConfig
	cache    *ServiceCache
	logger   *zap.Logger
	owned    sync.Map // nodeKey → *message.ServiceMetaInfo
	watching sync.Map // nodeKey → struct{}

	// ctx lives from Init to Destroy, watch goroutines run under it rather than
	// under the caller's request ctx
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCore(logger *zap.Logger, name string) core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return core{logger: logger.With(zap.String("registry", name))}
}

func (c *core) init(cfg *config.RegistryConfig) {
	c.cfg = cfg
	c.cache = NewServiceCache(cfg.CacheTTL)
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

func (c *core) ready() error {
	if c.cfg == nil {
		return ErrNotInitialized
	}
	return nil
}

func (c *core) root() string {
	return strings.TrimRight(c.cfg.RootPath, "/")
}

// nodePath is the backend key of one node.
func (c *core) nodePath(nodeKey string) string {
	return c.root() + "/" + nodeKey
}

// servicePrefix is the backend prefix of all nodes of serviceKey.
func (c *core) servicePrefix(serviceKey string) string {
	return c.root() + "/" + serviceKey + "/"
}

// nodeKeyOf strips the root from a backend key.
func (c *core) nodeKeyOf(path string) string {
	return strings.TrimPrefix(path, c.root()+"/")
}

func (c *core) discover(ctx context.Context, serviceKey string,
	fetch func(ctx context.Context) ([]*message.ServiceMetaInfo, error),
	watch func(ctx context.Context, nodeKey string) error) ([]*message.ServiceMetaInfo, error) {

	if err := c.ready(); err != nil {
		return nil, err
	}
	if nodes, ok := c.cache.Get(serviceKey); ok {
		return nodes, nil
	}
	nodes, err := c.cache.Load(ctx, serviceKey, fetch)
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceKey, err)
	}
	for _, n := range nodes {
		if err := watch(ctx, n.ServiceNodeKey()); err != nil {
			c.logger.Warn("arm watch failed", zap.String("node", n.ServiceNodeKey()), zap.Error(err))
		}
	}
	// watch 挂上时可能发现节点已经没了
	return c.cache.Live(serviceKey, nodes), nil
}

// armWatch reports whether the caller should start a watch on nodeKey.
func (c *core) armWatch(nodeKey string) bool {
	_, loaded := c.watching.LoadOrStore(nodeKey, struct{}{})
	return !loaded
}

func (c *core) disarmWatch(nodeKey string) {
	c.watching.Delete(nodeKey)
}

func (c *core) registered(meta *message.ServiceMetaInfo) {
	c.owned.Store(meta.ServiceNodeKey(), meta.Clone())
	c.cache.Upsert(meta)
}

func (c *core) unregistered(meta *message.ServiceMetaInfo) {
	c.owned.Delete(meta.ServiceNodeKey())
	c.cache.Remove(meta.ServiceNodeKey())
}

func (c *core) ownedNodes() []*message.ServiceMetaInfo {
	var out []*message.ServiceMetaInfo
	c.owned.Range(func(_, v any) bool {
		out = append(out, v.(*message.ServiceMetaInfo))
		return true
	})
	return out
}

// heartbeat renews every owned node. One failing key is logged and the
// others are still renewed, the failures come back combined.
func (c *core) heartbeat(ctx context.Context, renew func(ctx context.Context, meta *message.ServiceMetaInfo) error) error {
	if err := c.ready(); err != nil {
		return err
	}
	var errs error
	for _, meta := range c.ownedNodes() {
		if err := renew(ctx, meta); err != nil {
			c.logger.Warn("heartbeat renew failed", zap.String("node", meta.ServiceNodeKey()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("renew %s: %w", meta.ServiceNodeKey(), err))
		}
	}
	return errs
}

// destroy unregisters every owned node and stops the watches.
func (c *core) destroy(ctx context.Context, unregister func(ctx context.Context, meta *message.ServiceMetaInfo) error) error {
	if c.cfg == nil {
		return nil
	}
	var errs error
	for _, meta := range c.ownedNodes() {
		if err := unregister(ctx, meta); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unregister %s: %w", meta.ServiceNodeKey(), err))
		}
	}
	c.cancel()
	c.wg.Wait()
	return errs
}
