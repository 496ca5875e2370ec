package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krpc/config"
	"krpc/message"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry keeps each node under its own lease. Heartbeat renews the lease
// once per cycle; a provider that stops heartbeating disappears after LeaseDuration.
type EtcdRegistry struct {
	core
	client *clientv3.Client

	// 每个节点一个 lease，Heartbeat 和 Unregister 都要用
	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
	// nodeKey → revision of the Get that returned it, the watch starts right after
	revs sync.Map
}

func NewEtcdRegistry(logger *zap.Logger) *EtcdRegistry {
	return &EtcdRegistry{core: newCore(logger, "etcd"), leases: make(map[string]clientv3.LeaseID)}
}

func (r *EtcdRegistry) Init(ctx context.Context, cfg *config.RegistryConfig) error {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints(),
		DialTimeout: cfg.Timeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     context.Background(),
		Logger:      r.logger.Named("etcd-client"),
	})
	if err != nil {
		return fmt.Errorf("registry: connect etcd: %w", err)
	}
	r.client = c
	r.init(cfg)
	return nil
}

func leaseSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (r *EtcdRegistry) Register(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.put(ctx, meta); err != nil {
		return err
	}
	r.registered(meta)
	return nil
}

// put grants a fresh lease and writes meta under it.
func (r *EtcdRegistry) put(ctx context.Context, meta *message.ServiceMetaInfo) error {
	val, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, leaseSeconds(r.cfg.LeaseDuration))
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	nodeKey := meta.ServiceNodeKey()
	if _, err := r.client.Put(ctx, r.nodePath(nodeKey), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", nodeKey, err)
	}
	r.mu.Lock()
	r.leases[nodeKey] = lease.ID
	r.mu.Unlock()
	return nil
}

func (r *EtcdRegistry) Unregister(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	nodeKey := meta.ServiceNodeKey()
	if _, err := r.client.Delete(ctx, r.nodePath(nodeKey)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", nodeKey, err)
	}
	r.mu.Lock()
	id, ok := r.leases[nodeKey]
	delete(r.leases, nodeKey)
	r.mu.Unlock()
	if ok {
		// 过期的 lease revoke 失败无所谓
		_, _ = r.client.Revoke(ctx, id)
	}
	r.unregistered(meta)
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceKey string) ([]*message.ServiceMetaInfo, error) {
	return r.discover(ctx, serviceKey, func(ctx context.Context) ([]*message.ServiceMetaInfo, error) {
		resp, err := r.client.Get(ctx, r.servicePrefix(serviceKey), clientv3.WithPrefix())
		if err != nil {
			return nil, err
		}
		out := make([]*message.ServiceMetaInfo, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			meta, err := decodeMeta(kv.Value)
			if err != nil {
				r.logger.Warn("skip malformed node", zap.ByteString("key", kv.Key), zap.Error(err))
				continue
			}
			r.revs.Store(meta.ServiceNodeKey(), resp.Header.Revision)
			out = append(out, meta)
		}
		return out, nil
	}, r.Watch)
}

// Watch follows one node key. The watch lives until the node is deleted or the
// registry is destroyed, then the key may be watched again.
func (r *EtcdRegistry) Watch(ctx context.Context, nodeKey string) error {
	if err := r.ready(); err != nil {
		return err
	}
	rev, fetched := r.revs.LoadAndDelete(nodeKey)
	if !r.armWatch(nodeKey) {
		return nil
	}
	var opts []clientv3.OpOption
	if fetched {
		// 从拉取时的版本之后开始看，中间的删除也会收到
		opts = append(opts, clientv3.WithRev(rev.(int64)+1))
	}
	wctx, cancel := context.WithCancel(r.ctx)
	wch := r.client.Watch(wctx, r.nodePath(nodeKey), opts...)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.disarmWatch(nodeKey)
		defer cancel()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("node", nodeKey), zap.Error(err))
				r.cache.Remove(nodeKey)
				return
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypeDelete:
					r.logger.Debug("node deleted", zap.String("node", nodeKey))
					r.cache.Remove(nodeKey)
					return
				case clientv3.EventTypePut:
					if meta, err := decodeMeta(ev.Kv.Value); err == nil {
						r.cache.Upsert(meta)
					}
				}
			}
		}
	}()
	return nil
}

// Heartbeat keeps each owned lease alive. A lease etcd has already dropped is
// replaced by registering the node again.
func (r *EtcdRegistry) Heartbeat(ctx context.Context) error {
	return r.heartbeat(ctx, func(ctx context.Context, meta *message.ServiceMetaInfo) error {
		nodeKey := meta.ServiceNodeKey()
		r.mu.Lock()
		id, ok := r.leases[nodeKey]
		r.mu.Unlock()
		if ok {
			_, err := r.client.KeepAliveOnce(ctx, id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, rpctypes.ErrLeaseNotFound) {
				return err
			}
			r.logger.Info("lease expired, registering again", zap.String("node", nodeKey))
		}
		return r.put(ctx, meta)
	})
}

func (r *EtcdRegistry) Destroy(ctx context.Context) error {
	err := r.destroy(ctx, r.Unregister)
	if r.client != nil {
		if cerr := r.client.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
