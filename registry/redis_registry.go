package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"krpc/config"
	"krpc/message"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRegistry stores each node as a plain key with a TTL. Watches ride on
// keyspace notifications, which the server must have enabled ("Kg$x" at least);
// without them the cache TTL alone bounds staleness.
type RedisRegistry struct {
	core
	client *redis.Client
	db     int

	subOnce sync.Once
}

func NewRedisRegistry(logger *zap.Logger) *RedisRegistry {
	return &RedisRegistry{core: newCore(logger, "redis")}
}

func (r *RedisRegistry) Init(ctx context.Context, cfg *config.RegistryConfig) error {
	opts, err := redisOptions(cfg)
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("registry: ping redis: %w", err)
	}
	// 尽力开启 keyspace 通知，托管 redis 可能不允许 CONFIG
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Kg$x").Err(); err != nil {
		r.logger.Warn("enable keyspace notifications failed", zap.Error(err))
	}
	r.client = client
	r.db = opts.DB
	r.init(cfg)
	return nil
}

func redisOptions(cfg *config.RegistryConfig) (*redis.Options, error) {
	addr := cfg.Address
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("registry: parse redis url: %w", err)
		}
		if opts.Username == "" {
			opts.Username = cfg.Username
		}
		if opts.Password == "" {
			opts.Password = cfg.Password
		}
		opts.DialTimeout = cfg.Timeout
		return opts, nil
	}
	endpoints := cfg.Endpoints()
	if len(endpoints) == 0 {
		return nil, errors.New("registry: empty redis address")
	}
	return &redis.Options{
		Addr:        endpoints[0],
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.Timeout,
	}, nil
}

func (r *RedisRegistry) Register(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.set(ctx, meta); err != nil {
		return err
	}
	r.registered(meta)
	return nil
}

func (r *RedisRegistry) set(ctx context.Context, meta *message.ServiceMetaInfo) error {
	val, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	key := r.nodePath(meta.ServiceNodeKey())
	if err := r.client.Set(ctx, key, val, r.cfg.LeaseDuration).Err(); err != nil {
		return fmt.Errorf("registry: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	key := r.nodePath(meta.ServiceNodeKey())
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("registry: del %s: %w", key, err)
	}
	r.unregistered(meta)
	return nil
}

func (r *RedisRegistry) Discover(ctx context.Context, serviceKey string) ([]*message.ServiceMetaInfo, error) {
	return r.discover(ctx, serviceKey, func(ctx context.Context) ([]*message.ServiceMetaInfo, error) {
		return r.fetch(ctx, r.servicePrefix(serviceKey))
	}, r.Watch)
}

func (r *RedisRegistry) fetch(ctx context.Context, prefix string) ([]*message.ServiceMetaInfo, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*message.ServiceMetaInfo, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // 在 SCAN 和 MGET 之间过期了
		}
		meta, err := decodeMeta([]byte(s))
		if err != nil {
			r.logger.Warn("skip malformed node", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Watch arms nodeKey. All armed keys share one pattern subscription on the
// registry root.
func (r *RedisRegistry) Watch(ctx context.Context, nodeKey string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !r.armWatch(nodeKey) {
		return nil
	}
	r.subOnce.Do(r.subscribe)
	// 订阅生效前被删除的 key 不会再有事件
	n, err := r.client.Exists(ctx, r.nodePath(nodeKey)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		r.cache.Remove(nodeKey)
		r.disarmWatch(nodeKey)
	}
	return nil
}

func (r *RedisRegistry) keyspaceChannel() string {
	return "__keyspace@" + strconv.Itoa(r.db) + "__:"
}

func (r *RedisRegistry) subscribe() {
	pubsub := r.client.PSubscribe(r.ctx, r.keyspaceChannel()+globEscape(r.root()+"/")+"*")
	// 等订阅确认，之后的事件才不会漏
	if _, err := pubsub.Receive(r.ctx); err != nil {
		r.logger.Warn("keyspace subscribe failed", zap.Error(err))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.onKeyspaceEvent(msg.Channel, msg.Payload)
			}
		}
	}()
}

func (r *RedisRegistry) onKeyspaceEvent(channel, event string) {
	nodeKey := r.nodeKeyOf(strings.TrimPrefix(channel, r.keyspaceChannel()))
	if _, armed := r.watching.Load(nodeKey); !armed {
		return
	}
	switch event {
	case "del", "expired", "evicted":
		r.logger.Debug("node deleted", zap.String("node", nodeKey), zap.String("event", event))
		r.cache.Remove(nodeKey)
		r.disarmWatch(nodeKey)
	case "set":
		val, err := r.client.Get(r.ctx, r.nodePath(nodeKey)).Bytes()
		if err != nil {
			return
		}
		if meta, err := decodeMeta(val); err == nil {
			r.cache.Upsert(meta)
		}
	}
}

// Heartbeat rewrites every owned key, which also restores a key that already expired.
func (r *RedisRegistry) Heartbeat(ctx context.Context) error {
	return r.heartbeat(ctx, r.set)
}

func (r *RedisRegistry) Destroy(ctx context.Context) error {
	err := r.destroy(ctx, r.Unregister)
	if r.client != nil {
		if cerr := r.client.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// globEscape quotes the characters SCAN and PSUBSCRIBE treat as patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
