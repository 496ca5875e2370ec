package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"krpc/config"
	"krpc/message"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZooKeeperRegistry stores each node as an ephemeral znode, so it vanishes with
// the session. Heartbeat has nothing to renew: the client library pings the
// session itself.
type ZooKeeperRegistry struct {
	core
	conn   *zk.Conn
	events <-chan zk.Event
}

func NewZooKeeperRegistry(logger *zap.Logger) *ZooKeeperRegistry {
	return &ZooKeeperRegistry{core: newCore(logger, "zookeeper")}
}

// zkLogger routes the client's Printf logging into zap.
type zkLogger struct{ l *zap.SugaredLogger }

func (z zkLogger) Printf(format string, args ...any) { z.l.Debugf(format, args...) }

func (r *ZooKeeperRegistry) Init(ctx context.Context, cfg *config.RegistryConfig) error {
	conn, events, err := zk.Connect(cfg.Endpoints(), cfg.LeaseDuration,
		zk.WithLogger(zkLogger{r.logger.Named("zk-client").Sugar()}))
	if err != nil {
		return fmt.Errorf("registry: connect zookeeper: %w", err)
	}
	if err := waitSession(ctx, events, cfg.Timeout); err != nil {
		conn.Close()
		return err
	}
	r.conn = conn
	r.events = events
	r.init(cfg)
	r.wg.Add(1)
	go r.drainEvents()
	return nil
}

func waitSession(ctx context.Context, events <-chan zk.Event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("registry: zookeeper connection closed")
			}
			if ev.State == zk.StateHasSession {
				return nil
			}
			if ev.State == zk.StateAuthFailed {
				return errors.New("registry: zookeeper auth failed")
			}
		case <-timer.C:
			return fmt.Errorf("registry: zookeeper session not established within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainEvents logs session state changes. An expired session drops every
// ephemeral node; the next Heartbeat restores them.
func (r *ZooKeeperRegistry) drainEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if ev.Type == zk.EventSession {
				r.logger.Debug("session event", zap.String("state", ev.State.String()))
			}
		}
	}
}

func (r *ZooKeeperRegistry) Register(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.create(meta); err != nil {
		return err
	}
	r.registered(meta)
	return nil
}

func (r *ZooKeeperRegistry) create(meta *message.ServiceMetaInfo) error {
	val, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	p := r.nodePath(meta.ServiceNodeKey())
	if err := r.ensureParents(path.Dir(p)); err != nil {
		return err
	}
	_, err = r.conn.Create(p, val, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = r.conn.Set(p, val, -1)
	}
	if err != nil {
		return fmt.Errorf("registry: create %s: %w", p, err)
	}
	return nil
}

// ensureParents creates the persistent directories above a node.
func (r *ZooKeeperRegistry) ensureParents(dir string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("registry: create %s: %w", cur, err)
		}
	}
	return nil
}

func (r *ZooKeeperRegistry) Unregister(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := r.ready(); err != nil {
		return err
	}
	p := r.nodePath(meta.ServiceNodeKey())
	if err := r.conn.Delete(p, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("registry: delete %s: %w", p, err)
	}
	r.unregistered(meta)
	return nil
}

func (r *ZooKeeperRegistry) Discover(ctx context.Context, serviceKey string) ([]*message.ServiceMetaInfo, error) {
	return r.discover(ctx, serviceKey, func(ctx context.Context) ([]*message.ServiceMetaInfo, error) {
		dir := strings.TrimSuffix(r.servicePrefix(serviceKey), "/")
		children, _, err := r.conn.Children(dir)
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out := make([]*message.ServiceMetaInfo, 0, len(children))
		for _, child := range children {
			data, _, err := r.conn.Get(dir + "/" + child)
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			if err != nil {
				return nil, err
			}
			meta, err := decodeMeta(data)
			if err != nil {
				r.logger.Warn("skip malformed node", zap.String("child", child), zap.Error(err))
				continue
			}
			out = append(out, meta)
		}
		return out, nil
	}, r.Watch)
}

// Watch re-arms the one-shot znode watch after every data change and stops
// once the node is deleted.
func (r *ZooKeeperRegistry) Watch(ctx context.Context, nodeKey string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !r.armWatch(nodeKey) {
		return nil
	}
	p := r.nodePath(nodeKey)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.disarmWatch(nodeKey)
		for {
			data, _, ch, err := r.conn.GetW(p)
			if errors.Is(err, zk.ErrNoNode) {
				r.cache.Remove(nodeKey)
				return
			}
			if err != nil {
				r.logger.Warn("watch failed", zap.String("node", nodeKey), zap.Error(err))
				return
			}
			if meta, err := decodeMeta(data); err == nil {
				r.cache.Upsert(meta)
			}
			select {
			case <-r.ctx.Done():
				return
			case ev := <-ch:
				if ev.Type == zk.EventNodeDeleted {
					r.logger.Debug("node deleted", zap.String("node", nodeKey))
					r.cache.Remove(nodeKey)
					return
				}
			}
		}
	}()
	return nil
}

// Heartbeat recreates owned nodes lost to an expired session.
func (r *ZooKeeperRegistry) Heartbeat(ctx context.Context) error {
	return r.heartbeat(ctx, func(ctx context.Context, meta *message.ServiceMetaInfo) error {
		ok, _, err := r.conn.Exists(r.nodePath(meta.ServiceNodeKey()))
		if err != nil || ok {
			return err
		}
		return r.create(meta)
	})
}

func (r *ZooKeeperRegistry) Destroy(ctx context.Context) error {
	err := r.destroy(ctx, r.Unregister)
	if r.conn != nil {
		r.conn.Close()
	}
	return err
}
