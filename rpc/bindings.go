package rpc

import (
	"krpc/codec"
	"krpc/fault"
	"krpc/loadbalance"
	"krpc/registry"
	"krpc/spi"
	"krpc/transport"
)

// bind registers a factory for every identifier the system descriptors name.
// Factories close over the application so components share its config and logger.
func (a *Application) bind(l *spi.Loader) {
	cfg := a.cfg

	l.Bind("krpc/codec.JSON", func() (any, error) { return codec.Get(codec.JSON) })
	l.Bind("krpc/codec.Msgpack", func() (any, error) { return codec.Get(codec.Msgpack) })

	l.Bind("krpc/loadbalance.RoundRobin", func() (any, error) { return loadbalance.NewRoundRobin(), nil })
	l.Bind("krpc/loadbalance.Random", func() (any, error) { return loadbalance.NewRandom(nil), nil })
	l.Bind("krpc/loadbalance.ConsistentHash", func() (any, error) { return loadbalance.NewConsistentHash(), nil })

	l.Bind("krpc/registry.Etcd", func() (any, error) { return registry.NewEtcdRegistry(a.logger), nil })
	l.Bind("krpc/registry.Redis", func() (any, error) { return registry.NewRedisRegistry(a.logger), nil })
	l.Bind("krpc/registry.ZooKeeper", func() (any, error) { return registry.NewZooKeeperRegistry(a.logger), nil })
	l.Bind("krpc/registry.Memory", func() (any, error) {
		return registry.NewMemoryRegistry(registry.DefaultMemoryStore(), a.logger), nil
	})

	l.Bind("krpc/fault.NoRetry", func() (any, error) { return fault.NoRetry{}, nil })
	l.Bind("krpc/fault.FixedIntervalRetry", func() (any, error) {
		return fault.NewFixedIntervalRetry(cfg.Retry.MaxAttempts, cfg.Retry.Interval, a.logger), nil
	})
	l.Bind("krpc/fault.FailFast", func() (any, error) { return fault.FailFast{}, nil })
	l.Bind("krpc/fault.FailSafe", func() (any, error) { return fault.FailSafe{Logger: a.logger}, nil })
	l.Bind("krpc/fault.FailOver", func() (any, error) { return fault.FailOver{Logger: a.logger}, nil })
	l.Bind("krpc/fault.FailBack", func() (any, error) { return fault.FailBack{Logger: a.logger}, nil })

	l.Bind("krpc/transport.TCP", func() (any, error) {
		return transport.NewTCPTransport(a.transportOptions()...)
	})
	l.Bind("krpc/transport.HTTP", func() (any, error) {
		return transport.NewHTTPTransport(a.transportOptions()...)
	})
}

func (a *Application) transportOptions() []transport.Option {
	return []transport.Option{
		transport.WithSerializer(a.codec.Type()),
		transport.WithCallTimeout(a.cfg.CallTimeout),
		transport.WithIDGenerator(a.ids),
		transport.WithLogger(a.logger),
	}
}
