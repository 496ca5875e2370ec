// Package rpc wires the framework together from one Config: it is the entry point
// providers and consumers use.
//
// Provider:
//
//	app, _ := rpc.New(ctx, cfg)
//	app.RegisterLocalService(ctx, "UserService", svc)
//	app.StartServer(ctx, cfg.ServerPort)
//	app.StartHeartbeat(ctx)
//	defer app.Shutdown(ctx)
//
// Consumer:
//
//	stub := app.NewClientStub("UserService", "1.0")
//	user, err := client.Call1[User](ctx, stub, "getUser", 42)
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"krpc/client"
	"krpc/codec"
	"krpc/config"
	"krpc/fault"
	"krpc/loadbalance"
	"krpc/message"
	"krpc/metrics"
	"krpc/middleware"
	"krpc/registry"
	"krpc/server"
	"krpc/spi"
	"krpc/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrServerStarted = errors.New("rpc: server already started")

// rpcServer is what the TCP and HTTP servers have in common.
type rpcServer interface {
	Use(mw middleware.Middleware)
	Listen(address string) error
	Addr() net.Addr
	Serve() error
	Shutdown(ctx context.Context) error
}

type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	loader  *spi.Loader
	ids     *transport.IDGenerator
	codec   codec.Codec

	registry   registry.Registry
	local      *server.LocalRegistry
	dispatcher *server.Dispatcher
	client     *client.Client

	mu            sync.Mutex
	srv           rpcServer
	port          int                                // bound port once the server listens
	published     map[string]*message.ServiceMetaInfo // serviceName → meta
	stopHeartbeat func()
	closed        bool

	extra []binding
}

// Option adjusts an Application before its components are built.
type Option func(*Application)

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l *zap.Logger) Option {
	return func(a *Application) { a.logger = l }
}

// WithLoaderBinding binds an extra SPI identifier, e.g. one named by a custom
// descriptor under cfg.SPIDir.
func WithLoaderBinding(identifier string, f spi.Factory) Option {
	return func(a *Application) { a.extra = append(a.extra, binding{identifier, f}) }
}

type binding struct {
	identifier string
	factory    spi.Factory
}

// New builds every component named by cfg and connects the registry.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, published: make(map[string]*message.ServiceMetaInfo)}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		a.logger = logger
	}
	a.logger = a.logger.With(zap.String("app", cfg.Name))
	a.metrics = metrics.New()

	ids, err := transport.NewIDGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	a.ids = ids

	var custom fs.FS
	if cfg.SPIDir != "" {
		custom = os.DirFS(cfg.SPIDir)
	}
	a.loader = spi.NewLoader(custom, a.logger)
	a.bind(a.loader)
	for _, b := range a.extra {
		a.loader.Bind(b.identifier, b.factory)
	}
	if err := a.loader.LoadAll(); err != nil {
		return nil, err
	}

	if a.codec, err = spi.Get[codec.Codec](a.loader, spi.Serializer, cfg.Serializer); err != nil {
		return nil, err
	}
	balancer, err := spi.Get[loadbalance.LoadBalancer](a.loader, spi.LoadBalancer, cfg.LoadBalancer)
	if err != nil {
		return nil, err
	}
	retry, err := spi.Get[fault.RetryStrategy](a.loader, spi.RetryStrategy, cfg.RetryStrategy)
	if err != nil {
		return nil, err
	}
	tolerance, err := spi.Get[fault.ToleranceStrategy](a.loader, spi.ToleranceStrategy, cfg.ToleranceStrategy)
	if err != nil {
		return nil, err
	}
	tr, err := spi.Get[transport.Transport](a.loader, spi.Transport, cfg.Transport)
	if err != nil {
		return nil, err
	}
	if a.registry, err = spi.Get[registry.Registry](a.loader, spi.Registry, cfg.Registry.Registry); err != nil {
		return nil, err
	}
	if err := a.registry.Init(ctx, &cfg.Registry); err != nil {
		return nil, err
	}

	a.local = server.NewLocalRegistry()
	a.dispatcher = server.NewDispatcher(a.local, a.logger)
	a.client = client.NewClient(a.registry, tr,
		client.WithBalancer(balancer),
		client.WithRetry(retry),
		client.WithTolerance(tolerance),
		client.WithMock(cfg.Mock),
		client.WithCodec(a.codec),
		client.WithLogger(a.logger),
		client.WithMetrics(a.metrics),
	)
	a.logger.Info("rpc application ready",
		zap.String("registry", cfg.Registry.Registry), zap.String("transport", cfg.Transport),
		zap.String("serializer", cfg.Serializer), zap.String("loadBalancer", cfg.LoadBalancer),
		zap.String("retry", cfg.RetryStrategy), zap.String("tolerance", cfg.ToleranceStrategy))
	return a, nil
}

func (a *Application) Config() *config.Config { return a.cfg }
func (a *Application) Logger() *zap.Logger { return a.logger }
func (a *Application) Registry() registry.Registry { return a.registry }
func (a *Application) Loader() *spi.Loader { return a.loader }
func (a *Application) Client() *client.Client { return a.client }
func (a *Application) Local() *server.LocalRegistry { return a.local }
func (a *Application) Metrics() *metrics.Metrics { return a.metrics }
func (a *Application) MetricsHandler() http.Handler { return a.metrics.Handler() }
func (a *Application) Dispatcher() *server.Dispatcher { return a.dispatcher }

// RegisterLocalService binds svc under name and publishes it to the registry.
// Before StartServer the publication waits for the server to be listening.
func (a *Application) RegisterLocalService(ctx context.Context, name string, svc *server.Service) error {
	a.local.Register(name, svc)
	a.mu.Lock()
	defer a.mu.Unlock()
	meta := &message.ServiceMetaInfo{
		ServiceName:    name,
		ServiceVersion: a.cfg.Version,
		ServiceHost:    a.cfg.ServerHost,
	}
	a.published[name] = meta
	if a.srv == nil {
		return nil
	}
	meta.ServicePort = a.port
	return a.publish(ctx, meta)
}

func (a *Application) publish(ctx context.Context, meta *message.ServiceMetaInfo) error {
	if err := a.registry.Register(ctx, meta); err != nil {
		return fmt.Errorf("rpc: publish %s: %w", meta.ServiceNodeKey(), err)
	}
	a.logger.Info("service published", zap.String("node", meta.ServiceNodeKey()))
	return nil
}

// NewClientStub returns a stub for a remote service. An empty version means the default.
func (a *Application) NewClientStub(serviceName, version string) *client.Stub {
	return a.client.Stub(serviceName, version)
}

// StartServer listens on serverHost:port with the configured transport, publishes
// every local service and serves in the background. Port 0 picks a free port.
func (a *Application) StartServer(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		return ErrServerStarted
	}

	var srv rpcServer
	if a.cfg.Transport == config.TransportHTTP {
		srv = server.NewHTTPServer(a.dispatcher, a.logger, a.metrics)
	} else {
		srv = server.NewServer(a.dispatcher, server.WithLogger(a.logger), server.WithMetrics(a.metrics))
	}
	srv.Use(middleware.RecoveryMiddleware(a.logger))
	srv.Use(middleware.LoggingMiddleware(a.logger))
	srv.Use(middleware.TimeoutMiddleware(a.cfg.CallTimeout))

	if err := srv.Listen(net.JoinHostPort(a.cfg.ServerHost, strconv.Itoa(port))); err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	a.srv = srv
	a.port = srv.Addr().(*net.TCPAddr).Port

	var errs error
	for _, meta := range a.published {
		meta.ServicePort = a.port
		errs = multierr.Append(errs, a.publish(ctx, meta))
	}

	go func() {
		if err := srv.Serve(); err != nil {
			a.logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	return errs
}

// Port returns the bound server port, 0 before StartServer.
func (a *Application) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// StartHeartbeat renews the published nodes every registry.heartbeatInterval until
// ctx ends or Shutdown runs.
func (a *Application) StartHeartbeat(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopHeartbeat != nil {
		return
	}
	a.stopHeartbeat = registry.StartHeartbeat(ctx, a.registry, a.cfg.Registry.HeartbeatInterval, a.logger,
		func(error) { a.metrics.IncHeartbeatFailure() })
}

// Shutdown stops the heartbeat, removes this process's nodes from the registry,
// drains the server and closes client connections. Errors are combined.
func (a *Application) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stop, srv := a.stopHeartbeat, a.srv
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	// 先摘掉注册信息，消费者不再选到本实例，再排空在途请求
	errs := a.registry.Destroy(ctx)
	if srv != nil {
		errs = multierr.Append(errs, srv.Shutdown(ctx))
	}
	errs = multierr.Append(errs, a.client.Close())
	_ = a.logger.Sync()
	return errs
}
