// Package config holds the immutable runtime configuration.
//
// A Config is produced once at process start (Default or Load) and handed by pointer
// to every constructor. Nothing in the module mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

type Config struct {
	Name              string         `mapstructure:"name"`
	Version           string         `mapstructure:"version"`
	ServerHost        string         `mapstructure:"serverHost"`
	ServerPort        int            `mapstructure:"serverPort"`
	Serializer        string         `mapstructure:"serializer"`
	LoadBalancer      string         `mapstructure:"loadBalancer"`
	RetryStrategy     string         `mapstructure:"retryStrategy"`
	Retry             RetryConfig    `mapstructure:"retry"`
	ToleranceStrategy string         `mapstructure:"toleranceStrategy"`
	Transport         string         `mapstructure:"transport"`
	Mock              bool           `mapstructure:"mock"`
	CallTimeout       time.Duration  `mapstructure:"callTimeout"`
	NodeID            int64          `mapstructure:"nodeId"`
	SPIDir            string         `mapstructure:"spiDir"`
	Log               LogConfig      `mapstructure:"log"`
	Registry          RegistryConfig `mapstructure:"registry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type RegistryConfig struct {
	Registry          string        `mapstructure:"registry"` // etcd, redis, zookeeper, memory
	Address           string        `mapstructure:"address"`  // comma separated for clusters
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Timeout           time.Duration `mapstructure:"timeout"`
	LeaseDuration     time.Duration `mapstructure:"leaseDuration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	RootPath          string        `mapstructure:"rootPath"`
	CacheTTL          time.Duration `mapstructure:"cacheTTL"` // 0 disables expiry, watch events still invalidate
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Name:              "krpc",
		Version:           "1.0",
		ServerHost:        "localhost",
		ServerPort:        8080,
		Serializer:        "json",
		LoadBalancer:      "roundRobin",
		RetryStrategy:     "no",
		Retry:             RetryConfig{MaxAttempts: 3, Interval: 3 * time.Second},
		ToleranceStrategy: "failFast",
		Transport:         TransportTCP,
		CallTimeout:       5 * time.Second,
		NodeID:            1,
		Log:               LogConfig{Level: "info", Format: "json"},
		Registry:          DefaultRegistry(),
	}
}

func DefaultRegistry() RegistryConfig {
	return RegistryConfig{
		Registry:          "etcd",
		Address:           "http://localhost:2380",
		Timeout:           10 * time.Second,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		RootPath:          "/rpc",
		CacheTTL:          30 * time.Second,
	}
}

// Endpoints splits Address on commas.
func (r *RegistryConfig) Endpoints() []string {
	var out []string
	for _, e := range strings.Split(r.Address, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks values the loaders cannot reject on their own. Component keys
// (serializer, loadBalancer, ...) are checked later against the SPI descriptors.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("serverPort %d out of range", c.ServerPort))
	}
	if c.Transport != TransportTCP && c.Transport != TransportHTTP {
		errs = append(errs, fmt.Errorf("transport %q must be %q or %q", c.Transport, TransportTCP, TransportHTTP))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("callTimeout must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.maxAttempts must be at least 1"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("nodeId %d out of range 0..1023", c.NodeID))
	}
	r := c.Registry
	if r.LeaseDuration < time.Second {
		errs = append(errs, errors.New("registry.leaseDuration must be at least 1s"))
	}
	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.LeaseDuration {
		errs = append(errs, errors.New("registry.heartbeatInterval must be positive and shorter than leaseDuration"))
	}
	if !strings.HasPrefix(r.RootPath, "/") {
		errs = append(errs, fmt.Errorf("registry.rootPath %q must start with /", r.RootPath))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
