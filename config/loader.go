package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RPC_REGISTRY_ADDRESS.
const EnvPrefix = "RPC"

// Load builds a Config from defaults, an optional file (yaml, json, toml, by
// extension), an optional .env file in the working directory, and RPC_* variables,
// in increasing priority. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// .env only fills variables that are not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key, AutomaticEnv only resolves keys viper knows about.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)
	v.SetDefault("version", d.Version)
	v.SetDefault("serverHost", d.ServerHost)
	v.SetDefault("serverPort", d.ServerPort)
	v.SetDefault("serializer", d.Serializer)
	v.SetDefault("loadBalancer", d.LoadBalancer)
	v.SetDefault("retryStrategy", d.RetryStrategy)
	v.SetDefault("retry.maxAttempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("toleranceStrategy", d.ToleranceStrategy)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("mock", d.Mock)
	v.SetDefault("callTimeout", d.CallTimeout)
	v.SetDefault("nodeId", d.NodeID)
	v.SetDefault("spiDir", d.SPIDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("registry.registry", d.Registry.Registry)
	v.SetDefault("registry.address", d.Registry.Address)
	v.SetDefault("registry.username", d.Registry.Username)
	v.SetDefault("registry.password", d.Registry.Password)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("registry.leaseDuration", d.Registry.LeaseDuration)
	v.SetDefault("registry.heartbeatInterval", d.Registry.HeartbeatInterval)
	v.SetDefault("registry.rootPath", d.Registry.RootPath)
	v.SetDefault("registry.cacheTTL", d.Registry.CacheTTL)
}
