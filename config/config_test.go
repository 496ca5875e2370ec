package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "krpc", cfg.Name)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "roundRobin", cfg.LoadBalancer)
	assert.Equal(t, "etcd", cfg.Registry.Registry)
	assert.Equal(t, 10*time.Second, cfg.Registry.Timeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rpc.yaml")
	yaml := `
name: user-provider
serverPort: 9000
serializer: msgpack
retryStrategy: fixedInterval
retry:
  maxAttempts: 5
  interval: 200ms
registry:
  registry: redis
  address: localhost:6379
  leaseDuration: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("RPC_REGISTRY_ADDRESS", "10.0.0.1:6379,10.0.0.2:6379")
	t.Setenv("RPC_MOCK", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "user-provider", cfg.Name)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, "msgpack", cfg.Serializer)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.Interval)
	assert.Equal(t, "redis", cfg.Registry.Registry)
	assert.Equal(t, 20*time.Second, cfg.Registry.LeaseDuration)
	assert.True(t, cfg.Mock)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Registry.Endpoints())

	// 未出现在文件里的键保持默认值
	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatInterval)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transport = "udp"
	cfg.Registry.HeartbeatInterval = time.Minute
	cfg.Registry.RootPath = "rpc"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, err.Error(), "heartbeatInterval")
	assert.Contains(t, err.Error(), "rootPath")
}
