package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshrouter/internal/node"
	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
)

const controllerYAML = `nodeId: cluster-controller
role: controller
logging:
  level: debug
  format: json
router:
  sendMsgRetryInterval: 500ms
  maxRetryCount: 5
  maxParallelSends: 4
  defaultRouteTtl: 1h
websocket:
  listenAddr: 127.0.0.1:4242
  path: /mesh
  advertisedHost: controller.local
mqtt:
  brokerUri: tcp://broker:1883
  ownTopic: cc
  publishRate: 50
persistence:
  backend: bolt
  path: /var/lib/meshrouter/queue.db
  policy: all
accessControl:
  enabled: true
  secret: s3cret
admin:
  listenAddr: 127.0.0.1:9100
`

const libYAML = `nodeId: app
role: lib
parent:
  type: binder
  packageName: io.mesh.controller
binder:
  socketDir: /run/mesh
  packageName: io.mesh.app
  userId: 10
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

// TestLoadController tests parsing and conversion of a controller file
func TestLoadController(t *testing.T) {
	cfg, err := Load(writeFile(t, "controller.yaml", controllerYAML))
	require.NoError(t, err)

	assert.Equal(t, "cluster-controller", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Router.SendMsgRetryInterval)
	require.NotNil(t, cfg.Router.MaxRetryCount)
	assert.Equal(t, 5, *cfg.Router.MaxRetryCount)
	assert.Equal(t, "127.0.0.1:9100", cfg.Admin.ListenAddr)

	nc, err := cfg.NodeConfig()
	require.NoError(t, err)
	assert.Equal(t, router.RoleController, nc.Role)
	assert.Equal(t, router.RoleController, nc.Router.Role)
	assert.Equal(t, "cluster-controller", nc.Router.QueueID)
	assert.Equal(t, 5, nc.Router.MaxRetryCount)
	assert.Equal(t, 4, nc.Router.MaxParallelSends)
	assert.Equal(t, time.Hour, nc.Router.DefaultRouteTTL)
	assert.True(t, nc.Router.AccessControlEnabled)
	require.NotNil(t, nc.WebSocketServer)
	assert.Equal(t, "/mesh", nc.WebSocketServer.Path)
	assert.Equal(t, "controller.local", nc.WebSocketServer.AdvertisedHost)
	require.NotNil(t, nc.Mqtt)
	assert.Equal(t, "cluster-controller", nc.Mqtt.ClientID)
	assert.Equal(t, "cc", nc.Mqtt.OwnTopic)
	assert.Equal(t, float64(50), nc.Mqtt.PublishRate)
	assert.Equal(t, node.BackendBolt, nc.Persistence.Backend)
	assert.Equal(t, node.PolicyAll, nc.Persistence.Policy)
	assert.Nil(t, nc.Binder)
}

// TestLoadLib tests a library with a binder parent
func TestLoadLib(t *testing.T) {
	cfg, err := Load(writeFile(t, "lib.yaml", libYAML))
	require.NoError(t, err)

	nc, err := cfg.NodeConfig()
	require.NoError(t, err)
	assert.Equal(t, router.RoleLib, nc.Role)
	require.NotNil(t, nc.Parent)
	assert.Equal(t, address.Binder("io.mesh.controller", 0), *nc.Parent)
	assert.Equal(t, nc.Parent, nc.Router.ParentAddress)
	require.NotNil(t, nc.Binder)
	assert.True(t, nc.Binder.Upstream)
	assert.Equal(t, -1, nc.Router.MaxRetryCount)
	assert.Nil(t, nc.WebSocketServer)
}

// TestDefaults tests an empty configuration
func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "controller", cfg.Role)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NotNil(t, cfg.Router.MaxRetryCount)
	assert.Equal(t, -1, *cfg.Router.MaxRetryCount)

	nc, err := cfg.NodeConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, nc.Router.SendMsgRetryInterval)
	assert.Equal(t, node.BackendNone, nc.Persistence.Backend)
}

// TestApplyEnv tests MESHROUTER_* overrides
func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MESHROUTER_NODE_ID":               "from-env",
		"MESHROUTER_LOG_LEVEL":             "warn",
		"MESHROUTER_MAX_RETRY_COUNT":       "0",
		"MESHROUTER_RETRY_INTERVAL":        "250ms",
		"MESHROUTER_MAX_PARALLEL_SENDS":    "8",
		"MESHROUTER_MQTT_BROKER":           "tcp://other:1883",
		"MESHROUTER_ACCESS_CONTROL_SECRET": "k",
		"MESHROUTER_PERSISTENCE_BACKEND":   "memory",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := &Config{NodeID: "from-file"}
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	require.NotNil(t, cfg.Router.MaxRetryCount)
	assert.Equal(t, 0, *cfg.Router.MaxRetryCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Router.SendMsgRetryInterval)
	assert.Equal(t, 8, cfg.Router.MaxParallelSends)
	require.NotNil(t, cfg.Mqtt)
	assert.Equal(t, "tcp://other:1883", cfg.Mqtt.BrokerURI)
	assert.True(t, cfg.AccessControl.Enabled)
	assert.Equal(t, "memory", cfg.Persistence.Backend)

	env = map[string]string{"MESHROUTER_RETRY_INTERVAL": "soon"}
	assert.Error(t, (&Config{}).ApplyEnv(lookup))
	env = map[string]string{"MESHROUTER_MAX_PARALLEL_SENDS": "many"}
	assert.Error(t, (&Config{}).ApplyEnv(lookup))

	require.NoError(t, (&Config{}).ApplyEnv(noEnv))
}

// TestLoadEnvFile tests values coming from a .env file
func TestLoadEnvFile(t *testing.T) {
	t.Setenv("MESHROUTER_NODE_ID", "")
	os.Unsetenv("MESHROUTER_NODE_ID")
	envFile := writeFile(t, ".env", "MESHROUTER_NODE_ID=dotenv-node\n")
	t.Cleanup(func() { os.Unsetenv("MESHROUTER_NODE_ID") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-node", cfg.NodeID)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

// TestValidation tests rejected configurations
func TestValidation(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "role: satellite\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "logging:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "admin:\n  secret: s\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "router: [1, 2]\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// a library without a parent passes Load but not the node checks
	cfg, err := Load(writeFile(t, "lib.yaml", "role: lib\n"))
	require.NoError(t, err)
	_, err = cfg.NodeConfig()
	assert.ErrorIs(t, err, node.ErrMissingParent)
}
