package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "defaults missing server name",
			mutate:  func(*Config) {},
			wantErr: "server_name",
		},
		{
			name:   "valid",
			mutate: func(c *Config) { c.ServerName = "example.org" },
		},
		{
			name: "unnamed policy",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Presence.Policies = []*PolicyModuleConfig{{Config: map[string]any{}}}
			},
			wantErr: "missing a name",
		},
		{
			name: "zero policy timeout",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Presence.PolicyTimeoutMs = 0
			},
			wantErr: "policy_timeout_ms",
		},
		{
			name: "redis dispatcher without address",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Dispatcher.Backend = DispatcherBackendRedis
			},
			wantErr: "redis_address",
		},
		{
			name: "nats dispatcher without url",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Dispatcher.Backend = DispatcherBackendNATS
			},
			wantErr: "nats_url",
		},
		{
			name: "unknown dispatcher backend",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Dispatcher.Backend = "carrier-pigeon"
			},
			wantErr: "unknown dispatcher backend",
		},
		{
			name: "unknown membership backend",
			mutate: func(c *Config) {
				c.ServerName = "example.org"
				c.Membership.Backend = "ldap"
			},
			wantErr: "unknown membership backend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
server_name: example.org
presence:
  policy_timeout_ms: 100
  policies:
    - name: static_interest
      config:
        always_send_to_users: ["@c:example.org"]
membership:
  cache_ttl_sec: 3
dispatcher:
  backend: local
`)
	config, err := ParseConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "example.org", config.ServerName)
	assert.Equal(t, 100, config.Presence.PolicyTimeoutMs)
	require.Len(t, config.Presence.Policies, 1)
	assert.Equal(t, StaticInterestPolicyName, config.Presence.Policies[0].Name)
	assert.Equal(t, 3, config.Membership.CacheTTLSec)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1024, config.Dispatcher.QueueSize)
}

func TestParseConfigFile_UnknownKeyRejected(t *testing.T) {
	path := writeConfigFile(t, `
server_name: example.org
presenze:
  policy_timeout_ms: 100
`)
	_, err := ParseConfigFile(path)
	assert.Error(t, err)
}

func TestParseConfigFile_Missing(t *testing.T) {
	_, err := ParseConfigFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestConfig_Clone(t *testing.T) {
	config := NewConfig()
	config.ServerName = "example.org"
	config.Presence.Policies = []*PolicyModuleConfig{{Name: StaticInterestPolicyName}}

	clone := config.Clone()
	clone.ServerName = "other.org"
	clone.Presence.Policies[0].Name = "changed"
	clone.Membership.CacheTTLSec = 99

	assert.Equal(t, "example.org", config.ServerName)
	assert.Equal(t, StaticInterestPolicyName, config.Presence.Policies[0].Name)
	assert.Equal(t, 5, config.Membership.CacheTTLSec)
}
