// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DispatcherBackendLocal = "local"
	DispatcherBackendRedis = "redis"
	DispatcherBackendNATS  = "nats"
)

// Config is the full engine configuration, parsed exactly once at startup.
type Config struct {
	Name           string            `yaml:"name" json:"name" usage:"Instance name for logs and metrics. Default 'presenced'."`
	ServerName     string            `yaml:"server_name" json:"server_name" usage:"The federation domain this server is authoritative for. Users with this domain are local. Required."`
	MetricsAddress string            `yaml:"metrics_address" json:"metrics_address" usage:"Listen address for the Prometheus scrape endpoint. Empty disables it."`
	Presence       *PresenceConfig   `yaml:"presence" json:"presence" usage:"Presence routing configuration."`
	Membership     *MembershipConfig `yaml:"membership" json:"membership" usage:"Room membership oracle configuration."`
	Dispatcher     *DispatcherConfig `yaml:"dispatcher" json:"dispatcher" usage:"Delivery backend configuration."`
}

// PresenceConfig configures the router and the policy module chain.
type PresenceConfig struct {
	Policies        []*PolicyModuleConfig `yaml:"policies" json:"policies" usage:"Ordered list of interest policy modules. Empty for baseline room routing only."`
	PolicyTimeoutMs int                   `yaml:"policy_timeout_ms" json:"policy_timeout_ms" usage:"Per-call timeout in milliseconds for policy capability invocations. Default 250."`
	RouteQueueSize  int                   `yaml:"route_queue_size" json:"route_queue_size" usage:"Buffered routing queue size for asynchronous dispatch. Default 128."`
}

// PolicyModuleConfig names one policy module and carries its raw
// configuration block. The block is validated by the module's own factory.
type PolicyModuleConfig struct {
	Name   string         `yaml:"name" json:"name" usage:"Registered policy module name."`
	Config map[string]any `yaml:"config" json:"config" usage:"Module-specific configuration, passed to the module's config parser once at startup."`
}

// MembershipConfig configures the membership oracle and its cache.
type MembershipConfig struct {
	CacheTTLSec   int    `yaml:"cache_ttl_sec" json:"cache_ttl_sec" usage:"TTL in seconds for cached membership lookups. Default 5."`
	CacheSize     int    `yaml:"cache_size" json:"cache_size" usage:"Maximum entries per membership cache. Default 10000."`
	Backend       string `yaml:"backend" json:"backend" usage:"Membership oracle backend: 'local' or 'redis'. Default 'local'."`
	RedisAddress  string `yaml:"redis_address" json:"redis_address" usage:"Redis server address (host:port). Required for the redis backend."`
	RedisPassword string `yaml:"redis_password" json:"redis_password" usage:"Redis server password. Optional."`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" usage:"Redis database number. Default 0."`
	KeyPrefix     string `yaml:"key_prefix" json:"key_prefix" usage:"Prefix for membership keys in Redis. Default 'presence'."`
}

// DispatcherConfig selects and configures the delivery backend.
type DispatcherConfig struct {
	Backend       string `yaml:"backend" json:"backend" usage:"Delivery backend: 'local', 'redis' or 'nats'. Default 'local'."`
	QueueSize     int    `yaml:"queue_size" json:"queue_size" usage:"Local dispatcher queue size. Default 1024."`
	RedisAddress  string `yaml:"redis_address" json:"redis_address" usage:"Redis server address (host:port). Required for the redis backend."`
	RedisPassword string `yaml:"redis_password" json:"redis_password" usage:"Redis server password. Optional."`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" usage:"Redis database number. Default 0."`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" usage:"Prefix for Redis pub/sub channels. Default 'presenced'."`
	NATSURL       string `yaml:"nats_url" json:"nats_url" usage:"NATS server URL. Required for the nats backend."`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix" usage:"Prefix for NATS subjects. Default 'presenced'."`
}

func NewConfig() *Config {
	return &Config{
		Name: "presenced",
		Presence: &PresenceConfig{
			Policies:        nil,
			PolicyTimeoutMs: 250,
			RouteQueueSize:  128,
		},
		Membership: &MembershipConfig{
			CacheTTLSec: 5,
			CacheSize:   10_000,
			Backend:     "local",
			RedisDB:     0,
			KeyPrefix:   "presence",
		},
		Dispatcher: &DispatcherConfig{
			Backend:       DispatcherBackendLocal,
			QueueSize:     1024,
			RedisDB:       0,
			ChannelPrefix: "presenced",
			SubjectPrefix: "presenced",
		},
	}
}

// ParseConfigFile reads and strictly decodes a yaml configuration file over
// the defaults. Unknown fields are a configuration error.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	config := NewConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration for fatal errors. The process must not
// start on a non-nil result.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("config: server_name is required")
	}
	if c.Presence == nil || c.Membership == nil || c.Dispatcher == nil {
		return fmt.Errorf("config: presence, membership and dispatcher sections are required")
	}
	if c.Presence.PolicyTimeoutMs <= 0 {
		return fmt.Errorf("config: presence.policy_timeout_ms must be positive")
	}
	if c.Membership.CacheTTLSec <= 0 || c.Membership.CacheSize <= 0 {
		return fmt.Errorf("config: membership cache_ttl_sec and cache_size must be positive")
	}
	switch c.Membership.Backend {
	case "local":
	case "redis":
		if c.Membership.RedisAddress == "" {
			return fmt.Errorf("config: membership.redis_address is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown membership backend %q", c.Membership.Backend)
	}
	for i, policy := range c.Presence.Policies {
		if policy == nil || policy.Name == "" {
			return fmt.Errorf("config: presence.policies[%d] is missing a name", i)
		}
	}
	switch c.Dispatcher.Backend {
	case DispatcherBackendLocal:
	case DispatcherBackendRedis:
		if c.Dispatcher.RedisAddress == "" {
			return fmt.Errorf("config: dispatcher.redis_address is required for the redis backend")
		}
	case DispatcherBackendNATS:
		if c.Dispatcher.NATSURL == "" {
			return fmt.Errorf("config: dispatcher.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("config: unknown dispatcher backend %q", c.Dispatcher.Backend)
	}
	return nil
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	configCopy := *c
	if c.Presence != nil {
		presenceCopy := *c.Presence
		presenceCopy.Policies = make([]*PolicyModuleConfig, 0, len(c.Presence.Policies))
		for _, policy := range c.Presence.Policies {
			policyCopy := *policy
			presenceCopy.Policies = append(presenceCopy.Policies, &policyCopy)
		}
		configCopy.Presence = &presenceCopy
	}
	if c.Membership != nil {
		membershipCopy := *c.Membership
		configCopy.Membership = &membershipCopy
	}
	if c.Dispatcher != nil {
		dispatcherCopy := *c.Dispatcher
		configCopy.Dispatcher = &dispatcherCopy
	}
	return &configCopy
}

// GetPolicyTimeout returns the per-call policy timeout as a time.Duration.
func (c *PresenceConfig) GetPolicyTimeout() time.Duration {
	return time.Duration(c.PolicyTimeoutMs) * time.Millisecond
}

// GetCacheTTL returns the membership cache TTL as a time.Duration.
func (c *MembershipConfig) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}
