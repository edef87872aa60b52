package server

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	config := NewConfig()
	config.ServerName = "example.org"
	if mutate != nil {
		mutate(config)
	}
	engine, err := NewEngine(context.Background(), zap.NewNop(), config, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)
	return engine
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), zap.NewNop(), NewConfig(), nil)
	assert.Error(t, err, "missing server_name must fail startup")

	config := NewConfig()
	config.ServerName = "example.org"
	config.Presence.Policies = []*PolicyModuleConfig{{Name: "no_such_policy"}}
	_, err = NewEngine(context.Background(), zap.NewNop(), config, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	config = NewConfig()
	config.ServerName = "example.org"
	config.Presence.Policies = []*PolicyModuleConfig{{
		Name:   StaticInterestPolicyName,
		Config: map[string]any{"not_a_real_option": true},
	}}
	_, err = NewEngine(context.Background(), zap.NewNop(), config, nil)
	assert.Error(t, err, "malformed policy config must fail startup, not run with a guessed default")
}

func TestEngine_MembershipChangesVisibleThroughCache(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Join("!room1:example.org", "@alice:example.org"))
	require.NoError(t, engine.Join("!room1:example.org", "@bob:example.org"))

	state := UserPresenceState{UserID: "@alice:example.org", Status: PresenceOnline}
	mapping := engine.Router.Route(ctx, UpdateBatch{state})
	require.Contains(t, mapping, "@bob:example.org")

	// A leave must be visible on the next cycle despite the cache.
	require.NoError(t, engine.Leave("!room1:example.org", "@bob:example.org"))
	mapping = engine.Router.Route(ctx, UpdateBatch{state})
	assert.NotContains(t, mapping, "@bob:example.org")
}

func TestEngine_ResolverAndRegistry(t *testing.T) {
	engine := newTestEngine(t, func(config *Config) {
		config.Presence.Policies = []*PolicyModuleConfig{{
			Name:   StaticInterestPolicyName,
			Config: map[string]any{"interested": map[string][]string{"@watcher:example.org": {"*"}}},
		}}
	})
	ctx := context.Background()

	_, err := engine.Subscribers.Register("@watcher:example.org")
	require.NoError(t, err)

	interest, err := engine.Resolver.Resolve(ctx, "@watcher:example.org")
	require.NoError(t, err)
	assert.True(t, interest.IsAll())

	mapping := engine.Router.Route(ctx, UpdateBatch{
		{UserID: "@someone:remote.net", Status: PresenceUnavailable},
	})
	require.Contains(t, mapping, "@watcher:example.org")
	assert.True(t, mapping["@watcher:example.org"].Equal(mapset.NewSet(
		UserPresenceState{UserID: "@someone:remote.net", Status: PresenceUnavailable},
	)))
}

func TestEngine_JoinRejectedWithExternalMembership(t *testing.T) {
	engine := newTestEngine(t, nil)
	engine.localOracle = nil
	assert.Error(t, engine.Join("!room1:example.org", "@alice:example.org"))
	assert.Error(t, engine.Leave("!room1:example.org", "@alice:example.org"))
}
