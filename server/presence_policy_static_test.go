package server

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStaticPolicy(t *testing.T, rawConfig map[string]any) *staticInterestPolicy {
	t.Helper()
	policy, err := newStaticInterestPolicy(zap.NewNop(), rawConfig)
	require.NoError(t, err)
	return policy.(*staticInterestPolicy)
}

func TestStaticInterestPolicy_ConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig map[string]any
		wantErr   bool
	}{
		{
			name:      "empty config",
			rawConfig: nil,
		},
		{
			name: "valid config",
			rawConfig: map[string]any{
				"always_send_to_users": []string{"@c:example.org"},
				"blacklisted_users":    []string{"@a:example.org"},
				"interested":           map[string][]string{"@e:example.org": {"*"}},
			},
		},
		{
			name:      "unknown key rejected",
			rawConfig: map[string]any{"alway_send_to_users": []string{"@c:example.org"}},
			wantErr:   true,
		},
		{
			name:      "wildcard must be alone",
			rawConfig: map[string]any{"interested": map[string][]string{"@e:example.org": {"*", "@a:example.org"}}},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newStaticInterestPolicy(zap.NewNop(), tt.rawConfig)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStaticInterestPolicy_RouteStatesBlacklist(t *testing.T) {
	policy := newStaticPolicy(t, map[string]any{
		"always_send_to_users": []string{"@c:example.org"},
		"blacklisted_users":    []string{"@a:example.org"},
	})

	stateA := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline}
	stateD := UserPresenceState{UserID: "@d:remote.net", Status: PresenceOffline}

	mapping, err := policy.RouteStates(context.Background(), UpdateBatch{stateA, stateD})
	require.NoError(t, err)
	require.Len(t, mapping, 1)
	assert.True(t, mapping["@c:example.org"].Equal(mapset.NewSet(stateD)), "blacklisted subject must be excluded")
}

func TestStaticInterestPolicy_InterestedUsers(t *testing.T) {
	policy := newStaticPolicy(t, map[string]any{
		"always_send_to_users": []string{"@c:example.org"},
		"interested": map[string][]string{
			"@e:example.org": {"*"},
			"@f:example.org": {"@a:example.org", "@b:example.org"},
		},
	})

	all, err := policy.InterestedUsers(context.Background(), "@e:example.org")
	require.NoError(t, err)
	assert.True(t, all.IsAll())

	finite, err := policy.InterestedUsers(context.Background(), "@f:example.org")
	require.NoError(t, err)
	require.False(t, finite.IsAll())
	assert.True(t, finite.Users().Equal(mapset.NewSet("@a:example.org", "@b:example.org")))

	// With no blacklist the always-send subscriber is interested in all.
	sendTo, err := policy.InterestedUsers(context.Background(), "@c:example.org")
	require.NoError(t, err)
	assert.True(t, sendTo.IsAll())

	none, err := policy.InterestedUsers(context.Background(), "@nobody:example.org")
	require.NoError(t, err)
	assert.False(t, none.IsAll())
	assert.Zero(t, none.Users().Cardinality())
}

func TestStaticInterestPolicy_BlacklistConstrainsInterest(t *testing.T) {
	policy := newStaticPolicy(t, map[string]any{
		"always_send_to_users": []string{"@c:example.org"},
		"blacklisted_users":    []string{"@a:example.org"},
		"interested":           map[string][]string{"@f:example.org": {"@a:example.org", "@b:example.org"}},
	})

	// The always-send subscriber must not degrade to all-users interest:
	// that would leak blacklisted subjects through interest-driven routing.
	sendTo, err := policy.InterestedUsers(context.Background(), "@c:example.org")
	require.NoError(t, err)
	assert.False(t, sendTo.IsAll())

	finite, err := policy.InterestedUsers(context.Background(), "@f:example.org")
	require.NoError(t, err)
	assert.True(t, finite.Users().Equal(mapset.NewSet("@b:example.org")))
}

func TestStaticInterestPolicy_RegisteredByDefault(t *testing.T) {
	config := &PresenceConfig{
		Policies: []*PolicyModuleConfig{{
			Name:   StaticInterestPolicyName,
			Config: map[string]any{"always_send_to_users": []string{"@c:example.org"}},
		}},
		PolicyTimeoutMs: 250,
	}
	chain, err := newPolicyChain(zap.NewNop(), config, nil)
	require.NoError(t, err)
	assert.True(t, chain.HasStateRouter())
	assert.True(t, chain.HasInterestCapability())
}
