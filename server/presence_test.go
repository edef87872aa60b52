package server

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterestSet_Union(t *testing.T) {
	tests := []struct {
		name     string
		a        InterestSet
		b        InterestSet
		wantAll  bool
		wantSize int
	}{
		{
			name:     "finite with finite",
			a:        FiniteUsers(mapset.NewSet("@a:example.org", "@b:example.org")),
			b:        FiniteUsers(mapset.NewSet("@b:example.org", "@c:example.org")),
			wantSize: 3,
		},
		{
			name:    "all absorbs finite",
			a:       AllUsers(),
			b:       FiniteUsers(mapset.NewSet("@a:example.org")),
			wantAll: true,
		},
		{
			name:    "finite absorbed by all",
			a:       FiniteUsers(mapset.NewSet("@a:example.org")),
			b:       AllUsers(),
			wantAll: true,
		},
		{
			name:     "empty with empty",
			a:        NoUsers(),
			b:        NoUsers(),
			wantSize: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Union(tt.b)
			assert.Equal(t, tt.wantAll, got.IsAll())
			if !tt.wantAll {
				assert.Equal(t, tt.wantSize, got.Users().Cardinality())
			}
		})
	}
}

func TestInterestSet_Contains(t *testing.T) {
	assert.True(t, AllUsers().Contains("@anyone:anywhere.net"))
	finite := FiniteUsers(mapset.NewSet("@a:example.org"))
	assert.True(t, finite.Contains("@a:example.org"))
	assert.False(t, finite.Contains("@b:example.org"))
	assert.False(t, NoUsers().Contains("@a:example.org"))
}

func TestDestinationMapping_Add(t *testing.T) {
	state := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline}
	mapping := make(DestinationMapping)

	// Adding no states must not create an empty destination set.
	mapping.Add("@b:example.org")
	assert.Empty(t, mapping)

	mapping.Add("@b:example.org", state)
	mapping.Add("@b:example.org", state)
	require.Contains(t, mapping, "@b:example.org")
	assert.Equal(t, 1, mapping["@b:example.org"].Cardinality(), "structurally equal states collapse")

	// A distinct state for the same subject is retained alongside.
	later := state
	later.LastActiveTS = 1234
	mapping.Add("@b:example.org", later)
	assert.Equal(t, 2, mapping["@b:example.org"].Cardinality())
}

func TestDestinationMapping_Merge(t *testing.T) {
	stateA := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline}
	stateB := UserPresenceState{UserID: "@b:example.org", Status: PresenceOffline}

	left := make(DestinationMapping)
	left.Add("@x:example.org", stateA)
	right := make(DestinationMapping)
	right.Add("@x:example.org", stateA, stateB)
	right.Add("@y:example.org", stateB)

	left.Merge(right)
	assert.Equal(t, 2, left["@x:example.org"].Cardinality())
	assert.Equal(t, 1, left["@y:example.org"].Cardinality())
	assert.Equal(t, 3, left.TotalStates())
	assert.Equal(t, []string{"@x:example.org", "@y:example.org"}, left.Destinations())
}

func TestUserPresenceState_LastActiveAgo(t *testing.T) {
	now := time.Now()
	state := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline, LastActiveTS: now.Add(-5 * time.Second).UnixMilli()}
	ago := state.LastActiveAgo(now)
	assert.InDelta(t, 5000, ago, 10)

	assert.Zero(t, UserPresenceState{UserID: "@a:example.org"}.LastActiveAgo(now))
	future := UserPresenceState{UserID: "@a:example.org", LastActiveTS: now.Add(time.Minute).UnixMilli()}
	assert.Zero(t, future.LastActiveAgo(now))
}

func TestUpdateBatch_Subjects(t *testing.T) {
	batch := UpdateBatch{
		{UserID: "@a:example.org", Status: PresenceOnline},
		{UserID: "@a:example.org", Status: PresenceOffline},
		{UserID: "@b:example.org", Status: PresenceUnavailable},
	}
	assert.True(t, batch.Subjects().Equal(mapset.NewSet("@a:example.org", "@b:example.org")))
}
