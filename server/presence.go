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
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// PresenceStatus is the coarse availability of a user.
type PresenceStatus string

const (
	PresenceOnline      PresenceStatus = "online"
	PresenceOffline     PresenceStatus = "offline"
	PresenceUnavailable PresenceStatus = "unavailable"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceUnavailable:
		return true
	}
	return false
}

// UserPresenceState is one user's presence at a point in time. Values are
// immutable once constructed; a newer state for the same user supersedes an
// older one rather than mutating it. The struct is comparable so states can
// be deduplicated by set membership (full structural equality).
type UserPresenceState struct {
	UserID          string         `json:"user_id"`
	Status          PresenceStatus `json:"presence"`
	StatusMsg       string         `json:"status_msg,omitempty"`
	LastActiveTS    int64          `json:"last_active_ts"` // Unix milliseconds.
	CurrentlyActive bool           `json:"currently_active,omitempty"`
}

// NewUserPresenceState returns the default (offline, never active) state for
// a user, mirroring what a homeserver reports for users it has never seen.
func NewUserPresenceState(userID string) UserPresenceState {
	return UserPresenceState{
		UserID: userID,
		Status: PresenceOffline,
	}
}

// LastActiveAgo converts the absolute last-active timestamp into the
// milliseconds-ago form used on the federation wire.
func (s UserPresenceState) LastActiveAgo(now time.Time) int64 {
	if s.LastActiveTS <= 0 {
		return 0
	}
	ago := now.UnixMilli() - s.LastActiveTS
	if ago < 0 {
		return 0
	}
	return ago
}

func (s UserPresenceState) String() string {
	return fmt.Sprintf("UserPresenceState(user=%s, status=%s, lastActive=%d)", s.UserID, s.Status, s.LastActiveTS)
}

// UpdateBatch is the unit of routing: a collection of presence updates,
// order irrelevant, possibly covering multiple distinct subject users.
type UpdateBatch []UserPresenceState

// Subjects returns the distinct subject user IDs appearing in the batch.
func (b UpdateBatch) Subjects() mapset.Set[string] {
	subjects := mapset.NewSet[string]()
	for _, state := range b {
		subjects.Add(state.UserID)
	}
	return subjects
}

// toSet returns the batch as a set, collapsing structurally equal states.
func (b UpdateBatch) toSet() mapset.Set[UserPresenceState] {
	states := mapset.NewSet[UserPresenceState]()
	for _, state := range b {
		states.Add(state)
	}
	return states
}

// DestinationMapping maps a destination user ID to the deduplicated set of
// presence states that user must receive. A destination never appears with
// an empty set.
type DestinationMapping map[string]mapset.Set[UserPresenceState]

// Add unions the given states into the destination's set, creating it on
// first use. Adding zero states is a no-op so the empty-set invariant holds.
func (m DestinationMapping) Add(destination string, states ...UserPresenceState) {
	if len(states) == 0 {
		return
	}
	set, ok := m[destination]
	if !ok {
		set = mapset.NewSet[UserPresenceState]()
		m[destination] = set
	}
	for _, state := range states {
		set.Add(state)
	}
}

// Merge unions every destination set from other into m.
func (m DestinationMapping) Merge(other DestinationMapping) {
	for destination, states := range other {
		if states == nil || states.Cardinality() == 0 {
			continue
		}
		m.Add(destination, states.ToSlice()...)
	}
}

// Destinations returns the destination user IDs in sorted order.
func (m DestinationMapping) Destinations() []string {
	destinations := make([]string, 0, len(m))
	for destination := range m {
		destinations = append(destinations, destination)
	}
	sort.Strings(destinations)
	return destinations
}

// TotalStates returns the number of (destination, state) pairs in the
// mapping, i.e. the number of individual deliveries it represents.
func (m DestinationMapping) TotalStates() int {
	total := 0
	for _, states := range m {
		total += states.Cardinality()
	}
	return total
}

// InterestSet is either a finite set of subject user IDs a subscriber wants
// presence for, or the distinguished "all" value meaning every incoming
// update, local and remote, regardless of room membership.
type InterestSet struct {
	all   bool
	users mapset.Set[string]
}

// AllUsers is the InterestSet covering every user.
func AllUsers() InterestSet {
	return InterestSet{all: true}
}

// FiniteUsers wraps a concrete set of user IDs. A nil set is treated as
// empty interest.
func FiniteUsers(users mapset.Set[string]) InterestSet {
	if users == nil {
		users = mapset.NewSet[string]()
	}
	return InterestSet{users: users}
}

// NoUsers is the empty finite InterestSet.
func NoUsers() InterestSet {
	return FiniteUsers(nil)
}

func (s InterestSet) IsAll() bool {
	return s.all
}

func (s InterestSet) Contains(userID string) bool {
	if s.all {
		return true
	}
	return s.users != nil && s.users.Contains(userID)
}

// Users returns the finite membership. Callers must check IsAll first; the
// result is meaningless for the all-users set.
func (s InterestSet) Users() mapset.Set[string] {
	if s.users == nil {
		return mapset.NewSet[string]()
	}
	return s.users
}

// Union combines two interest sets. All absorbs everything.
func (s InterestSet) Union(other InterestSet) InterestSet {
	if s.all || other.all {
		return AllUsers()
	}
	return FiniteUsers(s.Users().Union(other.Users()))
}

func (s InterestSet) String() string {
	if s.all {
		return "InterestSet(ALL)"
	}
	return fmt.Sprintf("InterestSet(%d users)", s.Users().Cardinality())
}
