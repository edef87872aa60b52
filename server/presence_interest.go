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
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// ErrNotLocalUser is returned when interest is resolved for a user not
// homed on this server. The policy contract only covers local users, so
// such a call is a bug in the caller, not an empty result.
var ErrNotLocalUser = errors.New("presence interest can only be resolved for local users")

// InterestResolver combines baseline room-sharing interest with the policy
// chain's per-subscriber interest. The room-derived portion is the
// non-pluggable guarantee: it applies whether or not any policy is
// configured.
type InterestResolver struct {
	logger     *zap.Logger
	serverName string
	oracle     MembershipOracle
	policies   *policyChain
}

func NewInterestResolver(logger *zap.Logger, serverName string, oracle MembershipOracle, policies *policyChain) *InterestResolver {
	return &InterestResolver{
		logger:     logger,
		serverName: serverName,
		oracle:     oracle,
		policies:   policies,
	}
}

// Resolve returns the set of users whose presence the given local
// subscriber should receive: co-members of their rooms plus whatever the
// policy chain adds. An all-users policy answer short-circuits the room
// lookups. A membership oracle failure degrades to policy-only interest
// rather than failing the resolution.
func (r *InterestResolver) Resolve(ctx context.Context, subscriberID string) (InterestSet, error) {
	if !IsLocalUser(subscriberID, r.serverName) {
		return NoUsers(), fmt.Errorf("%w: %s", ErrNotLocalUser, subscriberID)
	}

	interest := r.policies.InterestedUsers(ctx, subscriberID)
	if interest.IsAll() {
		return interest, nil
	}

	coMembers, err := r.sharedRoomUsers(ctx, subscriberID)
	if err != nil {
		r.logger.Warn("Failed to resolve room-based interest, using policy interest only",
			zap.String("subscriber_id", subscriberID), zap.Error(err))
		return interest, nil
	}
	return interest.Union(FiniteUsers(coMembers)), nil
}

// sharedRoomUsers returns the users joined to at least one of the
// subscriber's rooms, excluding the subscriber themselves.
func (r *InterestResolver) sharedRoomUsers(ctx context.Context, subscriberID string) (mapset.Set[string], error) {
	rooms, err := r.oracle.RoomsSharedWith(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	coMembers := mapset.NewSet[string]()
	var lastErr error
	rooms.Each(func(roomID string) bool {
		members, err := r.oracle.LocalMembersOf(ctx, roomID)
		if err != nil {
			lastErr = err
			return false
		}
		coMembers = coMembers.Union(members)
		return false
	})
	if lastErr != nil {
		if coMembers.Cardinality() == 0 {
			return nil, lastErr
		}
		r.logger.Warn("Room member lookup failed for some rooms, room-based interest may be incomplete",
			zap.String("subscriber_id", subscriberID), zap.Error(lastErr))
	}
	coMembers.Remove(subscriberID)
	return coMembers, nil
}
