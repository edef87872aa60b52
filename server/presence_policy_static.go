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
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// StaticInterestPolicyName is the registered name of the built-in policy
// driven entirely by static configuration.
const StaticInterestPolicyName = "static_interest"

func init() {
	RegisterPolicy(StaticInterestPolicyName, newStaticInterestPolicy)
}

type staticInterestPolicyConfig struct {
	// Users that receive every presence update routed through this server.
	AlwaysSendToUsers []string `mapstructure:"always_send_to_users"`
	// Subject users whose updates this policy never routes.
	BlacklistedUsers []string `mapstructure:"blacklisted_users"`
	// Explicit subscriber -> subjects interest. The single value "*" means
	// all users.
	Interested map[string][]string `mapstructure:"interested"`
}

// staticInterestPolicy routes presence according to fixed operator
// configuration. It implements both policy capabilities.
type staticInterestPolicy struct {
	logger       *zap.Logger
	alwaysSendTo mapset.Set[string]
	blacklisted  mapset.Set[string]
	interested   map[string]InterestSet
}

func newStaticInterestPolicy(logger *zap.Logger, rawConfig map[string]any) (InterestPolicy, error) {
	var config staticInterestPolicyConfig
	if err := DecodePolicyConfig(rawConfig, &config); err != nil {
		return nil, err
	}

	interested := make(map[string]InterestSet, len(config.Interested))
	for subscriberID, subjects := range config.Interested {
		if len(subjects) == 1 && subjects[0] == "*" {
			interested[subscriberID] = AllUsers()
			continue
		}
		for _, subjectID := range subjects {
			if subjectID == "*" {
				return nil, fmt.Errorf("interested[%q]: %q must be the only entry when used", subscriberID, "*")
			}
		}
		interested[subscriberID] = FiniteUsers(interestUnion(subjects))
	}

	return &staticInterestPolicy{
		logger:       logger,
		alwaysSendTo: interestUnion(config.AlwaysSendToUsers),
		blacklisted:  interestUnion(config.BlacklistedUsers),
		interested:   interested,
	}, nil
}

func (p *staticInterestPolicy) Name() string {
	return StaticInterestPolicyName
}

// InterestedUsers reports the configured interest for the subscriber. The
// always-send list is deliberately not surfaced here when a blacklist is
// configured: those subscribers are already served every non-blacklisted
// state through RouteStates each cycle, and an all-users answer would let
// blacklisted subjects leak through interest-driven delivery.
func (p *staticInterestPolicy) InterestedUsers(_ context.Context, userID string) (InterestSet, error) {
	interest, ok := p.interested[userID]
	if !ok {
		interest = NoUsers()
	}
	if p.alwaysSendTo.Contains(userID) && p.blacklisted.Cardinality() == 0 {
		return AllUsers(), nil
	}
	if !interest.IsAll() {
		interest = FiniteUsers(interest.Users().Difference(p.blacklisted))
	}
	return interest, nil
}

// RouteStates sends every non-blacklisted state in the batch to the
// always-send subscribers, and matching states to explicitly interested
// subscribers.
func (p *staticInterestPolicy) RouteStates(_ context.Context, batch UpdateBatch) (DestinationMapping, error) {
	mapping := make(DestinationMapping, p.alwaysSendTo.Cardinality())
	for _, state := range batch {
		if p.blacklisted.Contains(state.UserID) {
			continue
		}
		p.alwaysSendTo.Each(func(destination string) bool {
			mapping.Add(destination, state)
			return false
		})
		for subscriberID, interest := range p.interested {
			if interest.Contains(state.UserID) {
				mapping.Add(subscriberID, state)
			}
		}
	}
	return mapping, nil
}

var (
	_ InterestedUsersProvider = (*staticInterestPolicy)(nil)
	_ StateRouter             = (*staticInterestPolicy)(nil)
)
