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
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrUnknownPolicy is returned when configuration names a policy module
// that has not been registered.
var ErrUnknownPolicy = errors.New("unknown presence policy module")

// InterestPolicy is the base contract for a pluggable interest policy. The
// two routing capabilities are optional and independently implementable;
// a policy satisfies whichever of InterestedUsersProvider and StateRouter
// it chooses to.
type InterestPolicy interface {
	Name() string
}

// InterestedUsersProvider is the per-subscriber capability: which users is
// the given local user interested in receiving presence for. Implementations
// may consult external state but must respect the context deadline.
type InterestedUsersProvider interface {
	InterestPolicy
	InterestedUsers(ctx context.Context, userID string) (InterestSet, error)
}

// StateRouter is the batch capability: given a batch of presence updates,
// which extra destinations (beyond baseline room membership) receive which
// subset of the batch. Returned states must be drawn from the input batch.
type StateRouter interface {
	InterestPolicy
	RouteStates(ctx context.Context, batch UpdateBatch) (DestinationMapping, error)
}

// PolicyFactory constructs a policy from its raw configuration block. The
// factory validates the block and must fail on malformed input; it is
// invoked exactly once per process lifetime for a given config generation.
type PolicyFactory func(logger *zap.Logger, rawConfig map[string]any) (InterestPolicy, error)

var (
	policyRegistryMu sync.RWMutex
	policyRegistry   = make(map[string]PolicyFactory)
)

// RegisterPolicy makes a policy module available to configuration under the
// given name. Intended to be called from init or before startup; duplicate
// registration panics.
func RegisterPolicy(name string, factory PolicyFactory) {
	policyRegistryMu.Lock()
	defer policyRegistryMu.Unlock()
	if _, ok := policyRegistry[name]; ok {
		panic(fmt.Sprintf("presence policy %q registered twice", name))
	}
	policyRegistry[name] = factory
}

func lookupPolicy(name string) (PolicyFactory, bool) {
	policyRegistryMu.RLock()
	defer policyRegistryMu.RUnlock()
	factory, ok := policyRegistry[name]
	return factory, ok
}

// DecodePolicyConfig decodes a raw policy configuration block into a typed
// struct. Unknown keys are rejected so operator typos surface at startup
// instead of silently changing behavior.
func DecodePolicyConfig(rawConfig map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(rawConfig); err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	return nil
}

// policyChain consults the configured policy modules in declared order and
// union-merges their results, biased toward over-delivery. A failing or
// slow policy degrades to its safe default for that call only.
type policyChain struct {
	logger  *zap.Logger
	metrics *Metrics

	policies []InterestPolicy
	timeout  time.Duration

	policyFailures     *atomic.Int64
	contractViolations *atomic.Int64
}

// newPolicyChain builds the configured policy modules. Unknown module names
// and invalid module configuration are fatal configuration errors. Metrics
// may be nil for library-style use.
func newPolicyChain(logger *zap.Logger, config *PresenceConfig, metrics *Metrics) (*policyChain, error) {
	policies := make([]InterestPolicy, 0, len(config.Policies))
	for _, moduleConfig := range config.Policies {
		factory, ok := lookupPolicy(moduleConfig.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, moduleConfig.Name)
		}
		policy, err := factory(logger.With(zap.String("policy", moduleConfig.Name)), moduleConfig.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to configure presence policy %q: %w", moduleConfig.Name, err)
		}
		policies = append(policies, policy)
		logger.Info("Presence policy module configured", zap.String("policy", moduleConfig.Name))
	}

	return &policyChain{
		logger:   logger,
		metrics:  metrics,
		policies: policies,
		timeout:  config.GetPolicyTimeout(),

		policyFailures:     atomic.NewInt64(0),
		contractViolations: atomic.NewInt64(0),
	}, nil
}

func (pc *policyChain) recordPolicyFailure() {
	pc.policyFailures.Inc()
	if pc.metrics != nil {
		pc.metrics.PolicyFailures.Inc(1)
	}
}

func (pc *policyChain) recordContractViolation() {
	pc.contractViolations.Inc()
	if pc.metrics != nil {
		pc.metrics.ContractViolations.Inc(1)
	}
}

// HasInterestCapability reports whether any configured policy can extend
// per-subscriber interest beyond baseline room membership.
func (pc *policyChain) HasInterestCapability() bool {
	for _, policy := range pc.policies {
		switch policy.(type) {
		case InterestedUsersProvider, StateRouter:
			return true
		}
	}
	return false
}

// HasStateRouter reports whether any configured policy implements the batch
// routing capability.
func (pc *policyChain) HasStateRouter() bool {
	for _, policy := range pc.policies {
		if _, ok := policy.(StateRouter); ok {
			return true
		}
	}
	return false
}

// InterestedUsers returns the union of every policy's interest for the
// given local user. A policy that implements only the batch capability
// counts as all-users interest, since its routing decisions cannot be
// predicted per subscriber. A timeout or error from a policy also degrades
// to all-users: over-delivery is always preferred to suppressing presence.
// With no policies configured the result is empty, leaving baseline room
// interest unchanged.
func (pc *policyChain) InterestedUsers(ctx context.Context, userID string) InterestSet {
	interest := NoUsers()
	for _, policy := range pc.policies {
		provider, ok := policy.(InterestedUsersProvider)
		if !ok {
			if _, ok := policy.(StateRouter); ok {
				return AllUsers()
			}
			continue
		}

		result, err := callPolicyInterestedUsers(ctx, provider, userID, pc.timeout)
		if err != nil {
			pc.recordPolicyFailure()
			pc.logger.Warn("Presence policy interested-users call failed, assuming all-users interest",
				zap.String("policy", policy.Name()),
				zap.String("user_id", userID),
				zap.Error(err))
			return AllUsers()
		}
		interest = interest.Union(result)
		if interest.IsAll() {
			return interest
		}
	}
	return interest
}

// RouteStates returns the union-merged extra destinations from every policy
// implementing the batch capability, sanitized against the input batch.
// States a policy invents that are not present in the batch are dropped and
// recorded as contract violations. A failing policy contributes nothing.
func (pc *policyChain) RouteStates(ctx context.Context, batch UpdateBatch) DestinationMapping {
	merged := make(DestinationMapping, 0)
	if len(batch) == 0 {
		return merged
	}
	batchSet := batch.toSet()

	for _, policy := range pc.policies {
		router, ok := policy.(StateRouter)
		if !ok {
			continue
		}

		result, err := callPolicyRouteStates(ctx, router, batch, pc.timeout)
		if err != nil {
			pc.recordPolicyFailure()
			pc.logger.Warn("Presence policy route-states call failed, falling back to baseline routing",
				zap.String("policy", policy.Name()),
				zap.Error(err))
			continue
		}

		for destination, states := range result {
			if states == nil {
				continue
			}
			for _, state := range states.ToSlice() {
				if !batchSet.Contains(state) {
					pc.recordContractViolation()
					pc.logger.Warn("Presence policy returned a state not present in the input batch, dropping it",
						zap.String("policy", policy.Name()),
						zap.String("destination", destination),
						zap.String("subject", state.UserID))
					continue
				}
				merged.Add(destination, state)
			}
		}
	}
	return merged
}

// PolicyFailures returns the number of degraded policy calls since startup.
func (pc *policyChain) PolicyFailures() int64 {
	return pc.policyFailures.Load()
}

// ContractViolations returns the number of states dropped for violating the
// batch-subset contract since startup.
func (pc *policyChain) ContractViolations() int64 {
	return pc.contractViolations.Load()
}

// callPolicyInterestedUsers invokes the capability in its own goroutine so
// a policy that ignores context cancellation still cannot stall routing.
func callPolicyInterestedUsers(ctx context.Context, provider InterestedUsersProvider, userID string, timeout time.Duration) (InterestSet, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		interest InterestSet
		err      error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		interest, err := provider.InterestedUsers(ctx, userID)
		resultCh <- outcome{interest: interest, err: err}
	}()

	select {
	case <-ctx.Done():
		return NoUsers(), ctx.Err()
	case result := <-resultCh:
		return result.interest, result.err
	}
}

func callPolicyRouteStates(ctx context.Context, router StateRouter, batch UpdateBatch, timeout time.Duration) (DestinationMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		mapping DestinationMapping
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		mapping, err := router.RouteStates(ctx, batch)
		resultCh <- outcome{mapping: mapping, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.mapping, result.err
	}
}

// interestUnion is a small helper for policies that build finite interest
// from several string slices.
func interestUnion(groups ...[]string) mapset.Set[string] {
	users := mapset.NewSet[string]()
	for _, group := range groups {
		for _, userID := range group {
			users.Add(userID)
		}
	}
	return users
}
