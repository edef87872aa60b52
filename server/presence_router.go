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

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// PresenceRouter decides, for each batch of presence updates, exactly which
// users must receive which updates. It holds no presence state of its own:
// every routing cycle is a pure function of the batch, the current
// membership snapshot and the policy chain's answers. Concurrent Route
// calls for different batches are safe.
type PresenceRouter struct {
	logger      *zap.Logger
	serverName  string
	oracle      MembershipOracle
	policies    *policyChain
	resolver    *InterestResolver
	subscribers *SubscriberRegistry
	dispatcher  Dispatcher
	metrics     *Metrics

	queue chan UpdateBatch

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

// NewPresenceRouter wires the router and starts its asynchronous routing
// worker. The dispatcher and metrics may be nil for library-style use.
func NewPresenceRouter(
	ctx context.Context,
	logger *zap.Logger,
	config *Config,
	oracle MembershipOracle,
	policies *policyChain,
	resolver *InterestResolver,
	subscribers *SubscriberRegistry,
	dispatcher Dispatcher,
	metrics *Metrics,
) *PresenceRouter {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	r := &PresenceRouter{
		logger:      logger,
		serverName:  config.ServerName,
		oracle:      oracle,
		policies:    policies,
		resolver:    resolver,
		subscribers: subscribers,
		dispatcher:  dispatcher,
		metrics:     metrics,

		queue: make(chan UpdateBatch, config.Presence.RouteQueueSize),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go r.processQueue()

	logger.Info("Presence router initialized",
		zap.String("server_name", config.ServerName),
		zap.Int("route_queue_size", config.Presence.RouteQueueSize))

	return r
}

// Route computes the final deduplicated destination mapping for a batch.
// It never fails: policy and oracle errors degrade the affected portion of
// the result toward baseline-only or no-destination behavior and are
// logged, so a misbehaving policy can widen but never suppress room-shared
// presence.
func (r *PresenceRouter) Route(ctx context.Context, batch UpdateBatch) DestinationMapping {
	mapping := make(DestinationMapping, len(batch))
	if len(batch) == 0 {
		return mapping
	}

	if r.metrics != nil {
		sw := r.metrics.RouteLatency.Start()
		defer sw.Stop()
		r.metrics.RouteCycles.Inc(1)
	}
	cycleID := uuid.Must(uuid.NewV4())

	// Extra destinations requested by the policy chain, already sanitized
	// against the batch.
	if r.policies.HasStateRouter() {
		mapping.Merge(r.policies.RouteStates(ctx, batch))
	}

	// Baseline room routing. Applied unconditionally: whatever the policy
	// chain did or failed to do above, users sharing a room with a subject
	// always receive that subject's updates.
	subjectStates := make(map[string][]UserPresenceState, len(batch))
	for _, state := range batch {
		subjectStates[state.UserID] = append(subjectStates[state.UserID], state)
	}
	for subjectID, states := range subjectStates {
		rooms, err := r.oracle.RoomsSharedWith(ctx, subjectID)
		if err != nil {
			r.logger.Warn("Membership lookup failed, subject gets no room destinations this cycle",
				zap.String("cycle_id", cycleID.String()),
				zap.String("subject_id", subjectID),
				zap.Error(err))
			continue
		}
		rooms.Each(func(roomID string) bool {
			members, err := r.oracle.LocalMembersOf(ctx, roomID)
			if err != nil {
				r.logger.Warn("Room member lookup failed, skipping room this cycle",
					zap.String("cycle_id", cycleID.String()),
					zap.String("room_id", roomID),
					zap.Error(err))
				return false
			}
			members.Each(func(memberID string) bool {
				if memberID != subjectID {
					mapping.Add(memberID, states...)
				}
				return false
			})
			return false
		})
	}

	// Interest-driven expansion for registered subscribers who may not
	// share a room with any subject, e.g. a policy answering all-users.
	// Skipped entirely when no policy can extend interest: the baseline
	// pass above already covers pure room interest.
	if r.subscribers != nil && r.policies.HasInterestCapability() {
		for _, subscriberID := range r.subscribers.LocalSubscribers() {
			interest, err := r.resolver.Resolve(ctx, subscriberID)
			if err != nil {
				r.logger.Warn("Interest resolution failed for subscriber",
					zap.String("cycle_id", cycleID.String()),
					zap.String("subscriber_id", subscriberID),
					zap.Error(err))
				continue
			}
			if interest.IsAll() {
				mapping.Add(subscriberID, batch...)
				continue
			}
			for _, state := range batch {
				if interest.Contains(state.UserID) {
					mapping.Add(subscriberID, state)
				}
			}
		}
	}

	if r.metrics != nil {
		r.metrics.RoutedStates.Inc(int64(mapping.TotalStates()))
	}
	r.logger.Debug("Routed presence batch",
		zap.String("cycle_id", cycleID.String()),
		zap.Strings("subjects", lo.Keys(subjectStates)),
		zap.Int("destinations", len(mapping)))

	return mapping
}

// Enqueue hands a batch to the asynchronous routing worker. It never
// blocks the caller: when the queue is full the batch is dropped and
// counted, because stalling the presence producer is the worse failure.
func (r *PresenceRouter) Enqueue(batch UpdateBatch) {
	if len(batch) == 0 {
		return
	}
	select {
	case r.queue <- batch:
	default:
		if r.metrics != nil {
			r.metrics.DroppedBatches.Inc(1)
		}
		r.logger.Warn("Routing queue full, dropping presence batch", zap.Int("batch_size", len(batch)))
	}
}

func (r *PresenceRouter) processQueue() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case batch := <-r.queue:
			mapping := r.Route(r.ctx, batch)
			if r.dispatcher == nil || len(mapping) == 0 {
				continue
			}
			if err := r.dispatcher.Dispatch(r.ctx, mapping); err != nil {
				r.logger.Warn("Presence dispatch failed", zap.Error(err))
			}
		}
	}
}

func (r *PresenceRouter) Stop() {
	r.ctxCancelFn()
}
