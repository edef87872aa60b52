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

	"go.uber.org/zap"
)

// Engine assembles the configured oracle, policy chain, resolver, router,
// dispatcher and ingest into one runnable unit. All components are
// constructed once at startup; configuration errors are fatal here rather
// than degraded at runtime.
type Engine struct {
	logger *zap.Logger

	Router      *PresenceRouter
	Resolver    *InterestResolver
	Subscribers *SubscriberRegistry
	Oracle      *CachingMembershipOracle

	localOracle *LocalMembershipOracle
	redisOracle *RedisMembershipOracle
	dispatcher  Dispatcher
	redisIngest *RedisIngest
	natsIngest  *NATSIngest
}

func NewEngine(ctx context.Context, logger *zap.Logger, config *Config, metrics *Metrics) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{logger: logger}

	var inner MembershipOracle
	switch config.Membership.Backend {
	case "redis":
		redisOracle, err := NewRedisMembershipOracle(logger, config.Membership)
		if err != nil {
			return nil, err
		}
		e.redisOracle = redisOracle
		inner = redisOracle
	default:
		e.localOracle = NewLocalMembershipOracle(config.ServerName)
		inner = e.localOracle
	}

	caching, err := NewCachingMembershipOracle(logger, inner, config.Membership)
	if err != nil {
		return nil, fmt.Errorf("failed to build membership cache: %w", err)
	}
	e.Oracle = caching

	policies, err := newPolicyChain(logger, config.Presence, metrics)
	if err != nil {
		return nil, err
	}

	e.Subscribers = NewSubscriberRegistry(logger, config.ServerName)
	e.Resolver = NewInterestResolver(logger, config.ServerName, caching, policies)

	switch config.Dispatcher.Backend {
	case DispatcherBackendRedis:
		e.dispatcher, err = NewRedisDispatcher(logger, config.Dispatcher)
	case DispatcherBackendNATS:
		e.dispatcher, err = NewNATSDispatcher(logger, config.Dispatcher)
	default:
		e.dispatcher = NewLocalDispatcher(ctx, logger, config.Dispatcher, func(envelope PresenceEnvelope) {
			logger.Debug("Presence envelope delivered locally",
				zap.String("destination", envelope.Destination),
				zap.Int("states", len(envelope.States)))
		}, metrics)
	}
	if err != nil {
		return nil, err
	}

	e.Router = NewPresenceRouter(ctx, logger, config, caching, policies, e.Resolver, e.Subscribers, e.dispatcher, metrics)

	switch config.Dispatcher.Backend {
	case DispatcherBackendRedis:
		e.redisIngest, err = NewRedisIngest(ctx, logger, config.Dispatcher, e.Router)
	case DispatcherBackendNATS:
		e.natsIngest, err = NewNATSIngest(logger, config.Dispatcher, e.Router)
	}
	if err != nil {
		e.Stop()
		return nil, err
	}

	return e, nil
}

// Join applies a membership change to the in-process directory and drops
// the affected cache entries. Only valid with the local membership backend;
// redis-backed deployments mutate membership in the external store.
func (e *Engine) Join(roomID, userID string) error {
	if e.localOracle == nil {
		return fmt.Errorf("membership is externally owned, cannot apply join for %s", userID)
	}
	e.localOracle.Join(roomID, userID)
	e.Oracle.InvalidateUser(userID)
	e.Oracle.InvalidateRoom(roomID)
	return nil
}

// Leave is the counterpart of Join.
func (e *Engine) Leave(roomID, userID string) error {
	if e.localOracle == nil {
		return fmt.Errorf("membership is externally owned, cannot apply leave for %s", userID)
	}
	e.localOracle.Leave(roomID, userID)
	e.Oracle.InvalidateUser(userID)
	e.Oracle.InvalidateRoom(roomID)
	return nil
}

func (e *Engine) Stop() {
	if e.redisIngest != nil {
		e.redisIngest.Stop()
	}
	if e.natsIngest != nil {
		e.natsIngest.Stop()
	}
	if e.Router != nil {
		e.Router.Stop()
	}
	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}
	if e.redisOracle != nil {
		e.redisOracle.Stop()
	}
}
