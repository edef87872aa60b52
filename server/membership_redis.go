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
	"github.com/go-redis/redis"
	"go.uber.org/zap"
)

const (
	roomsKeySuffix   = "rooms"   // {prefix}:rooms:{user} -> set of room IDs
	membersKeySuffix = "members" // {prefix}:members:{room} -> set of local user IDs
)

// RedisMembershipOracle reads room membership from Redis sets maintained by
// the room directory. Intended for deployments that already mirror
// membership into Redis; the engine never writes these keys.
type RedisMembershipOracle struct {
	logger    *zap.Logger
	client    *redis.Client
	keyPrefix string
}

func NewRedisMembershipOracle(logger *zap.Logger, config *MembershipConfig) (*RedisMembershipOracle, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddress,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to membership redis at %s: %w", config.RedisAddress, err)
	}

	logger.Info("Redis membership oracle initialized", zap.String("address", config.RedisAddress))

	return &RedisMembershipOracle{
		logger:    logger,
		client:    client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (o *RedisMembershipOracle) RoomsSharedWith(_ context.Context, userID string) (mapset.Set[string], error) {
	key := fmt.Sprintf("%s:%s:%s", o.keyPrefix, roomsKeySuffix, userID)
	roomIDs, err := o.client.SMembers(key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rooms for user %s: %w", userID, err)
	}
	return mapset.NewSet(roomIDs...), nil
}

func (o *RedisMembershipOracle) LocalMembersOf(_ context.Context, roomID string) (mapset.Set[string], error) {
	key := fmt.Sprintf("%s:%s:%s", o.keyPrefix, membersKeySuffix, roomID)
	userIDs, err := o.client.SMembers(key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members for room %s: %w", roomID, err)
	}
	return mapset.NewSet(userIDs...), nil
}

func (o *RedisMembershipOracle) Stop() {
	if err := o.client.Close(); err != nil {
		o.logger.Warn("Failed to close membership redis client", zap.Error(err))
	}
}

var _ MembershipOracle = (*RedisMembershipOracle)(nil)
