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
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"go.uber.org/zap"
)

const presenceChannelInfix = "presence"

// RedisDispatcher publishes each destination's envelope to a per-user
// Redis pub/sub channel. Delivery daemons (sync workers, federation
// senders) subscribe to the channels of the users they serve.
type RedisDispatcher struct {
	logger        *zap.Logger
	client        *redis.Client
	channelPrefix string
}

func NewRedisDispatcher(logger *zap.Logger, config *DispatcherConfig) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddress,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to dispatcher redis at %s: %w", config.RedisAddress, err)
	}

	logger.Info("Redis presence dispatcher initialized", zap.String("address", config.RedisAddress))

	return &RedisDispatcher{
		logger:        logger,
		client:        client,
		channelPrefix: config.ChannelPrefix,
	}, nil
}

func (d *RedisDispatcher) Dispatch(_ context.Context, mapping DestinationMapping) error {
	var lastErr error
	for _, envelope := range envelopes(mapping) {
		payload, err := json.Marshal(envelope)
		if err != nil {
			d.logger.Error("Failed to marshal presence envelope",
				zap.String("destination", envelope.Destination), zap.Error(err))
			lastErr = err
			continue
		}
		channel := fmt.Sprintf("%s:%s:%s", d.channelPrefix, presenceChannelInfix, envelope.Destination)
		if err := d.client.Publish(channel, payload).Err(); err != nil {
			d.logger.Warn("Failed to publish presence envelope",
				zap.String("channel", channel), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (d *RedisDispatcher) Stop() {
	if err := d.client.Close(); err != nil {
		d.logger.Warn("Failed to close dispatcher redis client", zap.Error(err))
	}
}

var _ Dispatcher = (*RedisDispatcher)(nil)
