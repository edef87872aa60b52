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
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Presence producers publish update batches on this channel/subject token.
// User IDs always start with '@' so it cannot collide with a destination.
const presenceUpdatesToken = "updates"

// decodeBatch parses and validates an incoming update batch. States with a
// missing subject or unknown status are dropped rather than routed.
func decodeBatch(logger *zap.Logger, payload []byte) UpdateBatch {
	var batch UpdateBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		logger.Warn("Failed to unmarshal presence update batch", zap.Error(err))
		return nil
	}
	valid := batch[:0]
	for _, state := range batch {
		if state.UserID == "" || !state.Status.Valid() {
			logger.Warn("Dropping malformed presence state",
				zap.String("user_id", state.UserID), zap.String("status", string(state.Status)))
			continue
		}
		valid = append(valid, state)
	}
	return valid
}

// RedisIngest feeds presence update batches from a Redis pub/sub channel
// into the router's asynchronous queue.
type RedisIngest struct {
	logger  *zap.Logger
	client  *redis.Client
	channel string
	router  *PresenceRouter

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewRedisIngest(ctx context.Context, logger *zap.Logger, config *DispatcherConfig, router *PresenceRouter) (*RedisIngest, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddress,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to ingest redis at %s: %w", config.RedisAddress, err)
	}

	ctx, ctxCancelFn := context.WithCancel(ctx)
	i := &RedisIngest{
		logger:  logger,
		client:  client,
		channel: fmt.Sprintf("%s:%s:%s", config.ChannelPrefix, presenceChannelInfix, presenceUpdatesToken),
		router:  router,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go i.subscribe()

	logger.Info("Redis presence ingest initialized", zap.String("channel", i.channel))
	return i, nil
}

func (i *RedisIngest) subscribe() {
	pubsub := i.client.Subscribe(i.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-i.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if batch := decodeBatch(i.logger, []byte(msg.Payload)); len(batch) > 0 {
				i.router.Enqueue(batch)
			}
		}
	}
}

func (i *RedisIngest) Stop() {
	i.ctxCancelFn()
	if err := i.client.Close(); err != nil {
		i.logger.Warn("Failed to close ingest redis client", zap.Error(err))
	}
}

// NATSIngest feeds presence update batches from a NATS subject into the
// router's asynchronous queue.
type NATSIngest struct {
	logger *zap.Logger
	conn   *nats.Conn
	sub    *nats.Subscription
}

func NewNATSIngest(logger *zap.Logger, config *DispatcherConfig, router *PresenceRouter) (*NATSIngest, error) {
	conn, err := nats.Connect(config.NATSURL, nats.Name("presenced-ingest"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.NATSURL, err)
	}

	subject := fmt.Sprintf("%s.%s.%s", config.SubjectPrefix, presenceChannelInfix, presenceUpdatesToken)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		if batch := decodeBatch(logger, msg.Data); len(batch) > 0 {
			router.Enqueue(batch)
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	logger.Info("NATS presence ingest initialized", zap.String("subject", subject))
	return &NATSIngest{logger: logger, conn: conn, sub: sub}, nil
}

func (i *NATSIngest) Stop() {
	if err := i.sub.Unsubscribe(); err != nil {
		i.logger.Warn("Failed to unsubscribe presence ingest", zap.Error(err))
	}
	i.conn.Close()
}
