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
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSDispatcher publishes each destination's envelope to a per-user NATS
// subject under the configured prefix.
type NATSDispatcher struct {
	logger        *zap.Logger
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSDispatcher(logger *zap.Logger, config *DispatcherConfig) (*NATSDispatcher, error) {
	conn, err := nats.Connect(config.NATSURL, nats.Name("presenced-dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.NATSURL, err)
	}

	logger.Info("NATS presence dispatcher initialized", zap.String("url", config.NATSURL))

	return &NATSDispatcher{
		logger:        logger,
		conn:          conn,
		subjectPrefix: config.SubjectPrefix,
	}, nil
}

// subjectToken makes a user ID usable as a NATS subject token. Dots are
// token separators in NATS and must not appear inside a token.
func subjectToken(userID string) string {
	return strings.ReplaceAll(userID, ".", "_")
}

func (d *NATSDispatcher) Dispatch(_ context.Context, mapping DestinationMapping) error {
	var lastErr error
	for _, envelope := range envelopes(mapping) {
		payload, err := json.Marshal(envelope)
		if err != nil {
			d.logger.Error("Failed to marshal presence envelope",
				zap.String("destination", envelope.Destination), zap.Error(err))
			lastErr = err
			continue
		}
		subject := fmt.Sprintf("%s.%s.%s", d.subjectPrefix, presenceChannelInfix, subjectToken(envelope.Destination))
		if err := d.conn.Publish(subject, payload); err != nil {
			d.logger.Warn("Failed to publish presence envelope",
				zap.String("subject", subject), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (d *NATSDispatcher) Stop() {
	if err := d.conn.Drain(); err != nil {
		d.logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}
}

var _ Dispatcher = (*NATSDispatcher)(nil)
