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
	"sort"

	"go.uber.org/zap"
)

// PresenceEnvelope is one destination's share of a routed batch, in the
// form handed to delivery backends.
type PresenceEnvelope struct {
	Destination string              `json:"destination"`
	States      []UserPresenceState `json:"states"`
}

// Dispatcher performs delivery of an already-addressed, deduplicated
// destination mapping. Transport concerns (retries, federation batching)
// end on its side of the boundary; the router's responsibility ends at
// producing a correct mapping.
type Dispatcher interface {
	Dispatch(ctx context.Context, mapping DestinationMapping) error
	Stop()
}

// envelopes flattens a mapping into per-destination envelopes with the
// states in a stable order.
func envelopes(mapping DestinationMapping) []PresenceEnvelope {
	result := make([]PresenceEnvelope, 0, len(mapping))
	for _, destination := range mapping.Destinations() {
		states := mapping[destination].ToSlice()
		sort.Slice(states, func(i, j int) bool {
			if states[i].UserID != states[j].UserID {
				return states[i].UserID < states[j].UserID
			}
			return states[i].LastActiveTS < states[j].LastActiveTS
		})
		result = append(result, PresenceEnvelope{Destination: destination, States: states})
	}
	return result
}

// DeliveryHandler consumes envelopes from a LocalDispatcher.
type DeliveryHandler func(envelope PresenceEnvelope)

// LocalDispatcher delivers envelopes to an in-process handler through a
// buffered queue. Dispatch never blocks: when the queue is full the
// envelope is dropped and counted, protecting the routing path from a slow
// consumer.
type LocalDispatcher struct {
	logger  *zap.Logger
	handler DeliveryHandler
	metrics *Metrics

	queue chan PresenceEnvelope

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewLocalDispatcher(ctx context.Context, logger *zap.Logger, config *DispatcherConfig, handler DeliveryHandler, metrics *Metrics) *LocalDispatcher {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	d := &LocalDispatcher{
		logger:  logger,
		handler: handler,
		metrics: metrics,

		queue: make(chan PresenceEnvelope, config.QueueSize),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go d.processQueue()

	return d
}

func (d *LocalDispatcher) Dispatch(_ context.Context, mapping DestinationMapping) error {
	for _, envelope := range envelopes(mapping) {
		select {
		case d.queue <- envelope:
		default:
			if d.metrics != nil {
				d.metrics.DroppedDeliveries.Inc(1)
			}
			d.logger.Warn("Delivery queue full, dropping presence envelope",
				zap.String("destination", envelope.Destination),
				zap.Int("states", len(envelope.States)))
		}
	}
	return nil
}

func (d *LocalDispatcher) processQueue() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case envelope := <-d.queue:
			d.handler(envelope)
		}
	}
}

func (d *LocalDispatcher) Stop() {
	d.ctxCancelFn()
}

var _ Dispatcher = (*LocalDispatcher)(nil)
