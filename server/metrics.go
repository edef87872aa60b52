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
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

// Metrics bundles the engine's instrumentation, reported through a
// Prometheus-backed tally scope.
type Metrics struct {
	scope    tally.Scope
	closer   io.Closer
	reporter promreporter.Reporter

	RouteCycles        tally.Counter
	RoutedStates       tally.Counter
	DroppedBatches     tally.Counter
	DroppedDeliveries  tally.Counter
	PolicyFailures     tally.Counter
	ContractViolations tally.Counter
	RouteLatency       tally.Timer
}

func NewMetrics(name string) *Metrics {
	reporter := promreporter.NewReporter(promreporter.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "presenced",
		Tags:           map[string]string{"name": name},
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, time.Second)

	return &Metrics{
		scope:    scope,
		closer:   closer,
		reporter: reporter,

		RouteCycles:        scope.Counter("route_cycles"),
		RoutedStates:       scope.Counter("routed_states"),
		DroppedBatches:     scope.Counter("dropped_batches"),
		DroppedDeliveries:  scope.Counter("dropped_deliveries"),
		PolicyFailures:     scope.Counter("policy_failures"),
		ContractViolations: scope.Counter("contract_violations"),
		RouteLatency:       scope.Timer("route_latency"),
	}
}

// HTTPHandler exposes the scrape endpoint.
func (m *Metrics) HTTPHandler() http.Handler {
	return m.reporter.HTTPHandler()
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if err := m.closer.Close(); err != nil {
		logger.Warn("Failed to close metrics scope", zap.Error(err))
	}
}
