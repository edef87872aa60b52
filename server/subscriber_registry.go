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
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SubscriberRegistry tracks which local users currently have an active
// presence subscription (a sync connection, in homeserver terms). The
// router uses it to honor policy-extended interest for subscribers who
// share no room with a batch's subjects. Only local users may register.
type SubscriberRegistry struct {
	logger     *zap.Logger
	serverName string

	mu             sync.RWMutex
	sessionsByUser map[string]map[uuid.UUID]struct{}

	count *atomic.Int32
}

func NewSubscriberRegistry(logger *zap.Logger, serverName string) *SubscriberRegistry {
	return &SubscriberRegistry{
		logger:         logger,
		serverName:     serverName,
		sessionsByUser: make(map[string]map[uuid.UUID]struct{}),
		count:          atomic.NewInt32(0),
	}
}

// Register records a new subscription session for a local user and returns
// its session ID. Registering a non-local user is a contract violation.
func (r *SubscriberRegistry) Register(userID string) (uuid.UUID, error) {
	if !IsLocalUser(userID, r.serverName) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNotLocalUser, userID)
	}
	sessionID := uuid.Must(uuid.NewV4())

	r.mu.Lock()
	if r.sessionsByUser[userID] == nil {
		r.sessionsByUser[userID] = make(map[uuid.UUID]struct{})
	}
	r.sessionsByUser[userID][sessionID] = struct{}{}
	r.mu.Unlock()

	r.count.Inc()
	r.logger.Debug("Presence subscriber registered",
		zap.String("user_id", userID), zap.String("session_id", sessionID.String()))
	return sessionID, nil
}

// Unregister removes one subscription session. The user stops being a
// subscriber once their last session is gone.
func (r *SubscriberRegistry) Unregister(userID string, sessionID uuid.UUID) {
	r.mu.Lock()
	sessions, ok := r.sessionsByUser[userID]
	if ok {
		if _, present := sessions[sessionID]; present {
			delete(sessions, sessionID)
			r.count.Dec()
		}
		if len(sessions) == 0 {
			delete(r.sessionsByUser, userID)
		}
	}
	r.mu.Unlock()
}

// LocalSubscribers returns the user IDs with at least one active session.
func (r *SubscriberRegistry) LocalSubscribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subscribers := make([]string, 0, len(r.sessionsByUser))
	for userID := range r.sessionsByUser {
		subscribers = append(subscribers, userID)
	}
	return subscribers
}

// Count returns the number of active subscription sessions.
func (r *SubscriberRegistry) Count() int32 {
	return r.count.Load()
}
