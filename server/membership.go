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
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/maypok86/otter/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MembershipOracle is the read-only view of the externally-owned room
// membership directory.
type MembershipOracle interface {
	// RoomsSharedWith returns the room IDs the given user is joined to,
	// i.e. the rooms through which other users may share presence with
	// them.
	RoomsSharedWith(ctx context.Context, userID string) (mapset.Set[string], error)
	// LocalMembersOf returns the local user IDs joined to the given room.
	LocalMembersOf(ctx context.Context, roomID string) (mapset.Set[string], error)
}

// LocalMembershipOracle is an in-process membership directory with forward
// (room -> users) and reverse (user -> rooms) indexes, for deployments that
// feed membership events directly into the engine and for tests.
type LocalMembershipOracle struct {
	serverName string

	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room -> users
	users map[string]map[string]struct{} // user -> rooms
}

func NewLocalMembershipOracle(serverName string) *LocalMembershipOracle {
	return &LocalMembershipOracle{
		serverName: serverName,
		rooms:      make(map[string]map[string]struct{}),
		users:      make(map[string]map[string]struct{}),
	}
}

func (o *LocalMembershipOracle) Join(roomID, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rooms[roomID] == nil {
		o.rooms[roomID] = make(map[string]struct{})
	}
	o.rooms[roomID][userID] = struct{}{}
	if o.users[userID] == nil {
		o.users[userID] = make(map[string]struct{})
	}
	o.users[userID][roomID] = struct{}{}
}

func (o *LocalMembershipOracle) Leave(roomID, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if members, ok := o.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(o.rooms, roomID)
		}
	}
	if rooms, ok := o.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(o.users, userID)
		}
	}
}

// RemoveUser removes the user from every room and returns the affected
// room IDs, for cache invalidation.
func (o *LocalMembershipOracle) RemoveUser(userID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	rooms, ok := o.users[userID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for roomID := range rooms {
		affected = append(affected, roomID)
		if members, ok := o.rooms[roomID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(o.rooms, roomID)
			}
		}
	}
	delete(o.users, userID)
	return affected
}

func (o *LocalMembershipOracle) RoomsSharedWith(_ context.Context, userID string) (mapset.Set[string], error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rooms := mapset.NewSet[string]()
	for roomID := range o.users[userID] {
		rooms.Add(roomID)
	}
	return rooms, nil
}

func (o *LocalMembershipOracle) LocalMembersOf(_ context.Context, roomID string) (mapset.Set[string], error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	members := mapset.NewSet[string]()
	for userID := range o.rooms[roomID] {
		if IsLocalUser(userID, o.serverName) {
			members.Add(userID)
		}
	}
	return members, nil
}

// CachingMembershipOracle wraps another oracle with short-TTL caches so a
// busy presence period does not re-resolve the same membership for every
// update. Join/leave events must be forwarded through InvalidateUser and
// InvalidateRoom; brief staleness within the TTL is tolerated. On inner
// oracle failure the last known good value is served when one exists.
type CachingMembershipOracle struct {
	logger *zap.Logger
	inner  MembershipOracle

	roomsCache   *otter.Cache[string, mapset.Set[string]]
	membersCache *otter.Cache[string, mapset.Set[string]]

	lastKnownMu      sync.RWMutex
	lastKnownRooms   map[string]mapset.Set[string]
	lastKnownMembers map[string]mapset.Set[string]

	hits   *atomic.Int64
	misses *atomic.Int64
}

func NewCachingMembershipOracle(logger *zap.Logger, inner MembershipOracle, config *MembershipConfig) (*CachingMembershipOracle, error) {
	roomsCache, err := otter.New(&otter.Options[string, mapset.Set[string]]{
		MaximumSize:      config.CacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, mapset.Set[string]](config.GetCacheTTL()),
	})
	if err != nil {
		return nil, err
	}
	membersCache, err := otter.New(&otter.Options[string, mapset.Set[string]]{
		MaximumSize:      config.CacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, mapset.Set[string]](config.GetCacheTTL()),
	})
	if err != nil {
		return nil, err
	}

	return &CachingMembershipOracle{
		logger: logger,
		inner:  inner,

		roomsCache:   roomsCache,
		membersCache: membersCache,

		lastKnownRooms:   make(map[string]mapset.Set[string]),
		lastKnownMembers: make(map[string]mapset.Set[string]),

		hits:   atomic.NewInt64(0),
		misses: atomic.NewInt64(0),
	}, nil
}

func (c *CachingMembershipOracle) RoomsSharedWith(ctx context.Context, userID string) (mapset.Set[string], error) {
	if rooms, ok := c.roomsCache.GetIfPresent(userID); ok {
		c.hits.Inc()
		return rooms, nil
	}
	c.misses.Inc()

	rooms, err := c.inner.RoomsSharedWith(ctx, userID)
	if err != nil {
		c.lastKnownMu.RLock()
		stale, ok := c.lastKnownRooms[userID]
		c.lastKnownMu.RUnlock()
		if ok {
			c.logger.Warn("Membership oracle query failed, serving last known rooms",
				zap.String("user_id", userID), zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	c.roomsCache.Set(userID, rooms)
	c.lastKnownMu.Lock()
	c.lastKnownRooms[userID] = rooms
	c.lastKnownMu.Unlock()
	return rooms, nil
}

func (c *CachingMembershipOracle) LocalMembersOf(ctx context.Context, roomID string) (mapset.Set[string], error) {
	if members, ok := c.membersCache.GetIfPresent(roomID); ok {
		c.hits.Inc()
		return members, nil
	}
	c.misses.Inc()

	members, err := c.inner.LocalMembersOf(ctx, roomID)
	if err != nil {
		c.lastKnownMu.RLock()
		stale, ok := c.lastKnownMembers[roomID]
		c.lastKnownMu.RUnlock()
		if ok {
			c.logger.Warn("Membership oracle query failed, serving last known members",
				zap.String("room_id", roomID), zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	c.membersCache.Set(roomID, members)
	c.lastKnownMu.Lock()
	c.lastKnownMembers[roomID] = members
	c.lastKnownMu.Unlock()
	return members, nil
}

// InvalidateUser drops the cached room list for a user after a membership
// change. The last known value is kept for failure fallback.
func (c *CachingMembershipOracle) InvalidateUser(userID string) {
	c.roomsCache.Invalidate(userID)
}

// InvalidateRoom drops the cached member list for a room after a join or
// leave.
func (c *CachingMembershipOracle) InvalidateRoom(roomID string) {
	c.membersCache.Invalidate(roomID)
}

// CacheStats returns cumulative hit and miss counts.
func (c *CachingMembershipOracle) CacheStats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

var (
	_ MembershipOracle = (*LocalMembershipOracle)(nil)
	_ MembershipOracle = (*CachingMembershipOracle)(nil)
)
