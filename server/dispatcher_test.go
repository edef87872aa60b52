package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnvelopes_StableOrder(t *testing.T) {
	stateA := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline, LastActiveTS: 2}
	stateA2 := UserPresenceState{UserID: "@a:example.org", Status: PresenceOnline, LastActiveTS: 1}
	stateB := UserPresenceState{UserID: "@b:example.org", Status: PresenceOffline}

	mapping := make(DestinationMapping)
	mapping.Add("@y:example.org", stateB)
	mapping.Add("@x:example.org", stateA, stateB, stateA2)

	result := envelopes(mapping)
	require.Len(t, result, 2)
	assert.Equal(t, "@x:example.org", result[0].Destination)
	assert.Equal(t, "@y:example.org", result[1].Destination)
	assert.Equal(t, []UserPresenceState{stateA2, stateA, stateB}, result[0].States)
}

func TestLocalDispatcher_Delivers(t *testing.T) {
	var mu sync.Mutex
	received := make(map[string]int)
	delivered := make(chan struct{}, 16)

	dispatcher := NewLocalDispatcher(context.Background(), zap.NewNop(), &DispatcherConfig{QueueSize: 16}, func(envelope PresenceEnvelope) {
		mu.Lock()
		received[envelope.Destination] += len(envelope.States)
		mu.Unlock()
		delivered <- struct{}{}
	}, nil)
	t.Cleanup(dispatcher.Stop)

	mapping := make(DestinationMapping)
	mapping.Add("@a:example.org", UserPresenceState{UserID: "@x:remote.net", Status: PresenceOnline})
	mapping.Add("@b:example.org", UserPresenceState{UserID: "@x:remote.net", Status: PresenceOnline})
	require.NoError(t, dispatcher.Dispatch(context.Background(), mapping))

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"@a:example.org": 1, "@b:example.org": 1}, received)
}

func TestLocalDispatcher_FullQueueDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	dispatcher := NewLocalDispatcher(context.Background(), zap.NewNop(), &DispatcherConfig{QueueSize: 1}, func(PresenceEnvelope) {
		<-block
	}, nil)
	t.Cleanup(func() {
		close(block)
		dispatcher.Stop()
	})

	mapping := make(DestinationMapping)
	for i := 0; i < 64; i++ {
		mapping.Add("@a:example.org", UserPresenceState{UserID: "@x:remote.net", Status: PresenceOnline, LastActiveTS: int64(i)})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 32; i++ {
			_ = dispatcher.Dispatch(context.Background(), mapping)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a stalled consumer")
	}
}
