package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newPeer() *fakePeer {
	return &fakePeer{id: uuid.NewString()}
}

func TestRegistry_Register_One_Client(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	peer := newPeer()

	// Given an empty registry
	req.Zero(registry.Len())

	// When a client registers
	record, err := registry.Register(peer, "alice")

	// Then it can be looked up by connection identity
	req.NoError(err)
	req.Equal(peer.ID(), record.ID)
	req.Equal("alice", record.Name)
	req.False(record.JoinedAt.IsZero())
	req.Equal(1, registry.Len())

	found, ok := registry.Lookup(peer.ID())
	req.True(ok)
	req.Equal(record, found)
}

func TestRegistry_Register_Duplicate_Name(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	// Given alice is registered
	_, err := registry.Register(newPeer(), "alice")
	req.NoError(err)

	// When another client asks for the same name, in any case
	for _, name := range []string{"alice", "Alice", "ALICE"} {
		_, err = registry.Register(newPeer(), name)

		// Then it is rejected and the registry is unchanged
		req.ErrorIs(err, ErrNameTaken)
		req.Equal(1, registry.Len())
	}
	req.Equal([]string{"alice"}, registry.Names())
}

func TestRegistry_Register_Same_Connection_Twice(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	peer := newPeer()

	_, err := registry.Register(peer, "alice")
	req.NoError(err)

	_, err = registry.Register(peer, "bob")
	req.Error(err)
	req.Equal(1, registry.Len())
}

func TestRegistry_Register_Nil_Peer(t *testing.T) {
	_, err := NewRegistry().Register(nil, "alice")
	require.Error(t, err)
}

func TestRegistry_Deregister(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	peer := newPeer()
	_, err := registry.Register(peer, "alice")
	req.NoError(err)

	// When the client leaves
	removed, ok := registry.Deregister(peer.ID())
	req.True(ok)
	req.Equal("alice", removed.Name)
	req.Zero(registry.Len())

	// Then a second deregistration is a no-op
	_, ok = registry.Deregister(peer.ID())
	req.False(ok)

	// And the name is free again
	_, err = registry.Register(newPeer(), "alice")
	req.NoError(err)
}

func TestRegistry_Snapshot_Registration_Order(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	names := []string{"carol", "alice", "bob", "dave"}
	for _, name := range names {
		_, err := registry.Register(newPeer(), name)
		req.NoError(err)
	}

	req.Equal(names, registry.Names())

	// A snapshot is a copy; later changes do not affect it
	snapshot := registry.Snapshot()
	_, ok := registry.Deregister(snapshot[0].ID)
	req.True(ok)
	req.Len(snapshot, 4)
	req.Equal([]string{"alice", "bob", "dave"}, registry.Names())
}

func TestRegistry_Concurrent_Distinct_Names(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Register(newPeer(), fmt.Sprintf("user-%d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		req.NoError(err)
	}
	req.Equal(n, registry.Len())
}

func TestRegistry_Concurrent_Same_Name(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	const n = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Register(newPeer(), "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrNameTaken):
				rejected++
			}
		}()
	}
	wg.Wait()

	req.Equal(1, accepted)
	req.Equal(n-1, rejected)
	req.Equal(1, registry.Len())
}

func TestRegistry_Clear(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	for _, name := range []string{"alice", "bob"} {
		_, err := registry.Register(newPeer(), name)
		req.NoError(err)
	}

	cleared := registry.Clear()
	req.Len(cleared, 2)
	req.Equal("alice", cleared[0].Name)
	req.Zero(registry.Len())
	req.Empty(registry.Snapshot())
}
