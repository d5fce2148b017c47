// Package server keeps the table of registered chat clients and enforces
// display name uniqueness.
package server

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Peer is the delivery endpoint of a registered client. The registry holds
// it as a non-owning reference; socket lifetime stays with the handling unit.
type Peer interface {
	// ID returns the identity of the peer's connection.
	ID() string
	// Deliver queues one frame for the peer without blocking.
	Deliver(text string) error
}

// ClientRecord is one registered client.
type ClientRecord struct {
	ID       string
	Name     string
	Peer     Peer
	JoinedAt time.Time

	seq uint64
}

// Registry maps connection identity to ClientRecord. All operations are
// serialized by one lock, so names stay unique under concurrent joins and
// readers never observe a half-applied change.
type Registry struct {
	mu      sync.RWMutex
	records map[string]ClientRecord
	names   map[string]string // folded name -> id
	seq     uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]ClientRecord),
		names:   make(map[string]string),
	}
}

// foldName is the uniqueness key for a display name.
func foldName(name string) string {
	return strings.ToLower(name)
}

// Register atomically checks that name is free and inserts a record for
// peer. A rejected registration leaves the registry untouched.
func (r *Registry) Register(peer Peer, name string) (ClientRecord, error) {
	if peer == nil {
		return ClientRecord{}, fmt.Errorf("register %q: nil peer", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := foldName(name)
	if holder, taken := r.names[key]; taken {
		return ClientRecord{}, fmt.Errorf("register %q: %w by %s", name, ErrNameTaken, holder)
	}
	if _, exists := r.records[peer.ID()]; exists {
		return ClientRecord{}, fmt.Errorf("register %q: connection %s already registered", name, peer.ID())
	}

	r.seq++
	record := ClientRecord{
		ID:       peer.ID(),
		Name:     name,
		Peer:     peer,
		JoinedAt: time.Now().UTC(),
		seq:      r.seq,
	}
	r.records[record.ID] = record
	r.names[key] = record.ID
	return record, nil
}

// Deregister removes the record for id. Removing an absent id is a no-op;
// the boolean reports whether anything was removed.
func (r *Registry) Deregister(id string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return ClientRecord{}, false
	}
	delete(r.records, id)
	delete(r.names, foldName(record.Name))
	return record, true
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id string) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	return record, ok
}

// Snapshot returns a point-in-time copy of all records in registration order.
func (r *Registry) Snapshot() []ClientRecord {
	r.mu.RLock()
	records := lo.Values(r.records)
	r.mu.RUnlock()

	sortByRegistration(records)
	return records
}

// Names returns registered display names in registration order.
func (r *Registry) Names() []string {
	return lo.Map(r.Snapshot(), func(record ClientRecord, _ int) string {
		return record.Name
	})
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []ClientRecord {
	r.mu.Lock()
	records := lo.Values(r.records)
	r.records = make(map[string]ClientRecord)
	r.names = make(map[string]string)
	r.mu.Unlock()

	sortByRegistration(records)
	return records
}

func sortByRegistration(records []ClientRecord) {
	slices.SortFunc(records, func(a, b ClientRecord) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
