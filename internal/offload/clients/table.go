// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clients implements the client table (C3): per-downstream
// mapping of IPv4 client address to (MAC, downstream index, downstream
// MAC).
package clients

import (
	"sync"

	"grimm.is/tetherd/internal/offload/types"
)

type key struct {
	downstream uint32
	ipv4       types.IPv4
}

// Table is the client table. Only non-link-local, non-multicast IPv4
// addresses are admitted (§4.3).
type Table struct {
	mu         sync.Mutex
	byKey      map[key]types.ClientInfo
	byIPv4     map[types.IPv4]types.ClientInfo
	downstream map[uint32]map[types.IPv4]struct{}
}

// New creates an empty client table.
func New() *Table {
	return &Table{
		byKey:      make(map[key]types.ClientInfo),
		byIPv4:     make(map[types.IPv4]types.ClientInfo),
		downstream: make(map[uint32]map[types.IPv4]struct{}),
	}
}

// Add inserts a client, replacing any prior entry for the same
// (downstream, client_ipv4). Returns false (no-op) if the address is
// link-local or multicast.
func (t *Table) Add(downstream uint32, client types.ClientInfo) bool {
	if client.ClientIPv4.IsLinkLocalOrMulticast() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{downstream, client.ClientIPv4}
	t.byKey[k] = client
	t.byIPv4[client.ClientIPv4] = client

	set, ok := t.downstream[downstream]
	if !ok {
		set = make(map[types.IPv4]struct{})
		t.downstream[downstream] = set
	}
	set[client.ClientIPv4] = struct{}{}
	return true
}

// Remove deletes the client at (downstream, clientIPv4). Returns the
// removed ClientInfo, whether it was present, and whether the downstream
// now has no remaining clients (in which case Remove has already dropped
// the downstream entry, per §4.3).
func (t *Table) Remove(downstream uint32, clientIPv4 types.IPv4) (types.ClientInfo, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{downstream, clientIPv4}
	info, ok := t.byKey[k]
	if !ok {
		return types.ClientInfo{}, false, false
	}

	delete(t.byKey, k)
	delete(t.byIPv4, clientIPv4)

	set := t.downstream[downstream]
	delete(set, clientIPv4)
	empty := len(set) == 0
	if empty {
		delete(t.downstream, downstream)
	}

	return info, true, empty
}

// ClearDownstream removes every client registered on downstream and
// returns the removed entries, equivalent to calling Remove for each
// client currently on the downstream (§4.3 client_clear).
func (t *Table) ClearDownstream(downstream uint32) []types.ClientInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.downstream[downstream]
	if !ok {
		return nil
	}

	removed := make([]types.ClientInfo, 0, len(set))
	for ipv4 := range set {
		k := key{downstream, ipv4}
		removed = append(removed, t.byKey[k])
		delete(t.byKey, k)
		delete(t.byIPv4, ipv4)
	}
	delete(t.downstream, downstream)
	return removed
}

// Lookup returns the client at (downstream, clientIPv4).
func (t *Table) Lookup(downstream uint32, clientIPv4 types.IPv4) (types.ClientInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byKey[key{downstream, clientIPv4}]
	return info, ok
}

// LookupByIPv4 finds a client by address alone, regardless of downstream.
// Used by the conntrack consumer's F2 filter, which only has the
// original-tuple source address to go on.
func (t *Table) LookupByIPv4(clientIPv4 types.IPv4) (types.ClientInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byIPv4[clientIPv4]
	return info, ok
}
