// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ifaces implements the interface index table (C2): a
// bidirectional interface-name<->index cache.
package ifaces

import (
	"sync"

	"grimm.is/tetherd/internal/offload/types"
)

// Table is the interface index table. Entries are never removed while the
// coordinator is running, since kernel map references outlive userspace
// state (§4.2).
type Table struct {
	mu      sync.RWMutex
	byIndex map[uint32]types.InterfaceParams
	byName  map[string]uint32
}

// New creates an empty interface index table.
func New() *Table {
	return &Table{
		byIndex: make(map[uint32]types.InterfaceParams),
		byName:  make(map[string]uint32),
	}
}

// Add registers index/name/mac/mtu, setting HasEthernet = (mac != zero).
// Idempotent: a repeated call with the same index just refreshes mac/mtu.
func (t *Table) Add(index uint32, name string, mac types.MAC, mtu uint32) types.InterfaceParams {
	t.mu.Lock()
	defer t.mu.Unlock()

	params := types.InterfaceParams{
		Name:        name,
		Index:       index,
		MAC:         mac,
		MTU:         mtu,
		HasEthernet: !mac.IsZero(),
	}
	t.byIndex[index] = params
	t.byName[name] = index
	return params
}

// ByIndex looks up an interface by kernel ifindex.
func (t *Table) ByIndex(index uint32) (types.InterfaceParams, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byIndex[index]
	return p, ok
}

// ByName looks up an interface by name.
func (t *Table) ByName(name string) (types.InterfaceParams, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	index, ok := t.byName[name]
	if !ok {
		return types.InterfaceParams{}, false
	}
	return t.byIndex[index], true
}
