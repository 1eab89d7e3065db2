// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package upstream implements the upstream manager (C8): reacts to
// upstream network state changes by rebuilding IPv6 rules and clearing
// IPv4 rules when the upstream becomes unsupported.
package upstream

import (
	"sync"

	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/ipv6rules"
	"grimm.is/tetherd/internal/offload/types"
)

// DownstreamRef is the minimal view of a registered downstream the
// upstream manager needs in order to rebuild its IPv6 rules.
type DownstreamRef struct {
	Index uint32
	MAC   types.MAC
}

// Manager is the upstream manager (C8).
type Manager struct {
	ipv6 *ipv6rules.Store
	ipv4 *ipv4rules.Store

	mu                  sync.Mutex
	current             types.UpstreamInfo
	ipv4UpstreamIndices map[types.IPv4]uint32
}

// New creates an upstream manager with no upstream assigned.
func New(ipv6 *ipv6rules.Store, ipv4 *ipv4rules.Store) *Manager {
	return &Manager{
		ipv6:                ipv6,
		ipv4:                ipv4,
		current:             types.NoUpstream(),
		ipv4UpstreamIndices: make(map[types.IPv4]uint32),
	}
}

// Current returns the current upstream.
func (m *Manager) Current() types.UpstreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ResolveIPv4UpstreamIndex looks up the upstream index that currently
// owns ipv4 as its public address, used by the conntrack consumer's
// filtering.
func (m *Manager) ResolveIPv4UpstreamIndex(addr types.IPv4) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.ipv4UpstreamIndices[addr]
	return idx, ok
}

// UpstreamChanged implements §4.8 upstream_changed: classifies the new
// state, clears IPv4 rules immediately if it is virtual or xlat, rebuilds
// every downstream's IPv6 rules, and maintains the ipv4_upstream_indices
// map. Returns the IPv4 rule keys drained, if any (for session-count
// bookkeeping).
func (m *Manager) UpstreamChanged(newState types.UpstreamInfo, downstreams []DownstreamRef) ([]types.Tether4Key, error) {
	m.mu.Lock()
	m.current = newState
	m.mu.Unlock()

	var drained []types.Tether4Key
	if !newState.SupportsIPv4Offload() {
		var err error
		drained, err = m.ipv4.ClearAll()
		if err != nil {
			return drained, err
		}
		m.mu.Lock()
		m.ipv4UpstreamIndices = make(map[types.IPv4]uint32)
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		m.ipv4UpstreamIndices[newState.IPv4Address] = newState.Index
		m.mu.Unlock()
	}

	outerSrcMAC := newState.IfaceParams.MAC
	pmtu := uint16(newState.IfaceParams.MTU)
	for _, d := range downstreams {
		if err := m.ipv6.UpdateUpstream(d.Index, d.MAC, newState.Index, newState.Prefixes, outerSrcMAC, types.MAC{}, pmtu); err != nil {
			return drained, err
		}
	}

	return drained, nil
}
