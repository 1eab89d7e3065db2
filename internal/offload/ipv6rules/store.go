// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipv6rules implements the IPv6 rule store (C4): per-downstream
// current upstream (index + prefix set) and address->rule table.
package ipv6rules

import (
	"sync"

	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/types"
)

// EtherTypeIPv6 is the value written into Tether6Value.EthProto.
const EtherTypeIPv6 uint16 = 0x86dd

type ruleKey struct {
	downstream uint32
	neighbor   types.IPv6
}

type upstreamState struct {
	upstreamIndex uint32
	prefixes      map[uint64]struct{}
	downstreamMAC types.MAC
	outerSrcMAC   types.MAC
	outerDstMAC   types.MAC
	pmtu          uint16
}

func (s upstreamState) hasUpstream() bool {
	return s.upstreamIndex != types.NoUpstreamIndex && len(s.prefixes) > 0
}

// Store is the IPv6 rule store (C4).
type Store struct {
	reg *maps.Registry

	mu         sync.Mutex
	upstreams  map[uint32]upstreamState
	rules      map[ruleKey]types.Ipv6DownstreamRule
}

// New creates a store bound to the given map registry.
func New(reg *maps.Registry) *Store {
	return &Store{
		reg:       reg,
		upstreams: make(map[uint32]upstreamState),
		rules:     make(map[ruleKey]types.Ipv6DownstreamRule),
	}
}

// UpdateUpstream applies §4.4's update_upstream operation. pmtu is the
// upstream's current path MTU, used to populate new upstream6 values.
func (s *Store) UpdateUpstream(downstream uint32, downstreamMAC types.MAC, newUpstreamIndex uint32, newPrefixes map[uint64]struct{}, outerSrcMAC, outerDstMAC types.MAC, pmtu uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.upstreams[downstream]
	indexChanged := old.upstreamIndex != newUpstreamIndex

	var removed, added []uint64
	if indexChanged {
		for p := range old.prefixes {
			removed = append(removed, p)
		}
		for p := range newPrefixes {
			added = append(added, p)
		}
	} else {
		for p := range old.prefixes {
			if _, ok := newPrefixes[p]; !ok {
				removed = append(removed, p)
			}
		}
		for p := range newPrefixes {
			if _, ok := old.prefixes[p]; !ok {
				added = append(added, p)
			}
		}
	}

	// (1) remove obsolete downstream6 entries.
	if indexChanged {
		for k := range s.rules {
			if k.downstream != downstream {
				continue
			}
			if err := s.reg.Downstream6.Delete(types.Downstream6Key{
				Iif:          old.upstreamIndex,
				DstMac:       old.downstreamMAC,
				NeighborIPv6: k.neighbor,
			}); err != nil {
				return err
			}
		}
	}

	// (2) remove obsolete upstream6 entries.
	for _, prefix := range removed {
		if err := s.reg.Upstream6.Delete(types.Upstream6Key{
			Iif:      downstream,
			DstMac:   old.downstreamMAC,
			Prefix64: prefix,
		}); err != nil {
			return err
		}
	}

	newState := upstreamState{
		upstreamIndex: newUpstreamIndex,
		prefixes:      newPrefixes,
		downstreamMAC: downstreamMAC,
		outerSrcMAC:   outerSrcMAC,
		outerDstMAC:   outerDstMAC,
		pmtu:          pmtu,
	}
	s.upstreams[downstream] = newState

	if newState.hasUpstream() {
		// (3) add new upstream6 entries.
		addPrefixes := added
		if indexChanged {
			addPrefixes = nil
			for p := range newPrefixes {
				addPrefixes = append(addPrefixes, p)
			}
		}
		for _, prefix := range addPrefixes {
			if err := s.reg.Upstream6.Insert(types.Upstream6Key{
				Iif:      downstream,
				DstMac:   downstreamMAC,
				Prefix64: prefix,
			}, types.Tether6Value{
				Oif:      newUpstreamIndex,
				EthDst:   outerDstMAC,
				EthSrc:   outerSrcMAC,
				EthProto: EtherTypeIPv6,
				Pmtu:     pmtu,
			}); err != nil {
				return err
			}
		}

		// (4) re-add downstream6 entries.
		for k, rule := range s.rules {
			if k.downstream != downstream {
				continue
			}
			rule.UpstreamIndex = newUpstreamIndex
			s.rules[k] = rule
			if err := s.reg.Downstream6.Update(types.Downstream6Key{
				Iif:          newUpstreamIndex,
				DstMac:       downstreamMAC,
				NeighborIPv6: k.neighbor,
			}, types.Tether6Value{
				Oif:      downstream,
				EthDst:   rule.ClientMAC,
				EthSrc:   downstreamMAC,
				EthProto: EtherTypeIPv6,
				Pmtu:     pmtu,
			}); err != nil {
				return err
			}
		}
	} else {
		// Upstream absent or no prefixes: retain in-memory rules with
		// upstream_index = 0, do not touch the map further.
		for k, rule := range s.rules {
			if k.downstream != downstream {
				continue
			}
			rule.UpstreamIndex = types.NoUpstreamIndex
			s.rules[k] = rule
		}
	}

	return nil
}

// UpsertNeighborRule handles a NEW IPv6 neighbor event for downstream: it
// always updates the in-memory rule, and writes the downstream6 entry
// only if the downstream currently has an active upstream with prefixes
// (I5: downstream6 writes never occur before the matching upstream6 entry).
func (s *Store) UpsertNeighborRule(downstream uint32, downstreamMAC types.MAC, neighbor types.IPv6, clientMAC types.MAC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.upstreams[downstream]
	rule := types.Ipv6DownstreamRule{
		UpstreamIndex:   state.upstreamIndex,
		DownstreamIndex: downstream,
		NeighborIPv6:    neighbor,
		DownstreamMAC:   downstreamMAC,
		ClientMAC:       clientMAC,
	}
	if !state.hasUpstream() {
		rule.UpstreamIndex = types.NoUpstreamIndex
	}
	s.rules[ruleKey{downstream, neighbor}] = rule

	if !state.hasUpstream() {
		return nil
	}

	return s.reg.Downstream6.Update(types.Downstream6Key{
		Iif:          state.upstreamIndex,
		DstMac:       downstreamMAC,
		NeighborIPv6: neighbor,
	}, types.Tether6Value{
		Oif:      downstream,
		EthDst:   clientMAC,
		EthSrc:   downstreamMAC,
		EthProto: EtherTypeIPv6,
		Pmtu:     state.pmtu,
	})
}

// RemoveNeighborRule handles DEL/NUD_FAILED: removes the in-memory rule
// and, if present, the downstream6 map entry. The upstream6 entry is
// unaffected; it is retained until the downstream itself is removed.
func (s *Store) RemoveNeighborRule(downstream uint32, neighbor types.IPv6) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ruleKey{downstream, neighbor}
	rule, ok := s.rules[k]
	if !ok {
		return nil
	}
	delete(s.rules, k)

	state := s.upstreams[downstream]
	if !state.hasUpstream() {
		return nil
	}
	_ = rule
	return s.reg.Downstream6.Delete(types.Downstream6Key{
		Iif:          state.upstreamIndex,
		DstMac:       state.downstreamMAC,
		NeighborIPv6: neighbor,
	})
}

// ClearAll tears down every rule for downstream: equivalent to
// update_upstream(NO_UPSTREAM, empty) followed by dropping every
// in-memory rule (§4.4 clear_all).
func (s *Store) ClearAll(downstream uint32) error {
	s.mu.Lock()
	state := s.upstreams[downstream]
	downstreamMAC := state.downstreamMAC
	s.mu.Unlock()

	if err := s.UpdateUpstream(downstream, downstreamMAC, types.NoUpstreamIndex, nil, types.MAC{}, types.MAC{}, 0); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rules {
		if k.downstream == downstream {
			delete(s.rules, k)
		}
	}
	delete(s.upstreams, downstream)
	return nil
}

// Rule returns the in-memory rule for (downstream, neighbor), for tests
// and dump output.
func (s *Store) Rule(downstream uint32, neighbor types.IPv6) (types.Ipv6DownstreamRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleKey{downstream, neighbor}]
	return r, ok
}
