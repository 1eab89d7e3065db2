// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipv4rules implements the IPv4 rule store (C5): per-flow
// forward/reverse rule pairs keyed by the conntrack 5-tuple.
package ipv4rules

import (
	"sync"

	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/types"
)

type clientKey struct {
	downstream uint32
	ipv4       types.IPv4
}

// Entry is one in-memory IPv4 rule pair, authoritative over the map
// entries it caused to be written (§9: the store is the in-memory model,
// the map is a projection of it).
type Entry struct {
	UpstreamKey     types.Tether4Key
	UpstreamValue   types.Tether4Value
	DownstreamKey   types.Tether4Key
	DownstreamValue types.Tether4Value
	DownstreamIndex uint32
	ClientIPv4      types.IPv4
}

// Store is the IPv4 rule store (C5). Rules are keyed primarily by the
// upstream4 key (§4.5).
type Store struct {
	reg *maps.Registry

	mu       sync.Mutex
	rules    map[types.Tether4Key]Entry
	byClient map[clientKey]map[types.Tether4Key]struct{}
}

// New creates a store bound to the given map registry.
func New(reg *maps.Registry) *Store {
	return &Store{
		reg:      reg,
		rules:    make(map[types.Tether4Key]Entry),
		byClient: make(map[clientKey]map[types.Tether4Key]struct{}),
	}
}

// Insert writes the upstream4 entry (original direction) and the
// downstream4 entry (reply direction) and records the pair in memory.
func (s *Store) Insert(e Entry) error {
	if err := s.reg.Upstream4.Insert(e.UpstreamKey, e.UpstreamValue); err != nil {
		return err
	}
	if err := s.reg.Downstream4.Insert(e.DownstreamKey, e.DownstreamValue); err != nil {
		_ = s.reg.Upstream4.Delete(e.UpstreamKey)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[e.UpstreamKey] = e

	ck := clientKey{e.DownstreamIndex, e.ClientIPv4}
	set, ok := s.byClient[ck]
	if !ok {
		set = make(map[types.Tether4Key]struct{})
		s.byClient[ck] = set
	}
	set[e.UpstreamKey] = struct{}{}

	return nil
}

// Remove deletes the rule keyed by upstreamKey from both maps and from
// memory. Returns the removed entry and whether it was present.
func (s *Store) Remove(upstreamKey types.Tether4Key) (Entry, bool, error) {
	s.mu.Lock()
	e, ok := s.rules[upstreamKey]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	delete(s.rules, upstreamKey)
	ck := clientKey{e.DownstreamIndex, e.ClientIPv4}
	if set, ok := s.byClient[ck]; ok {
		delete(set, upstreamKey)
		if len(set) == 0 {
			delete(s.byClient, ck)
		}
	}
	s.mu.Unlock()

	if err := s.reg.Upstream4.Delete(upstreamKey); err != nil {
		return e, true, err
	}
	if err := s.reg.Downstream4.Delete(e.DownstreamKey); err != nil {
		return e, true, err
	}
	return e, true, nil
}

// RemoveByClient removes every rule referencing (downstream, clientIPv4),
// per §4.3's client_remove cascade. Returns the removed upstream keys.
func (s *Store) RemoveByClient(downstream uint32, clientIPv4 types.IPv4) ([]types.Tether4Key, error) {
	s.mu.Lock()
	ck := clientKey{downstream, clientIPv4}
	set := s.byClient[ck]
	keys := make([]types.Tether4Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := make([]types.Tether4Key, 0, len(keys))
	for _, k := range keys {
		if _, ok, err := s.Remove(k); err != nil {
			return removed, err
		} else if ok {
			removed = append(removed, k)
		}
	}
	return removed, nil
}

// ClearAll drains every IPv4 rule, used on an upstream transition to an
// unsupported upstream (S5).
func (s *Store) ClearAll() ([]types.Tether4Key, error) {
	s.mu.Lock()
	keys := make([]types.Tether4Key, 0, len(s.rules))
	for k := range s.rules {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := make([]types.Tether4Key, 0, len(keys))
	for _, k := range keys {
		if _, ok, err := s.Remove(k); err != nil {
			return removed, err
		} else if ok {
			removed = append(removed, k)
		}
	}
	return removed, nil
}

// Rules returns a snapshot of every active rule, for the timer
// subsystem's conntrack refresh task and for dump output.
func (s *Store) Rules() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.rules))
	for _, e := range s.rules {
		out = append(out, e)
	}
	return out
}

// Lookup returns the in-memory entry for upstreamKey.
func (s *Store) Lookup(upstreamKey types.Tether4Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rules[upstreamKey]
	return e, ok
}

// Count returns the number of active rules, i.e. the active session
// count (I6).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

// CountByUpstream returns how many rules currently forward through
// upstreamIndex, used by the conntrack consumer to detect the first and
// last rule referencing an upstream.
func (s *Store) CountByUpstream(upstreamIndex uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.rules {
		if e.UpstreamValue.Oif == upstreamIndex {
			n++
		}
	}
	return n
}

// BuildReply derives the downstream4 (reply-direction) key/value from the
// upstream4 (original-direction) pair by swapping the 5-tuple and
// substituting the client's downstream index, client MAC, and downstream
// MAC (§4.5).
func BuildReply(upstreamKey types.Tether4Key, upstreamValue types.Tether4Value, downstreamIndex uint32, downstreamMAC, clientMAC types.MAC) (types.Tether4Key, types.Tether4Value) {
	key := types.Tether4Key{
		Iif:     upstreamValue.Oif,
		DstMac:  upstreamValue.EthSrc,
		Proto:   upstreamKey.Proto,
		SrcIPv4: extractIPv4(upstreamValue.DstIPv4Mapped),
		DstIPv4: extractIPv4(upstreamValue.SrcIPv4Mapped),
		SrcPort: upstreamValue.DstPort,
		DstPort: upstreamValue.SrcPort,
	}
	value := types.Tether4Value{
		Oif:           downstreamIndex,
		EthDst:        clientMAC,
		EthSrc:        downstreamMAC,
		EthProto:      upstreamValue.EthProto,
		Pmtu:          upstreamValue.Pmtu,
		SrcIPv4Mapped: mapIPv4(upstreamKey.DstIPv4),
		DstIPv4Mapped: mapIPv4(upstreamKey.SrcIPv4),
		SrcPort:       upstreamKey.DstPort,
		DstPort:       upstreamKey.SrcPort,
		LastUsed:      0,
	}
	return key, value
}

// mapIPv4 embeds a 4-byte IPv4 address in the low bytes of a 16-byte
// field, matching the ::ffff:a.b.c.d convention used by Tether4Value's
// mapped address fields.
func mapIPv4(a types.IPv4) types.IPv6 {
	var out types.IPv6
	out[10] = 0xff
	out[11] = 0xff
	copy(out[12:], a[:])
	return out
}

func extractIPv4(mapped types.IPv6) types.IPv4 {
	var out types.IPv4
	copy(out[:], mapped[12:])
	return out
}
