// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"fmt"
	"sync/atomic"

	"github.com/cilium/ebpf"

	offerrors "grimm.is/tetherd/internal/errors"
	"grimm.is/tetherd/internal/offload/types"
)

// Kernel map names as exposed by the attached eBPF collection.
const (
	NameDownstream4   = "downstream4_map"
	NameUpstream4     = "upstream4_map"
	NameDownstream6   = "downstream6_map"
	NameUpstream6     = "upstream6_map"
	NameStats         = "stats_map"
	NameLimit         = "limit_map"
	NameDevIndex      = "dev_index_map"
	NameErrorCounter  = "error_counter_map"
)

// guardedMap wraps a KernelMap so that every operation becomes a no-op
// once the owning Registry enters degraded mode (§4.1): a single missing
// map disables mutation of all six, so a partial offload with
// inconsistent state can never occur.
type guardedMap[K comparable, V any] struct {
	inner    KernelMap[K, V]
	degraded *atomic.Bool
}

func (g guardedMap[K, V]) Insert(key K, value V) error {
	if g.degraded.Load() {
		return nil
	}
	return g.inner.Insert(key, value)
}

func (g guardedMap[K, V]) Update(key K, value V) error {
	if g.degraded.Load() {
		return nil
	}
	return g.inner.Update(key, value)
}

func (g guardedMap[K, V]) Delete(key K) error {
	if g.degraded.Load() {
		return nil
	}
	return g.inner.Delete(key)
}

func (g guardedMap[K, V]) Get(key K) (V, bool, error) {
	if g.degraded.Load() {
		var zero V
		return zero, false, nil
	}
	return g.inner.Get(key)
}

func (g guardedMap[K, V]) ForEach(visit func(K, V) bool) error {
	if g.degraded.Load() {
		return nil
	}
	return g.inner.ForEach(visit)
}

func (g guardedMap[K, V]) Clear() error {
	if g.degraded.Load() {
		return nil
	}
	return g.inner.Clear()
}

// Registry is the map registry (C1): typed handles to the six forwarding
// maps plus the dev-index and error-counter maps. All operations occur
// only on the coordinator's executor goroutine.
type Registry struct {
	Downstream4  KernelMap[types.Tether4Key, types.Tether4Value]
	Upstream4    KernelMap[types.Tether4Key, types.Tether4Value]
	Downstream6  KernelMap[types.Downstream6Key, types.Tether6Value]
	Upstream6    KernelMap[types.Upstream6Key, types.Tether6Value]
	Stats        KernelMap[types.StatsKey, types.StatsValue]
	Limit        KernelMap[types.LimitKey, types.LimitValue]
	DevIndex     KernelMap[uint32, struct{}]
	ErrorCounter KernelMap[uint32, uint64]

	degraded     *atomic.Bool
	degradedWhy  string
}

// Degraded reports whether the registry has permanently disabled mutation
// because one of the six maps could not be opened.
func (r *Registry) Degraded() bool {
	return r.degraded.Load()
}

// DegradedReason returns the human-readable reason degraded mode was
// entered, or "" if not degraded.
func (r *Registry) DegradedReason() string {
	if !r.degraded.Load() {
		return ""
	}
	return r.degradedWhy
}

// setDegraded permanently enters degraded mode. Idempotent; once entered
// degraded mode is never cleared for the lifetime of the registry.
func (r *Registry) setDegraded(reason string) {
	if r.degraded.CompareAndSwap(false, true) {
		r.degradedWhy = reason
	}
}

// ClearAll clears every map. Called once at startup per §4.1; a no-op in
// degraded mode.
func (r *Registry) ClearAll() error {
	for _, clear := range []func() error{
		r.Downstream4.Clear, r.Upstream4.Clear,
		r.Downstream6.Clear, r.Upstream6.Clear,
		r.Stats.Clear, r.Limit.Clear,
		r.DevIndex.Clear, r.ErrorCounter.Clear,
	} {
		if err := clear(); err != nil {
			return err
		}
	}
	return nil
}

// NewFakeRegistry builds a Registry backed entirely by in-memory FakeMaps,
// for use in tests: never degraded, no kernel required.
func NewFakeRegistry() *Registry {
	degraded := &atomic.Bool{}
	return &Registry{
		Downstream4:  guardedMap[types.Tether4Key, types.Tether4Value]{NewFakeMap[types.Tether4Key, types.Tether4Value](), degraded},
		Upstream4:    guardedMap[types.Tether4Key, types.Tether4Value]{NewFakeMap[types.Tether4Key, types.Tether4Value](), degraded},
		Downstream6:  guardedMap[types.Downstream6Key, types.Tether6Value]{NewFakeMap[types.Downstream6Key, types.Tether6Value](), degraded},
		Upstream6:    guardedMap[types.Upstream6Key, types.Tether6Value]{NewFakeMap[types.Upstream6Key, types.Tether6Value](), degraded},
		Stats:        guardedMap[types.StatsKey, types.StatsValue]{NewFakeMap[types.StatsKey, types.StatsValue](), degraded},
		Limit:        guardedMap[types.LimitKey, types.LimitValue]{NewFakeMap[types.LimitKey, types.LimitValue](), degraded},
		DevIndex:     guardedMap[uint32, struct{}]{NewFakeMap[uint32, struct{}](), degraded},
		ErrorCounter: guardedMap[uint32, uint64]{NewFakeMap[uint32, uint64](), degraded},
		degraded:     degraded,
	}
}

// ForceDegraded puts a fake registry into degraded mode, for tests that
// exercise P7 (no mutating op ever issued once a map is unavailable).
func (r *Registry) ForceDegraded(reason string) {
	r.setDegraded(reason)
}

// NewEBPFRegistry builds a Registry backed by the named maps in an
// attached eBPF collection. If any expected map is absent the registry
// enters degraded mode immediately (MapUnavailable, §7) rather than
// failing construction: the coordinator still starts, tracks in-memory
// state for dump purposes, and simply never issues a mutating map call.
func NewEBPFRegistry(coll *ebpf.Collection) (*Registry, error) {
	if coll == nil {
		return nil, offerrors.Wrap(fmt.Errorf("nil collection"), offerrors.KindInternal, "ebpf collection not loaded")
	}

	degraded := &atomic.Bool{}
	r := &Registry{degraded: degraded}

	lookup := func(name string) (*ebpf.Map, bool) {
		m, ok := coll.Maps[name]
		if !ok {
			r.setDegraded(fmt.Sprintf("map %q not present in collection", name))
		}
		return m, ok
	}

	d4, _ := lookup(NameDownstream4)
	u4, _ := lookup(NameUpstream4)
	d6, _ := lookup(NameDownstream6)
	u6, _ := lookup(NameUpstream6)
	st, _ := lookup(NameStats)
	li, _ := lookup(NameLimit)
	di, _ := lookup(NameDevIndex)
	ec, _ := lookup(NameErrorCounter)

	r.Downstream4 = guardedMap[types.Tether4Key, types.Tether4Value]{wrapOrNil[types.Tether4Key, types.Tether4Value](d4), degraded}
	r.Upstream4 = guardedMap[types.Tether4Key, types.Tether4Value]{wrapOrNil[types.Tether4Key, types.Tether4Value](u4), degraded}
	r.Downstream6 = guardedMap[types.Downstream6Key, types.Tether6Value]{wrapOrNil[types.Downstream6Key, types.Tether6Value](d6), degraded}
	r.Upstream6 = guardedMap[types.Upstream6Key, types.Tether6Value]{wrapOrNil[types.Upstream6Key, types.Tether6Value](u6), degraded}
	r.Stats = guardedMap[types.StatsKey, types.StatsValue]{wrapOrNil[types.StatsKey, types.StatsValue](st), degraded}
	r.Limit = guardedMap[types.LimitKey, types.LimitValue]{wrapOrNil[types.LimitKey, types.LimitValue](li), degraded}
	r.DevIndex = guardedMap[uint32, struct{}]{wrapOrNil[uint32, struct{}](di), degraded}
	r.ErrorCounter = guardedMap[uint32, uint64]{wrapOrNil[uint32, uint64](ec), degraded}

	return r, nil
}

// wrapOrNil returns an EBPFMap wrapping m, or a never-consulted fake if m
// is nil (the map was absent and the registry is already degraded).
func wrapOrNil[K comparable, V any](m *ebpf.Map) KernelMap[K, V] {
	if m == nil {
		return NewFakeMap[K, V]()
	}
	return NewEBPFMap[K, V](m)
}
