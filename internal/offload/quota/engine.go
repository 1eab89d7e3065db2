// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package quota implements the quota & stats engine (C9): seeding and
// removal of per-interface quota, periodic stats polling, and alert
// thresholds.
package quota

import (
	"sync"

	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/types"
)

// Synthetic UID identities for per-uid attribution (§4.9). Traffic seen
// here has already been forwarded at the L3 offload layer, where there is
// no process or socket to recover a real userspace uid from, so every
// byte is credited to the synthetic tethering identity rather than an
// individual client uid.
const (
	UIDAll       uint32 = 0xffffffff
	UIDTethering uint32 = 0
)

// IfaceUID identifies one (interface, uid) pair in the per-uid stats view.
type IfaceUID struct {
	Iface uint32
	UID   uint32
}

// Delta is a byte/packet delta attributed to one polling interval.
type Delta struct {
	RxPackets uint64
	RxBytes   uint64
	RxErrors  uint64
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
}

// Sink receives stats updates and alert notifications (the outbound
// stats sink of §6).
type Sink interface {
	NotifyStatsUpdated(perIface map[uint32]Delta, perUID map[IfaceUID]Delta)
	NotifyAlertReached()
}

// Engine is the quota & stats engine (C9).
type Engine struct {
	reg               *maps.Registry
	sink              Sink
	defaultQuotaBytes uint64

	mu             sync.Mutex
	pendingLimits  map[uint32]uint64
	lastSnapshot   map[uint32]types.StatsValue
	persistent     map[uint32]types.StatsValue
	alertThreshold uint64
	alertFired     bool
}

// New creates a quota & stats engine bound to reg, reporting to sink.
// defaultQuotaBytes seeds any upstream that reaches SeedUpstream with no
// explicit SetLimit call pending (types.QuotaUnlimited for no cap).
func New(reg *maps.Registry, sink Sink, defaultQuotaBytes uint64) *Engine {
	return &Engine{
		reg:               reg,
		sink:              sink,
		defaultQuotaBytes: defaultQuotaBytes,
		pendingLimits:     make(map[uint32]uint64),
		lastSnapshot:      make(map[uint32]types.StatsValue),
		persistent:        make(map[uint32]types.StatsValue),
	}
}

// SetLimit implements §4.9 set_limit. If ifaceIndex has no current rules
// (no limit-map entry yet), the value is remembered and applied by
// SeedUpstream when the first rule appears; otherwise it is written
// immediately.
func (e *Engine) SetLimit(ifaceIndex uint32, bytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, active, err := e.reg.Limit.Get(types.LimitKey{Ifindex: ifaceIndex})
	if err != nil {
		return err
	}
	if !active {
		e.pendingLimits[ifaceIndex] = bytes
		return nil
	}
	return e.reg.Limit.Update(types.LimitKey{Ifindex: ifaceIndex}, types.LimitValue{QuotaBytes: bytes})
}

// SetAlert implements §4.9 set_alert: if the cumulative byte total across
// all upstreams already meets or exceeds bytes, the alert fires
// immediately; otherwise it is evaluated on each Poll.
func (e *Engine) SetAlert(bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.alertThreshold = bytes
	e.alertFired = false
	if e.totalBytesLocked() >= bytes {
		e.alertFired = true
		e.sink.NotifyAlertReached()
	}
}

// SeedUpstream seeds a quota entry (pending value or the configured
// default) and a
// zeroed stats entry for ifaceIndex, the first time a rule references it
// (§4.7 NEW handling, §4.9).
func (e *Engine) SeedUpstream(ifaceIndex uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, active, err := e.reg.Limit.Get(types.LimitKey{Ifindex: ifaceIndex})
	if err != nil {
		return err
	}
	if !active {
		quota := e.defaultQuotaBytes
		if pending, ok := e.pendingLimits[ifaceIndex]; ok {
			quota = pending
		}
		if err := e.reg.Limit.Insert(types.LimitKey{Ifindex: ifaceIndex}, types.LimitValue{QuotaBytes: quota}); err != nil {
			return err
		}
	}

	_, exists, err := e.reg.Stats.Get(types.StatsKey{Ifindex: ifaceIndex})
	if err != nil {
		return err
	}
	if !exists {
		if err := e.reg.Stats.Insert(types.StatsKey{Ifindex: ifaceIndex}, types.StatsValue{}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveUpstream reads and clears the stats entry for ifaceIndex,
// accumulating it into the persistent per-iface counter, and deletes the
// limit entry. Called when the last rule on an upstream is removed
// (§4.7 DELETE handling, I3).
func (e *Engine) RemoveUpstream(ifaceIndex uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	val, ok, err := e.reg.Stats.Get(types.StatsKey{Ifindex: ifaceIndex})
	if err != nil {
		return err
	}
	if ok {
		acc := e.persistent[ifaceIndex]
		acc.RxPackets += val.RxPackets
		acc.RxBytes += val.RxBytes
		acc.RxErrors += val.RxErrors
		acc.TxPackets += val.TxPackets
		acc.TxBytes += val.TxBytes
		acc.TxErrors += val.TxErrors
		e.persistent[ifaceIndex] = acc
	}
	delete(e.lastSnapshot, ifaceIndex)
	delete(e.pendingLimits, ifaceIndex)

	if err := e.reg.Stats.Delete(types.StatsKey{Ifindex: ifaceIndex}); err != nil {
		return err
	}
	return e.reg.Limit.Delete(types.LimitKey{Ifindex: ifaceIndex})
}

// Poll implements §4.9 poll(): reads the stats map, diffs each upstream
// against its last snapshot, and reports the deltas to the sink.
func (e *Engine) Poll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	perIface := make(map[uint32]Delta)
	perUID := make(map[IfaceUID]Delta)

	err := e.reg.Stats.ForEach(func(key types.StatsKey, value types.StatsValue) bool {
		last := e.lastSnapshot[key.Ifindex]
		d := Delta{
			RxPackets: value.RxPackets - last.RxPackets,
			RxBytes:   value.RxBytes - last.RxBytes,
			RxErrors:  value.RxErrors - last.RxErrors,
			TxPackets: value.TxPackets - last.TxPackets,
			TxBytes:   value.TxBytes - last.TxBytes,
			TxErrors:  value.TxErrors - last.TxErrors,
		}
		e.lastSnapshot[key.Ifindex] = value
		perIface[key.Ifindex] = d
		perUID[IfaceUID{key.Ifindex, UIDTethering}] = d
		return true
	})
	if err != nil {
		return err
	}

	e.sink.NotifyStatsUpdated(perIface, perUID)

	if e.alertThreshold > 0 && !e.alertFired && e.totalBytesLocked() >= e.alertThreshold {
		e.alertFired = true
		e.sink.NotifyAlertReached()
	}
	return nil
}

func (e *Engine) totalBytesLocked() uint64 {
	var total uint64
	for _, v := range e.persistent {
		total += v.RxBytes + v.TxBytes
	}
	for _, v := range e.lastSnapshot {
		total += v.RxBytes + v.TxBytes
	}
	return total
}
