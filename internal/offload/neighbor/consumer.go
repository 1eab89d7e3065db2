// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neighbor implements the neighbor event consumer (C6): consumes
// ADD/DEL/FAILED neighbor events and updates the client table and IPv6
// rule store.
package neighbor

import (
	"sync"

	"grimm.is/tetherd/internal/offload/ifaces"
	"grimm.is/tetherd/internal/offload/ipv6rules"
	"grimm.is/tetherd/internal/offload/types"
)

// Op identifies the kind of neighbor cache transition.
type Op int

const (
	OpNew Op = iota
	OpDel
	OpFailed
)

// NUDState mirrors the kernel neighbor-cache states relevant to offload
// eligibility.
type NUDState int

const (
	NUDNone NUDState = iota
	NUDIncomplete
	NUDReachable
	NUDStale
	NUDDelay
	NUDProbe
	NUDFailed
	NUDPermanent
)

func (s NUDState) eligibleForOffload() bool {
	switch s {
	case NUDReachable, NUDStale, NUDProbe, NUDDelay, NUDPermanent:
		return true
	default:
		return false
	}
}

// Event is one neighbor cache transition, as described in §4.6.
type Event struct {
	Op         Op
	IfaceIndex uint32
	IsIPv6     bool
	AddrV4     types.IPv4
	AddrV6     types.IPv6
	NUD        NUDState
	MAC        types.MAC
	HasMAC     bool
}

// ClientAdder and ClientRemover let the coordinator own the full
// client_add/client_remove semantics (including the I2/I3 cascades into
// the IPv4 rule store) while the consumer only handles event filtering
// and dispatch.
type ClientAdder func(downstream uint32, info types.ClientInfo) bool
type ClientRemover func(downstream uint32, addr types.IPv4) error

// Consumer is the neighbor event consumer (C6).
type Consumer struct {
	ifaceTable *ifaces.Table
	ipv6Store  *ipv6rules.Store
	addClient  ClientAdder
	removeClient ClientRemover

	mu          sync.Mutex
	downstreams map[uint32]struct{}
}

// New creates a neighbor event consumer.
func New(ifaceTable *ifaces.Table, ipv6Store *ipv6rules.Store, addClient ClientAdder, removeClient ClientRemover) *Consumer {
	return &Consumer{
		ifaceTable:   ifaceTable,
		ipv6Store:    ipv6Store,
		addClient:    addClient,
		removeClient: removeClient,
		downstreams:  make(map[uint32]struct{}),
	}
}

// RegisterDownstream marks ifaceIndex as a downstream; events on
// unregistered interfaces are ignored.
func (c *Consumer) RegisterDownstream(ifaceIndex uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downstreams[ifaceIndex] = struct{}{}
}

// UnregisterDownstream removes ifaceIndex from the downstream set.
func (c *Consumer) UnregisterDownstream(ifaceIndex uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.downstreams, ifaceIndex)
}

func (c *Consumer) isDownstream(ifaceIndex uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.downstreams[ifaceIndex]
	return ok
}

// HandleEvent implements §4.6. Must be called only from the coordinator's
// executor.
func (c *Consumer) HandleEvent(ev Event) error {
	if !c.isDownstream(ev.IfaceIndex) {
		return nil
	}

	if ev.IsIPv6 {
		return c.handleIPv6(ev)
	}
	return c.handleIPv4(ev)
}

func (c *Consumer) handleIPv6(ev Event) error {
	if ev.AddrV6.IsLinkLocalOrMulticast() {
		return nil
	}

	switch ev.Op {
	case OpNew:
		if !ev.HasMAC || !ev.NUD.eligibleForOffload() {
			return nil
		}
		iface, _ := c.ifaceTable.ByIndex(ev.IfaceIndex)
		return c.ipv6Store.UpsertNeighborRule(ev.IfaceIndex, iface.MAC, ev.AddrV6, ev.MAC)
	case OpDel, OpFailed:
		return c.ipv6Store.RemoveNeighborRule(ev.IfaceIndex, ev.AddrV6)
	}
	return nil
}

func (c *Consumer) handleIPv4(ev Event) error {
	if ev.AddrV4.IsLinkLocalOrMulticast() {
		return nil
	}

	switch ev.Op {
	case OpNew:
		if !ev.HasMAC {
			return nil
		}
		iface, _ := c.ifaceTable.ByIndex(ev.IfaceIndex)
		c.addClient(ev.IfaceIndex, types.ClientInfo{
			DownstreamIndex: ev.IfaceIndex,
			DownstreamMAC:   iface.MAC,
			ClientIPv4:      ev.AddrV4,
			ClientMAC:       ev.MAC,
		})
	case OpDel, OpFailed:
		return c.removeClient(ev.IfaceIndex, ev.AddrV4)
	}
	return nil
}
