// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack implements the conntrack event consumer (C7):
// consumes NEW/DELETE NAT conntrack events, applies the F1-F4 filters,
// and maintains the IPv4 rule store, quota engine, dev-index map, and
// active-session counter.
package conntrack

import (
	"grimm.is/tetherd/internal/offload/clients"
	"grimm.is/tetherd/internal/offload/ifaces"
	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/quota"
	"grimm.is/tetherd/internal/offload/sessions"
	"grimm.is/tetherd/internal/offload/types"
	"grimm.is/tetherd/internal/offload/upstream"
)

// EtherTypeIPv4 is the value written into Tether4Value.EthProto.
const EtherTypeIPv4 uint16 = 0x0800

// MinimumIPv4MTU is the path MTU floor applied when the upstream does not
// report one.
const MinimumIPv4MTU = 576

// StatusEstablished is the conntrack status bit required on NEW events
// (§4.7 F4).
const StatusEstablished uint32 = 1 << 3

// MsgKind distinguishes conntrack NEW/DELETE events.
type MsgKind int

const (
	MsgNew MsgKind = iota
	MsgDelete
)

// Endpoint is one side of a conntrack tuple.
type Endpoint struct {
	Addr types.IPv4
	Port uint16
}

// Tuple is one direction of a conntrack flow.
type Tuple struct {
	Src   Endpoint
	Dst   Endpoint
	Proto types.Proto
}

// Event is one conntrack NEW/DELETE notification (§4.7).
type Event struct {
	Kind           MsgKind
	Original       Tuple
	Reply          Tuple
	Status         uint32
	TimeoutSeconds uint32
}

// Consumer is the conntrack event consumer (C7).
type Consumer struct {
	ifaceTable      *ifaces.Table
	clientTable     *clients.Table
	ipv4Store       *ipv4rules.Store
	upstreamMgr     *upstream.Manager
	quotaEngine     *quota.Engine
	devIndex        maps.KernelMap[uint32, struct{}]
	sessionCounter  *sessions.Counter
	nonOffloadPorts map[uint16]struct{}
}

// New creates a conntrack event consumer. nonOffloadPorts is the
// configured set of TCP destination ports that are never offloaded (F3).
func New(
	ifaceTable *ifaces.Table,
	clientTable *clients.Table,
	ipv4Store *ipv4rules.Store,
	upstreamMgr *upstream.Manager,
	quotaEngine *quota.Engine,
	devIndex maps.KernelMap[uint32, struct{}],
	sessionCounter *sessions.Counter,
	nonOffloadPorts map[uint16]struct{},
) *Consumer {
	return &Consumer{
		ifaceTable:      ifaceTable,
		clientTable:     clientTable,
		ipv4Store:       ipv4Store,
		upstreamMgr:     upstreamMgr,
		quotaEngine:     quotaEngine,
		devIndex:        devIndex,
		sessionCounter:  sessionCounter,
		nonOffloadPorts: nonOffloadPorts,
	}
}

// eligible applies F1-F3, common to both NEW and DELETE, and returns the
// matching client and current upstream when the event should be
// processed further.
func (c *Consumer) eligible(original Tuple) (types.ClientInfo, types.UpstreamInfo, bool) {
	up := c.upstreamMgr.Current()
	if !up.SupportsIPv4Offload() {
		return types.ClientInfo{}, up, false // F1
	}

	client, ok := c.clientTable.LookupByIPv4(original.Src.Addr)
	if !ok {
		return types.ClientInfo{}, up, false // F2
	}

	if downIface, ok := c.ifaceTable.ByIndex(client.DownstreamIndex); ok {
		if up.Transport == types.TransportEthernet && !downIface.HasEthernet {
			return types.ClientInfo{}, up, false // I2 L2 mismatch
		}
	}

	if original.Proto == types.ProtoTCP {
		if _, blocked := c.nonOffloadPorts[original.Dst.Port]; blocked {
			return types.ClientInfo{}, up, false // F3
		}
	}

	return client, up, true
}

// HandleEvent implements §4.7. Must be called only from the coordinator's
// executor.
func (c *Consumer) HandleEvent(ev Event) error {
	client, up, ok := c.eligible(ev.Original)
	if !ok {
		return nil
	}

	switch ev.Kind {
	case MsgNew:
		return c.handleNew(ev, client, up)
	case MsgDelete:
		return c.handleDelete(ev, client, up)
	}
	return nil
}

func (c *Consumer) handleNew(ev Event, client types.ClientInfo, up types.UpstreamInfo) error {
	if ev.Status&StatusEstablished == 0 || ev.TimeoutSeconds == 0 {
		return nil // F4
	}

	upstreamKey := types.Tether4Key{
		Iif:     client.DownstreamIndex,
		DstMac:  client.DownstreamMAC,
		Proto:   ev.Original.Proto,
		SrcIPv4: ev.Original.Src.Addr,
		DstIPv4: ev.Original.Dst.Addr,
		SrcPort: ev.Original.Src.Port,
		DstPort: ev.Original.Dst.Port,
	}
	if _, exists := c.ipv4Store.Lookup(upstreamKey); exists {
		return nil // redelivered NEW for a flow already tracked; I6 requires Count() stay unchanged
	}

	mtu := uint16(up.IfaceParams.MTU)
	if mtu < MinimumIPv4MTU {
		mtu = MinimumIPv4MTU
	}

	upstreamValue := types.Tether4Value{
		Oif:           up.Index,
		EthSrc:        up.IfaceParams.MAC,
		EthProto:      EtherTypeIPv4,
		Pmtu:          mtu,
		SrcIPv4Mapped: mapIPv4(ev.Reply.Dst.Addr),
		DstIPv4Mapped: mapIPv4(ev.Reply.Src.Addr),
		SrcPort:       ev.Reply.Dst.Port,
		DstPort:       ev.Reply.Src.Port,
	}
	downstreamKey, downstreamValue := ipv4rules.BuildReply(upstreamKey, upstreamValue, client.DownstreamIndex, client.DownstreamMAC, client.ClientMAC)

	firstOnUpstream := c.ipv4Store.CountByUpstream(up.Index) == 0
	if firstOnUpstream {
		if err := c.quotaEngine.SeedUpstream(up.Index); err != nil {
			return err
		}
	}

	if err := c.devIndex.Update(up.Index, struct{}{}); err != nil {
		return err
	}
	if err := c.devIndex.Update(client.DownstreamIndex, struct{}{}); err != nil {
		return err
	}

	if err := c.ipv4Store.Insert(ipv4rules.Entry{
		UpstreamKey:     upstreamKey,
		UpstreamValue:   upstreamValue,
		DownstreamKey:   downstreamKey,
		DownstreamValue: downstreamValue,
		DownstreamIndex: client.DownstreamIndex,
		ClientIPv4:      client.ClientIPv4,
	}); err != nil {
		return err
	}

	c.sessionCounter.Inc()
	return nil
}

func (c *Consumer) handleDelete(ev Event, client types.ClientInfo, up types.UpstreamInfo) error {
	upstreamKey := types.Tether4Key{
		Iif:     client.DownstreamIndex,
		DstMac:  client.DownstreamMAC,
		Proto:   ev.Original.Proto,
		SrcIPv4: ev.Original.Src.Addr,
		DstIPv4: ev.Original.Dst.Addr,
		SrcPort: ev.Original.Src.Port,
		DstPort: ev.Original.Dst.Port,
	}

	_, existed, err := c.ipv4Store.Remove(upstreamKey)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}

	c.sessionCounter.Dec()

	if c.ipv4Store.CountByUpstream(up.Index) == 0 {
		return c.quotaEngine.RemoveUpstream(up.Index)
	}
	return nil
}

func mapIPv4(a types.IPv4) types.IPv6 {
	var out types.IPv6
	out[10] = 0xff
	out[11] = 0xff
	copy(out[12:], a[:])
	return out
}
