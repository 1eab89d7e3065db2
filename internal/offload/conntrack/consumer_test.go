// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/offload/clients"
	"grimm.is/tetherd/internal/offload/ifaces"
	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/ipv6rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/quota"
	"grimm.is/tetherd/internal/offload/sessions"
	"grimm.is/tetherd/internal/offload/types"
	"grimm.is/tetherd/internal/offload/upstream"
)

type fakeSink struct{}

func (fakeSink) NotifyStatsUpdated(map[uint32]quota.Delta, map[quota.IfaceUID]quota.Delta) {}
func (fakeSink) NotifyAlertReached()                                                       {}

func newTestConsumer(t *testing.T, nonOffload map[uint16]struct{}) (*Consumer, *maps.Registry, *ipv4rules.Store, *sessions.Counter) {
	t.Helper()
	reg := maps.NewFakeRegistry()
	ifaceTable := ifaces.New()
	ifaceTable.Add(2001, "wlan0", types.MAC{0xaa}, 1500)
	clientTable := clients.New()
	clientTable.Add(2001, types.ClientInfo{DownstreamIndex: 2001, DownstreamMAC: types.MAC{0xaa}, ClientIPv4: types.IPv4{192, 168, 80, 12}, ClientMAC: types.MAC{0x02}})

	ipv4Store := ipv4rules.New(reg)
	ipv6Store := ipv6rules.New(reg)
	mgr := upstream.New(ipv6Store, ipv4Store)
	_, err := mgr.UpstreamChanged(types.UpstreamInfo{
		Index: 1001, HasIPv4: true, HasIPv4Address: true,
		IPv4Address: types.IPv4{203, 0, 113, 5},
		IfaceParams: types.InterfaceParams{Index: 1001, MAC: types.MAC{0xbb}, MTU: 1500},
	}, nil)
	require.NoError(t, err)

	quotaEngine := quota.New(reg, fakeSink{}, types.QuotaUnlimited)
	sessionCounter := sessions.New()

	c := New(ifaceTable, clientTable, ipv4Store, mgr, quotaEngine, reg.DevIndex, sessionCounter, nonOffload)
	return c, reg, ipv4Store, sessionCounter
}

func sampleNewEvent() Event {
	return Event{
		Kind: MsgNew,
		Original: Tuple{
			Src:   Endpoint{Addr: types.IPv4{192, 168, 80, 12}, Port: 51234},
			Dst:   Endpoint{Addr: types.IPv4{140, 112, 8, 116}, Port: 443},
			Proto: types.ProtoTCP,
		},
		Reply: Tuple{
			Src:   Endpoint{Addr: types.IPv4{140, 112, 8, 116}, Port: 443},
			Dst:   Endpoint{Addr: types.IPv4{203, 0, 113, 5}, Port: 62449},
			Proto: types.ProtoTCP,
		},
		Status:         StatusEstablished,
		TimeoutSeconds: 120,
	}
}

// TestNewConntrackWritesBothDirectionsAndSeedsQuota exercises S2.
func TestNewConntrackWritesBothDirectionsAndSeedsQuota(t *testing.T) {
	c, reg, ipv4Store, sessionCounter := newTestConsumer(t, nil)

	require.NoError(t, c.quotaEngine.SetLimit(1001, 1_048_576_000))
	require.NoError(t, c.HandleEvent(sampleNewEvent()))

	assert.Equal(t, 1, ipv4Store.Count())
	assert.Equal(t, 1, sessionCounter.Current())

	lim, ok, err := reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1_048_576_000), lim.QuotaBytes)

	upstreamKey := types.Tether4Key{
		Iif: 2001, DstMac: types.MAC{0xaa}, Proto: types.ProtoTCP,
		SrcIPv4: types.IPv4{192, 168, 80, 12}, DstIPv4: types.IPv4{140, 112, 8, 116},
		SrcPort: 51234, DstPort: 443,
	}
	_, ok = ipv4Store.Lookup(upstreamKey)
	assert.True(t, ok)
}

// TestDuplicateNewIsIgnored exercises I6: a redelivered NEW for a flow
// already tracked must not grow the active session count.
func TestDuplicateNewIsIgnored(t *testing.T) {
	c, _, ipv4Store, sessionCounter := newTestConsumer(t, nil)
	require.NoError(t, c.quotaEngine.SetLimit(1001, 1_048_576_000))

	require.NoError(t, c.HandleEvent(sampleNewEvent()))
	require.NoError(t, c.HandleEvent(sampleNewEvent()))

	assert.Equal(t, 1, ipv4Store.Count())
	assert.Equal(t, 1, sessionCounter.Current())
}

// TestDeleteConntrackDrainsRuleAndStats exercises S2's teardown half.
func TestDeleteConntrackDrainsRuleAndStats(t *testing.T) {
	c, reg, ipv4Store, sessionCounter := newTestConsumer(t, nil)
	require.NoError(t, c.HandleEvent(sampleNewEvent()))
	require.Equal(t, 1, ipv4Store.Count())

	del := sampleNewEvent()
	del.Kind = MsgDelete
	require.NoError(t, c.HandleEvent(del))

	assert.Equal(t, 0, ipv4Store.Count())
	assert.Equal(t, 0, sessionCounter.Current())

	_, ok, err := reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	assert.False(t, ok, "limit entry removed once last rule on upstream is gone")
}

// TestNonOffloadPortBlocksNewAndDelete exercises S3.
func TestNonOffloadPortBlocksNewAndDelete(t *testing.T) {
	blocked := map[uint16]struct{}{443: {}}
	c, _, ipv4Store, _ := newTestConsumer(t, blocked)

	require.NoError(t, c.HandleEvent(sampleNewEvent()))
	assert.Equal(t, 0, ipv4Store.Count())

	del := sampleNewEvent()
	del.Kind = MsgDelete
	require.NoError(t, c.HandleEvent(del))
	assert.Equal(t, 0, ipv4Store.Count())
}

func TestUnknownClientIsDropped(t *testing.T) {
	c, _, ipv4Store, _ := newTestConsumer(t, nil)
	ev := sampleNewEvent()
	ev.Original.Src.Addr = types.IPv4{192, 168, 80, 99}
	require.NoError(t, c.HandleEvent(ev))
	assert.Equal(t, 0, ipv4Store.Count())
}

func TestUnestablishedStatusIsDropped(t *testing.T) {
	c, _, ipv4Store, _ := newTestConsumer(t, nil)
	ev := sampleNewEvent()
	ev.Status = 0
	require.NoError(t, c.HandleEvent(ev))
	assert.Equal(t, 0, ipv4Store.Count())
}

func TestZeroTimeoutIsDropped(t *testing.T) {
	c, _, ipv4Store, _ := newTestConsumer(t, nil)
	ev := sampleNewEvent()
	ev.TimeoutSeconds = 0
	require.NoError(t, c.HandleEvent(ev))
	assert.Equal(t, 0, ipv4Store.Count())
}
