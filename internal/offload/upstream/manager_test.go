// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/ipv6rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/types"
)

// TestXlatDowngradeDrainsIPv4 exercises S5: transitioning from an
// IPv4-capable upstream to an xlat upstream empties both IPv4 maps.
func TestXlatDowngradeDrainsIPv4(t *testing.T) {
	reg := maps.NewFakeRegistry()
	ipv4Store := ipv4rules.New(reg)
	ipv6Store := ipv6rules.New(reg)
	mgr := New(ipv6Store, ipv4Store)

	u1 := types.UpstreamInfo{Index: 1001, HasIPv4: true, HasIPv4Address: true, IPv4Address: types.IPv4{203, 0, 113, 5}}
	_, err := mgr.UpstreamChanged(u1, nil)
	require.NoError(t, err)

	upKey := types.Tether4Key{Iif: 2001, Proto: types.ProtoTCP, SrcIPv4: types.IPv4{192, 168, 80, 12}, DstIPv4: types.IPv4{140, 112, 8, 116}, SrcPort: 51234, DstPort: 443}
	upVal := types.Tether4Value{Oif: 1001}
	downKey, downVal := ipv4rules.BuildReply(upKey, upVal, 2001, types.MAC{0xaa}, types.MAC{0x02})
	require.NoError(t, ipv4Store.Insert(ipv4rules.Entry{UpstreamKey: upKey, UpstreamValue: upVal, DownstreamKey: downKey, DownstreamValue: downVal, DownstreamIndex: 2001, ClientIPv4: types.IPv4{192, 168, 80, 12}}))
	assert.Equal(t, 1, ipv4Store.Count())

	u2 := types.UpstreamInfo{Index: 1001, HasIPv4: true, HasIPv4Address: true, IPv4Address: types.IPv4{203, 0, 113, 5}, IsXlat: true}
	drained, err := mgr.UpstreamChanged(u2, nil)
	require.NoError(t, err)
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, ipv4Store.Count())

	_, ok := mgr.ResolveIPv4UpstreamIndex(types.IPv4{203, 0, 113, 5})
	assert.False(t, ok, "ipv4_upstream_indices cleared on unsupported transition")
}

func TestUpstreamChangedRebuildsIPv6ForEachDownstream(t *testing.T) {
	reg := maps.NewFakeRegistry()
	ipv4Store := ipv4rules.New(reg)
	ipv6Store := ipv6rules.New(reg)
	mgr := New(ipv6Store, ipv4Store)

	prefix := types.IPv6{0x20, 0x01, 0x0d, 0xb8}.Prefix64()
	u := types.UpstreamInfo{
		Index:    1001,
		HasIPv6:  true,
		Prefixes: map[uint64]struct{}{prefix: {}},
	}
	downstreams := []DownstreamRef{{Index: 2001, MAC: types.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}}}

	_, err := mgr.UpstreamChanged(u, downstreams)
	require.NoError(t, err)

	_, ok, err := reg.Upstream6.Get(types.Upstream6Key{Iif: 2001, DstMac: types.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}, Prefix64: prefix})
	require.NoError(t, err)
	assert.True(t, ok)
}
