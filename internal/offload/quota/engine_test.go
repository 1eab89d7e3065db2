// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/types"
)

type fakeSink struct {
	lastPerIface map[uint32]Delta
	alerts       int
}

func (f *fakeSink) NotifyStatsUpdated(perIface map[uint32]Delta, perUID map[IfaceUID]Delta) {
	f.lastPerIface = perIface
}

func (f *fakeSink) NotifyAlertReached() {
	f.alerts++
}

// TestQuotaSeedAndImmediateWrite exercises S2's set_limit/seed flow.
func TestQuotaSeedAndImmediateWrite(t *testing.T) {
	reg := maps.NewFakeRegistry()
	sink := &fakeSink{}
	e := New(reg, sink, types.QuotaUnlimited)

	require.NoError(t, e.SetLimit(1001, 1_048_576_000))
	require.NoError(t, e.SeedUpstream(1001))

	val, ok, err := reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1_048_576_000), val.QuotaBytes)

	require.NoError(t, e.SetLimit(1001, 2_000_000_000))
	val, ok, err = reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2_000_000_000), val.QuotaBytes, "already-active iface gets limit written immediately")
}

func TestSeedUpstreamDefaultsToUnlimited(t *testing.T) {
	reg := maps.NewFakeRegistry()
	e := New(reg, &fakeSink{}, types.QuotaUnlimited)
	require.NoError(t, e.SeedUpstream(1001))

	val, ok, err := reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.QuotaUnlimited, val.QuotaBytes)
}

// TestSeedUpstreamUsesConfiguredDefault exercises a non-default
// default_quota_bytes value flowing through New into SeedUpstream.
func TestSeedUpstreamUsesConfiguredDefault(t *testing.T) {
	reg := maps.NewFakeRegistry()
	e := New(reg, &fakeSink{}, 10_000_000_000)
	require.NoError(t, e.SeedUpstream(1001))

	val, ok, err := reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10_000_000_000), val.QuotaBytes)
}

func TestRemoveUpstreamReadAndClear(t *testing.T) {
	reg := maps.NewFakeRegistry()
	e := New(reg, &fakeSink{}, types.QuotaUnlimited)
	require.NoError(t, e.SeedUpstream(1001))
	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 500, TxBytes: 300}))

	require.NoError(t, e.RemoveUpstream(1001))

	_, ok, err := reg.Stats.Get(types.StatsKey{Ifindex: 1001})
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = reg.Limit.Get(types.LimitKey{Ifindex: 1001})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, uint64(800), e.totalBytesLocked())
}

func TestPollReportsDeltas(t *testing.T) {
	reg := maps.NewFakeRegistry()
	sink := &fakeSink{}
	e := New(reg, sink, types.QuotaUnlimited)
	require.NoError(t, e.SeedUpstream(1001))

	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 1000, TxBytes: 500}))
	require.NoError(t, e.Poll())
	assert.Equal(t, uint64(1000), sink.lastPerIface[1001].RxBytes)

	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 1500, TxBytes: 600}))
	require.NoError(t, e.Poll())
	assert.Equal(t, uint64(500), sink.lastPerIface[1001].RxBytes)
}

func TestSetAlertFiresImmediatelyWhenAlreadyOverThreshold(t *testing.T) {
	reg := maps.NewFakeRegistry()
	sink := &fakeSink{}
	e := New(reg, sink, types.QuotaUnlimited)
	require.NoError(t, e.SeedUpstream(1001))
	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 2000}))
	require.NoError(t, e.Poll())

	e.SetAlert(1000)
	assert.Equal(t, 1, sink.alerts)
}

func TestAlertFiresOnceAcrossPolls(t *testing.T) {
	reg := maps.NewFakeRegistry()
	sink := &fakeSink{}
	e := New(reg, sink, types.QuotaUnlimited)
	require.NoError(t, e.SeedUpstream(1001))
	e.SetAlert(1000)
	assert.Equal(t, 0, sink.alerts)

	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 1200}))
	require.NoError(t, e.Poll())
	assert.Equal(t, 1, sink.alerts)

	require.NoError(t, reg.Stats.Update(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 1300}))
	require.NoError(t, e.Poll())
	assert.Equal(t, 1, sink.alerts, "alert must not re-fire every poll")
}
